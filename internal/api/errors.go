package api

import (
	"errors"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	var re *requestError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &re):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrCacheUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)
		msg := err.Error()
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
			if code == fiber.StatusInternalServerError {
				msg = "internal error"
			}
		}
		body := fiber.Map{"error": msg}
		var re *requestError
		if errors.As(err, &re) && len(re.fields) > 0 {
			body["fields"] = re.fields
		}
		return c.Status(code).JSON(body)
	}
}
