package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// requestError is a malformed request body; it renders as 400 with the
// offending fields.
type requestError struct {
	fields []FieldError
}

func (e *requestError) Error() string {
	if len(e.fields) == 0 {
		return "invalid request"
	}
	return e.fields[0].Message
}

func formatValidation(err error) []FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]FieldError, len(ve))
	for i, fe := range ve {
		out[i] = FieldError{Field: fe.Field(), Tag: fe.Tag()}
		switch fe.Tag() {
		case "required":
			out[i].Message = fmt.Sprintf("%s is required", fe.Field())
		case "oneof":
			out[i].Message = fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
		case "min", "gte":
			out[i].Message = fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
		default:
			out[i].Message = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		}
	}
	return out
}

// bind decodes the JSON body into out and checks its validate tags.
func bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if err := validate.Struct(out); err != nil {
		return &requestError{fields: formatValidation(err)}
	}
	return nil
}
