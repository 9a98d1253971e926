package api

import (
	"context"
	"time"

	"github.com/fathima-sithara/chat-core/internal/auth"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"github.com/fathima-sithara/chat-core/internal/service"
	"github.com/fathima-sithara/chat-core/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	RequestTimeout time.Duration
	AdminToken     string
	// Limiter is optional; without it requests are not rate limited.
	Limiter *RateLimiter
	// Sockets is optional; without it /ws is not served.
	Sockets *ws.Server
	// Blocks is optional; without it the block endpoints are not served.
	Blocks BlockEditor
	Checks map[string]HealthCheck
}

// BlockEditor maintains per-user block lists.
type BlockEditor interface {
	Block(ctx context.Context, userID, targetID string) error
	Unblock(ctx context.Context, userID, targetID string) error
}

func NewServer(svc *service.MessageService, jv auth.Validator, opts Options, log *zap.Logger) *fiber.App {
	if log == nil {
		log = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log),
		BodyLimit:             1 << 20,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(requestLog(log))

	app.Get("/healthz", healthz(opts.Checks))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if opts.Sockets != nil {
		app.Get("/ws", opts.Sockets.Upgrade(), opts.Sockets.Handler())
	}

	h := NewHandlers(svc, opts.RequestTimeout)

	v1 := app.Group("/v1", requireUser(jv, log))
	if opts.Limiter != nil {
		v1.Use(opts.Limiter.Handler())
	}
	v1.Post("/messages", h.send)
	v1.Post("/messages/scheduled", h.schedule)
	v1.Get("/conversations/:kind/:id/messages", h.fetch)
	v1.Get("/conversations/:kind/:id/pinned", h.pinned)
	v1.Post("/conversations/:kind/:id/typing", h.typing)
	v1.Post("/messages/:id/status", h.updateStatus)
	v1.Get("/messages/:id/status", h.getStatus)
	v1.Post("/messages/:id/reactions", h.react)
	v1.Delete("/messages/:id", h.delete)
	v1.Post("/messages/:id/pin", h.pin(true))
	v1.Delete("/messages/:id/pin", h.pin(false))

	internal := app.Group("/internal", requireAdmin(opts.AdminToken))
	internal.Post("/messages/purge", h.purge)
	internal.Post("/messages/delete", h.deleteByIDs)
	internal.Post("/scheduled/dispatch", h.dispatch)
	if opts.Blocks != nil {
		internal.Post("/blocks", blockHandler(opts.Blocks, true))
		internal.Delete("/blocks", blockHandler(opts.Blocks, false))
	}

	return app
}

func healthz(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		report := fiber.Map{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				report[name] = err.Error()
				healthy = false
				continue
			}
			report[name] = "ok"
		}
		if !healthy {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "checks": report})
		}
		return c.JSON(fiber.Map{"status": "ok", "checks": report})
	}
}
