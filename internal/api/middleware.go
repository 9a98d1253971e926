package api

import (
	"context"
	"crypto/subtle"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fathima-sithara/chat-core/internal/auth"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func requireUser(jv auth.Validator, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		hdr := c.Get(fiber.HeaderAuthorization)
		if hdr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization"})
		}
		token, ok := strings.CutPrefix(hdr, "Bearer ")
		if !ok || token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization header"})
		}
		uid, err := jv.Validate(token)
		if err != nil {
			log.Debug("jwt invalid", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}
		c.Locals("user_id", uid)
		return c.Next()
	}
}

// requireAdmin guards the operator endpoints under /internal.
// An empty token disables them.
func requireAdmin(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "admin token required"})
		}
		return c.Next()
	}
}

func userID(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
}

// requestLog writes one line per request.
func requestLog(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		code := c.Response().StatusCode()
		if err != nil {
			code = statusFor(err)
		}
		log.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}

// RateLimiter keeps a token bucket per caller, keyed by user id once
// authenticated and by client address otherwise.
type RateLimiter struct {
	visitors sync.Map
	rps      rate.Limit
	burst    int
	log      *zap.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func NewRateLimiter(perMinute, burst int, log *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{rps: rate.Limit(float64(perMinute) / 60.0), burst: burst, log: log}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	now := time.Now()
	v, _ := l.visitors.LoadOrStore(key, &visitor{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now})
	vi := v.(*visitor)
	vi.mu.Lock()
	vi.lastSeen = now
	vi.mu.Unlock()
	return vi.limiter
}

// Run evicts idle visitors until ctx is done.
func (l *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			l.visitors.Range(func(k, v any) bool {
				vi := v.(*visitor)
				vi.mu.Lock()
				idle := vi.lastSeen.Before(cutoff)
				vi.mu.Unlock()
				if idle {
					l.visitors.Delete(k)
				}
				return true
			})
		}
	}
}

func (l *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := userID(c)
		if key == "" {
			key = clientIP(c)
		}
		if !l.limiter(key).Allow() {
			l.log.Warn("rate limit exceeded", zap.String("key", key), zap.String("path", c.Path()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}

func clientIP(c *fiber.Ctx) string {
	ip := c.IP()
	if ip == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
