package ws

import (
	"context"
	"time"

	"github.com/fathima-sithara/chat-core/internal/auth"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	SendBuffer      int
	MaxFrameBytes   int64
	PongWait        time.Duration
	PingInterval    time.Duration
	WriteWait       time.Duration
	ActionTimeout   time.Duration
	FramesPerSecond float64
	FrameBurst      int
}

func (o *Options) defaults() {
	if o.SendBuffer == 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = 64 * 1024
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ActionTimeout == 0 {
		o.ActionTimeout = 5 * time.Second
	}
	if o.FramesPerSecond == 0 {
		o.FramesPerSecond = 10
	}
	if o.FrameBurst == 0 {
		o.FrameBurst = 20
	}
}

type Server struct {
	hub      *Hub
	jv       auth.Validator
	actions  Actions
	presence Presence
	opts     Options
	log      *zap.Logger
}

func NewServer(hub *Hub, jv auth.Validator, actions Actions, presence Presence, opts Options, log *zap.Logger) *Server {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{hub: hub, jv: jv, actions: actions, presence: presence, opts: opts, log: log}
}

// Upgrade authenticates the token query parameter before the handshake.
func (s *Server) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		uid, err := s.jv.Validate(c.Query("token"))
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals("user_id", uid)
		return c.Next()
	}
}

func (s *Server) Handler() fiber.Handler {
	return websocket.New(s.serve)
}

func (s *Server) serve(conn *websocket.Conn) {
	uid, _ := conn.Locals("user_id").(string)
	if uid == "" {
		_ = conn.Close()
		return
	}
	c := newClient(uuid.NewString(), uid, conn, s)
	s.hub.Register(c)
	s.presenceCall("connect", uid, func(ctx context.Context) error { return s.presence.Connect(ctx, uid, c.id) })
	s.log.Debug("session opened", zap.String("user_id", uid), zap.String("session", c.id))

	defer func() {
		s.hub.Unregister(c)
		s.presenceCall("disconnect", uid, func(ctx context.Context) error { return s.presence.Disconnect(ctx, uid, c.id) })
		s.log.Debug("session closed", zap.String("user_id", uid), zap.String("session", c.id))
	}()

	go c.writePump(func() {
		s.presenceCall("touch", uid, func(ctx context.Context) error { return s.presence.Touch(ctx, uid) })
	})
	c.readPump()
}

func (s *Server) presenceCall(op, uid string, fn func(ctx context.Context) error) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn("presence update failed", zap.String("op", op), zap.String("user_id", uid), zap.Error(err))
	}
}
