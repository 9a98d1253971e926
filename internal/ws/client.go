package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Actions are the operations a session may trigger with inbound frames.
type Actions interface {
	Typing(ctx context.Context, scope domain.Scope, userID string, typing bool) error
	UpdateStatus(ctx context.Context, messageID, userID string, status domain.DeliveryStatus) (domain.Receipt, error)
}

// Presence records live sessions in the shared store.
type Presence interface {
	Connect(ctx context.Context, userID, sessionID string) error
	Disconnect(ctx context.Context, userID, sessionID string) error
	Touch(ctx context.Context, userID string) error
}

type inbound struct {
	Type      string `json:"type"`
	Kind      string `json:"kind,omitempty"`
	ID        string `json:"id,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

type reply struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error,omitempty"`
}

type Client struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	actions Actions
	opts    Options
	log     *zap.Logger
}

func newClient(id, userID string, conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:      id,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.opts.FramesPerSecond), s.opts.FrameBurst),
		actions: s.actions,
		opts:    s.opts,
		log:     s.log,
	}
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(c.opts.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if out := c.handle(data); out != nil {
			c.reply(out)
		}
	}
}

func (c *Client) writePump(touch func()) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if touch != nil {
				touch()
			}
		}
	}
}

// handle executes one inbound frame and returns the reply, if any.
func (c *Client) handle(data []byte) *reply {
	if !c.limiter.Allow() {
		return &reply{Type: "error", Error: "rate limited"}
	}
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return &reply{Type: "error", Error: "invalid frame"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ActionTimeout)
	defer cancel()

	switch in.Type {
	case "ping":
		return &reply{Type: "pong"}
	case "typing":
		scope, err := domain.ParseScope(in.Kind, in.ID, c.userID)
		if err != nil {
			return &reply{Type: "error", Ref: in.Type, Error: err.Error()}
		}
		if err := c.actions.Typing(ctx, scope, c.userID, in.Typing); err != nil {
			return &reply{Type: "error", Ref: in.Type, Error: err.Error()}
		}
		return nil
	case "ack":
		status, err := domain.ParseStatus(in.Status)
		if err != nil {
			return &reply{Type: "error", Ref: in.MessageID, Error: err.Error()}
		}
		if _, err := c.actions.UpdateStatus(ctx, in.MessageID, c.userID, status); err != nil {
			return &reply{Type: "error", Ref: in.MessageID, Error: err.Error()}
		}
		return &reply{Type: "ack_ok", Ref: in.MessageID}
	}
	return &reply{Type: "error", Error: "unknown frame type"}
}

func (c *Client) reply(r *reply) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	// Only called from readPump, which ends before Unregister closes send.
	select {
	case c.send <- b:
	default:
	}
}
