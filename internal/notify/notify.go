package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fathima-sithara/chat-core/internal/metrics"
	"go.uber.org/zap"
)

// Notifier pushes a real-time event to a user's active sessions. Delivery is
// best-effort and at most once: with no session the event is dropped.
type Notifier interface {
	Notify(ctx context.Context, recipientID, eventType string, payload any) error
}

// Multicaster is a Notifier that can hand one event to many recipients in a
// single round trip.
type Multicaster interface {
	NotifyMany(ctx context.Context, recipientIDs []string, eventType string, payload any) error
}

// Event is the frame written to a session.
type Event struct {
	Type        string          `json:"type"`
	RecipientID string          `json:"recipient_id"`
	Payload     json.RawMessage `json:"payload"`
	At          time.Time       `json:"at"`
}

func NewEvent(recipientID, eventType string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, RecipientID: recipientID, Payload: b, At: time.Now().UTC()}, nil
}

// Sessions is the registry of connected sessions on this instance.
type Sessions interface {
	// SendToUser queues msg on every session of userID and returns how many
	// sessions accepted it.
	SendToUser(userID string, msg []byte) int
}

// Local delivers to sessions connected to this instance.
type Local struct {
	sessions Sessions
	log      *zap.Logger
}

func NewLocal(sessions Sessions, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{sessions: sessions, log: log}
}

func (l *Local) Notify(ctx context.Context, recipientID, eventType string, payload any) error {
	ev, err := NewEvent(recipientID, eventType, payload)
	if err != nil {
		return err
	}
	l.Deliver(ev)
	return nil
}

// Deliver writes an already-built event to local sessions.
func (l *Local) Deliver(ev Event) int {
	b, err := json.Marshal(ev)
	if err != nil {
		l.log.Warn("event encode failed", zap.String("type", ev.Type), zap.Error(err))
		return 0
	}
	n := l.sessions.SendToUser(ev.RecipientID, b)
	if n == 0 {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		l.log.Debug("no active session, event dropped", zap.String("user_id", ev.RecipientID), zap.String("type", ev.Type))
		return 0
	}
	metrics.Notifications.WithLabelValues("delivered").Add(float64(n))
	return n
}
