package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Presence answers whether a user has a session on any instance.
type Presence interface {
	Online(ctx context.Context, userID string) (bool, error)
}

// NewWriter builds a synchronous writer. Events are small and latency bound,
// so a batch is flushed after a few milliseconds instead of the default second.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
	}
}

// NewReader builds a reader for the event topic. Every instance must see every
// event, so groupID should be unique per instance.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
}

// Kafka publishes events to a topic consumed by every instance's Relay.
type Kafka struct {
	writer   MessageWriter
	presence Presence
	log      *zap.Logger
}

func NewKafka(w MessageWriter, presence Presence, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kafka{writer: w, presence: presence, log: log}
}

func (k *Kafka) Notify(ctx context.Context, recipientID, eventType string, payload any) error {
	return k.NotifyMany(ctx, []string{recipientID}, eventType, payload)
}

// NotifyMany publishes one event per online recipient in a single write.
func (k *Kafka) NotifyMany(ctx context.Context, recipientIDs []string, eventType string, payload any) error {
	msgs := make([]kafka.Message, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		if k.presence != nil {
			online, err := k.presence.Online(ctx, id)
			if err == nil && !online {
				metrics.Notifications.WithLabelValues("dropped").Inc()
				continue
			}
		}
		ev, err := NewEvent(id, eventType, payload)
		if err != nil {
			return err
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(id), Value: b, Time: ev.At})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.Notifications.WithLabelValues("failed").Add(float64(len(msgs)))
		return fmt.Errorf("%w: %w", domain.ErrNotifyUnavailable, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }

// Relay consumes the event topic and hands events to local sessions.
type Relay struct {
	reader MessageReader
	local  *Local
	log    *zap.Logger
}

func NewRelay(r MessageReader, local *Local, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{reader: r, local: local, log: log}
}

// Run blocks until ctx is cancelled. Read errors back off exponentially.
func (r *Relay) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			r.log.Warn("kafka read error", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		var ev Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			r.log.Warn("bad event on topic", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}
		r.local.Deliver(ev)
	}
}

func (r *Relay) Close() error { return r.reader.Close() }
