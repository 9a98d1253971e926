package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"go.uber.org/zap"
)

type ReceiptStore interface {
	UpdateStatus(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus, at time.Time) (domain.Receipt, bool, error)
	Receipt(ctx context.Context, messageID, recipientID string) (domain.Receipt, error)
}

// SnapshotCache patches a cached snapshot in place; fn is not called when no
// snapshot is cached.
type SnapshotCache interface {
	Patch(ctx context.Context, id string, fn func(m *domain.Message)) error
}

type Notifier interface {
	Notify(ctx context.Context, recipientID, eventType string, payload any) error
}

// StatusEvent tells a sender that one recipient advanced.
type StatusEvent struct {
	MessageID    string                `json:"message_id"`
	Conversation domain.Scope          `json:"conversation"`
	RecipientID  string                `json:"recipient_id"`
	Status       domain.DeliveryStatus `json:"status"`
	At           time.Time             `json:"at"`
}

// Tracker records per-recipient acknowledgements. Transitions are applied by
// the store's conditional write, so retried acknowledgements are no-ops and
// only the call that actually advances the state notifies the sender.
type Tracker struct {
	store    ReceiptStore
	cache    SnapshotCache
	notifier Notifier
	log      *zap.Logger
}

func NewTracker(store ReceiptStore, cache SnapshotCache, notifier Notifier, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, cache: cache, notifier: notifier, log: log}
}

func (t *Tracker) RecordDelivered(ctx context.Context, m *domain.Message, recipientID string, at time.Time) (domain.Receipt, bool, error) {
	return t.record(ctx, m, recipientID, domain.StatusDelivered, at)
}

func (t *Tracker) RecordSeen(ctx context.Context, m *domain.Message, recipientID string, at time.Time) (domain.Receipt, bool, error) {
	return t.record(ctx, m, recipientID, domain.StatusSeen, at)
}

// Record dispatches on status; only delivered and seen are accepted.
func (t *Tracker) Record(ctx context.Context, m *domain.Message, recipientID string, status domain.DeliveryStatus, at time.Time) (domain.Receipt, bool, error) {
	switch status {
	case domain.StatusDelivered, domain.StatusSeen:
		return t.record(ctx, m, recipientID, status, at)
	}
	return domain.Receipt{}, false, domain.Invalid("status must be delivered or seen")
}

func (t *Tracker) GetState(ctx context.Context, messageID, recipientID string) (domain.DeliveryStatus, error) {
	r, err := t.store.Receipt(ctx, messageID, recipientID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

func (t *Tracker) record(ctx context.Context, m *domain.Message, recipientID string, status domain.DeliveryStatus, at time.Time) (domain.Receipt, bool, error) {
	if recipientID == "" || recipientID == m.SenderID {
		return domain.Receipt{}, false, domain.Invalid("sender cannot acknowledge own message")
	}
	r, changed, err := t.store.UpdateStatus(ctx, m.ID, recipientID, status, at)
	if err != nil {
		return domain.Receipt{}, false, fmt.Errorf("%w: update status: %w", domain.ErrStoreUnavailable, err)
	}
	if !changed {
		return r, false, nil
	}
	metrics.StatusTransitions.WithLabelValues(string(status)).Inc()

	t.patchSnapshot(ctx, m.ID, r)

	ev := StatusEvent{MessageID: m.ID, Conversation: m.Scope, RecipientID: recipientID, Status: r.Status, At: at}
	if err := t.notifier.Notify(ctx, m.SenderID, domain.EventMessageStatus, ev); err != nil {
		t.log.Warn("status notify failed", zap.String("message_id", m.ID), zap.String("user_id", m.SenderID), zap.Error(err))
		metrics.EnrichmentFailures.WithLabelValues("notify").Inc()
	}
	return r, true, nil
}

// patchSnapshot folds the new receipt into the cached snapshot. A missing
// snapshot is left alone; the next read repopulates it from the store.
func (t *Tracker) patchSnapshot(ctx context.Context, id string, r domain.Receipt) {
	err := t.cache.Patch(ctx, id, func(m *domain.Message) { m.Delivery.Put(r) })
	if err != nil && errors.Is(err, domain.ErrCacheUnavailable) {
		t.log.Warn("snapshot patch failed", zap.String("message_id", id), zap.Error(err))
		metrics.EnrichmentFailures.WithLabelValues("cache_patch").Inc()
	}
}
