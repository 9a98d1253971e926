package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
)

// Store is the durable, authoritative record of messages, receipts,
// tombstones and scheduled sends. Write failures are always returned.
type Store interface {
	Messages
	Receipts
	Tombstones
	Schedule
}

type Messages interface {
	// Insert fails with domain.ErrConflict when the id already exists.
	Insert(ctx context.Context, m *domain.Message) error
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	// FindByIDs omits ids that do not exist. Receipts are joined.
	FindByIDs(ctx context.Context, ids []string) ([]*domain.Message, error)
	// RangeBefore lists a conversation newest first, strictly past the
	// cursor when it is set.
	RangeBefore(ctx context.Context, conv string, before *domain.Cursor, limit int) ([]*domain.Message, error)
	SetReaction(ctx context.Context, messageID, userID, token string, at time.Time) error
	// MarkDeleted flags a message deleted for everyone. changed is false
	// when it already was.
	MarkDeleted(ctx context.Context, messageID, by string, at time.Time) (changed bool, err error)
	SetPinned(ctx context.Context, messageID string, pinned bool, at time.Time) error
	Pinned(ctx context.Context, conv string) ([]*domain.Message, error)
	ExpiredBefore(ctx context.Context, ts time.Time, limit int) ([]*domain.Message, error)
	// DeleteByIDs removes messages with their receipts and tombstones.
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	DeleteExpiredBefore(ctx context.Context, ts time.Time) (int64, error)
}

type Receipts interface {
	// UpdateStatus applies a monotonic transition as a single conditional
	// write. changed is false when the recipient already reached status.
	UpdateStatus(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus, at time.Time) (r domain.Receipt, changed bool, err error)
	// Receipt returns the current record, or a sent receipt if none exists.
	Receipt(ctx context.Context, messageID, recipientID string) (domain.Receipt, error)
	Receipts(ctx context.Context, messageID string) ([]domain.Receipt, error)
}

type Tombstones interface {
	AddTombstone(ctx context.Context, t domain.Tombstone) error
	// Tombstones lists the ids userID deleted for themselves in conv.
	Tombstones(ctx context.Context, userID, conv string) ([]string, error)
}

type Schedule interface {
	InsertScheduled(ctx context.Context, s *domain.ScheduledMessage) error
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledMessage, error)
	// DeleteScheduled claims a scheduled send; only one caller gets true.
	DeleteScheduled(ctx context.Context, id string) (bool, error)
}

func receiptID(messageID, recipientID string) string { return messageID + "|" + recipientID }
