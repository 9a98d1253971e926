package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"go.uber.org/zap"
)

// Send validates a draft, commits it to the durable store and then mirrors it
// to the cache, the conversation index and the recipients' sessions. Once the
// insert succeeds the message is sent; later failures are logged only.
func (s *MessageService) Send(ctx context.Context, d domain.Draft) (*domain.Message, error) {
	if err := s.validateDraft(ctx, d); err != nil {
		return nil, err
	}

	m := s.compose(d)
	err := s.store.Insert(ctx, m)
	if errors.Is(err, domain.ErrConflict) {
		s.log.Warn("message id collision, retrying", zap.String("message_id", m.ID))
		m.ID = domain.NewMessageID()
		err = s.store.Insert(ctx, m)
	}
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		s.log.Error("message insert failed", zap.String("conversation", m.ConversationKey), zap.Error(err))
		return nil, fmt.Errorf("%w: insert message: %w", domain.ErrStoreUnavailable, err)
	}

	ctx, cancel := s.detached(ctx, s.opts.EnrichTimeout)
	defer cancel()

	if err := s.cache.Put(ctx, m); err != nil {
		s.enrichFailed("cache_put", err, zap.String("message_id", m.ID))
	}
	if err := s.cache.Append(ctx, m); err != nil {
		s.enrichFailed("index_append", err, zap.String("message_id", m.ID), zap.String("conversation", m.ConversationKey))
		conv := m.ConversationKey
		s.invalidate(ctx, indexStale(conv), func(ctx context.Context) error { return s.cache.DropIndex(ctx, conv) })
	}
	s.broadcast(ctx, s.audience(ctx, m.Scope, m.SenderID), domain.EventNewMessage, NewMessageEvent{
		MessageID:    m.ID,
		Conversation: m.Scope,
		SenderID:     m.SenderID,
		Type:         m.Type,
		ReplyToID:    m.ReplyToID,
		SentAt:       m.SentAt,
	})
	return m, nil
}

func (s *MessageService) compose(d domain.Draft) *domain.Message {
	now := s.clock()
	m := &domain.Message{
		ID:              domain.NewMessageID(),
		Scope:           d.Scope,
		ConversationKey: d.Scope.Key(),
		SenderID:        d.SenderID,
		Content:         d.Content,
		ContentHash:     domain.HashContent(d.Content),
		Type:            d.Type,
		MediaID:         d.MediaID,
		ReplyToID:       d.ReplyToID,
		SentAt:          now,
	}
	if d.TTL > 0 {
		exp := now.Add(d.TTL)
		m.ExpiresAt = &exp
	}
	return m
}

// validateDraft runs every check that must pass before anything is written.
func (s *MessageService) validateDraft(ctx context.Context, d domain.Draft) error {
	if d.SenderID == "" {
		return domain.Invalid("sender id missing")
	}
	if err := d.Scope.Validate(); err != nil {
		return err
	}
	if !d.Type.Valid() {
		return domain.Invalid("unknown message type")
	}
	if d.TTL < 0 {
		return domain.Invalid("ttl must not be negative")
	}

	if err := s.authorizeSend(ctx, d); err != nil {
		return err
	}

	switch {
	case len(d.Content) > 0:
		if err := s.envelopes.Validate(d.Scope.Kind, d.Content); err != nil {
			return err
		}
	case !d.Type.NeedsMedia():
		return domain.Invalid("content missing")
	}

	if d.Type.NeedsMedia() {
		if d.MediaID == "" {
			return domain.Invalid("media id required for " + string(d.Type))
		}
		if s.media != nil {
			ok, err := s.media.Exists(ctx, d.MediaID)
			if err != nil {
				return fmt.Errorf("media lookup: %w", err)
			}
			if !ok {
				return domain.Invalid("media not found")
			}
		}
	}

	if d.ReplyToID != "" {
		target, err := s.lookup(ctx, d.ReplyToID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Invalid("reply target not found")
		}
		if err != nil {
			return err
		}
		if target.ConversationKey != d.Scope.Key() {
			return domain.Invalid("reply target belongs to another conversation")
		}
		if target.DeletedForEveryone() {
			return domain.Invalid("reply target was deleted")
		}
	}
	return nil
}

func (s *MessageService) authorizeSend(ctx context.Context, d domain.Draft) error {
	if d.Scope.Kind == domain.ScopeDirect {
		if !d.Scope.Includes(d.SenderID) {
			return domain.Forbidden("sender is not a participant")
		}
		blocked, err := s.blocks.IsBlocked(ctx, d.SenderID, d.Scope.Counterpart(d.SenderID))
		switch {
		case errors.Is(err, domain.ErrCacheUnavailable):
			// The block list lives on the cache; an outage there must not
			// stop direct messages.
			s.enrichFailed("block_check", err, zap.String("conversation", d.Scope.Key()))
		case err != nil:
			return fmt.Errorf("block lookup: %w", err)
		}
		if blocked {
			return domain.Forbidden("recipient has blocked the sender")
		}
		return nil
	}
	ok, err := s.directory.CanPost(ctx, d.Scope.Key(), d.SenderID)
	if err != nil {
		return storeErr("membership lookup", err)
	}
	if !ok {
		return domain.Forbidden("not allowed to post in this conversation")
	}
	return nil
}

// Schedule validates a draft now and stores it for DispatchDue to send at at.
func (s *MessageService) Schedule(ctx context.Context, d domain.Draft, at time.Time) (*domain.ScheduledMessage, error) {
	now := s.clock()
	if !at.After(now) {
		return nil, domain.Invalid("scheduled time must be in the future")
	}
	if err := s.validateDraft(ctx, d); err != nil {
		return nil, err
	}
	sm := &domain.ScheduledMessage{
		ID:        domain.NewScheduleID(),
		Draft:     d,
		SendAt:    at.UTC(),
		CreatedAt: now,
	}
	if err := s.store.InsertScheduled(ctx, sm); err != nil {
		return nil, storeErr("insert scheduled", err)
	}
	return sm, nil
}

// DispatchDue sends every scheduled message due at now. Each entry is claimed
// before sending so concurrent dispatchers never send it twice. A draft that
// no longer validates is dropped; one that fails on the store is put back.
func (s *MessageService) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueScheduled(ctx, now, s.opts.DispatchBatch)
	if err != nil {
		return 0, storeErr("due scheduled", err)
	}
	sent := 0
	for _, sm := range due {
		claimed, err := s.store.DeleteScheduled(ctx, sm.ID)
		if err != nil {
			return sent, storeErr("claim scheduled", err)
		}
		if !claimed {
			continue
		}
		m, err := s.Send(ctx, sm.Draft)
		switch {
		case err == nil:
			sent++
			s.log.Info("scheduled message sent", zap.String("schedule_id", sm.ID), zap.String("message_id", m.ID))
		case errors.Is(err, domain.ErrValidation):
			s.log.Warn("scheduled message dropped", zap.String("schedule_id", sm.ID), zap.Error(err))
		default:
			if perr := s.store.InsertScheduled(ctx, sm); perr != nil {
				s.log.Error("scheduled message lost", zap.String("schedule_id", sm.ID), zap.Error(perr))
			}
			return sent, err
		}
	}
	return sent, nil
}
