package service

import (
	"context"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"go.uber.org/zap"
)

// DeleteByIDs removes messages for good, with their receipts, tombstones,
// snapshots, index entries and pins. It is driven by the external cleanup job.
func (s *MessageService) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	msgs, err := s.store.FindByIDs(ctx, ids)
	if err != nil {
		return 0, storeErr("find messages", err)
	}
	n, err := s.store.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, storeErr("delete messages", err)
	}
	s.evict(ctx, ids, msgs)
	return n, nil
}

func (s *MessageService) evict(ctx context.Context, ids []string, msgs []*domain.Message) {
	ctx, cancel := s.detached(ctx, s.opts.EnrichTimeout)
	defer cancel()

	if err := s.cache.Delete(ctx, ids...); err != nil {
		s.enrichFailed("cache_delete", err, zap.Int("count", len(ids)))
	}
	byConv := make(map[string][]string)
	var pinned []*domain.Message
	for _, m := range msgs {
		byConv[m.ConversationKey] = append(byConv[m.ConversationKey], m.ID)
		if m.Pinned {
			pinned = append(pinned, m)
		}
	}
	for conv, convIDs := range byConv {
		if err := s.cache.Unindex(ctx, conv, convIDs...); err != nil {
			s.enrichFailed("index_unindex", err, zap.String("conversation", conv))
		}
	}
	for _, m := range pinned {
		if err := s.cache.Unpin(ctx, m.ConversationKey, m.ID); err != nil {
			s.enrichFailed("unpin", err, zap.String("message_id", m.ID))
		}
	}
}

// PurgeExpired deletes every message whose expiry is at or before now and
// returns how many were removed.
func (s *MessageService) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for {
		batch, err := s.store.ExpiredBefore(ctx, now, s.opts.PurgeBatch)
		if err != nil {
			return total, storeErr("expired messages", err)
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]string, len(batch))
		for i, m := range batch {
			ids[i] = m.ID
		}
		n, err := s.store.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, storeErr("delete expired", err)
		}
		s.evict(ctx, ids, batch)
		total += n
		if n == 0 || len(batch) < s.opts.PurgeBatch {
			break
		}
	}

	rest, err := s.store.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return total, storeErr("delete expired", err)
	}
	total += rest
	if total > 0 {
		s.log.Info("expired messages purged", zap.Int64("count", total))
	}
	return total, nil
}
