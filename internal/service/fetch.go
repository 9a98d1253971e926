package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fathima-sithara/chat-core/internal/cache"
	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"github.com/fathima-sithara/chat-core/internal/repository"
	"go.uber.org/zap"
)

type FetchRequest struct {
	Scope    domain.Scope
	ViewerID string
	// Before and BeforeID are the cursor returned as Next and NextID; nil
	// reads the latest. Without BeforeID, Before is exclusive on sentAt.
	Before   *time.Time
	BeforeID string
	Limit    int
	// MarkSeen acknowledges returned messages as seen instead of delivered.
	MarkSeen bool
}

type FetchResult struct {
	Messages []*domain.Message `json:"messages"`
	// Next and NextID are the cursor for the following page, unset at the
	// start of history.
	Next   *time.Time `json:"next,omitempty"`
	NextID string     `json:"next_id,omitempty"`
}

// Fetch returns a page of a conversation newest first. The page is read from
// the conversation index and the cache; if the index cannot answer, it is
// read from the durable store and the cache is backfilled. Returned messages
// from other senders are acknowledged in the background.
func (s *MessageService) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, req.Scope, req.ViewerID); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}
	conv := req.Scope.Key()
	var before *domain.Cursor
	if req.Before != nil {
		before = &domain.Cursor{At: *req.Before, ID: req.BeforeID}
	}

	msgs, full, err := s.window(ctx, conv, before, limit)
	if err != nil {
		return nil, err
	}
	res := &FetchResult{}
	if full && len(msgs) > 0 {
		tail := msgs[len(msgs)-1]
		next := tail.SentAt
		res.Next, res.NextID = &next, tail.ID
	}

	now := s.clock()
	live := msgs[:0]
	for _, m := range msgs {
		if m.ConversationKey == conv && !m.Expired(now) {
			live = append(live, m)
		}
	}

	hidden, err := s.tombstones(ctx, req.ViewerID, conv, live)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Message, 0, len(live))
	for _, m := range live {
		if hidden[m.ID] {
			continue
		}
		if m.DeletedForEveryone() {
			m = m.Redacted()
		}
		out = append(out, m)
	}
	repository.SortNewestFirst(out)
	res.Messages = out

	target := domain.StatusDelivered
	if req.MarkSeen {
		target = domain.StatusSeen
	}
	s.acknowledge(ctx, out, req.ViewerID, target)
	return res, nil
}

// window resolves up to limit messages past the cursor, newest first. full
// reports whether the window was filled, meaning older history may exist.
func (s *MessageService) window(ctx context.Context, conv string, before *domain.Cursor, limit int) ([]*domain.Message, bool, error) {
	drop := func(ctx context.Context) error { return s.cache.DropIndex(ctx, conv) }
	indexed := s.trusted(ctx, indexStale(conv), drop)
	if indexed {
		page, err := s.cache.Range(ctx, conv, before, limit)
		if err != nil {
			s.enrichFailed("index_range", err, zap.String("conversation", conv))
		} else if len(page.IDs) >= limit || page.Complete {
			return s.resolve(ctx, conv, page, limit)
		}
	}

	metrics.IndexFallbacks.Inc()
	msgs, err := s.store.RangeBefore(ctx, conv, before, limit)
	if err != nil {
		return nil, false, storeErr("range messages", err)
	}
	if indexed {
		s.backfill(ctx, conv, before, limit, msgs)
	}
	return msgs, len(msgs) >= limit, nil
}

// resolve reads the messages of an index page in index order.
func (s *MessageService) resolve(ctx context.Context, conv string, page cache.Page, limit int) ([]*domain.Message, bool, error) {
	res, err := s.tiered.Get(ctx, page.IDs)
	if err != nil {
		return nil, false, err
	}
	if len(res.Missing) > 0 {
		// Dangling entries for messages already removed from the store.
		if err := s.cache.Unindex(ctx, conv, res.Missing...); err != nil {
			s.enrichFailed("index_unindex", err, zap.String("conversation", conv))
		}
	}
	msgs := make([]*domain.Message, 0, len(page.IDs))
	for _, id := range page.IDs {
		if m, ok := res.Found[id]; ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, len(page.IDs) >= limit, nil
}

// backfill writes a durable page into the cache and the index. A page read
// from the top that came back short holds the whole conversation, so the
// index is marked complete.
func (s *MessageService) backfill(ctx context.Context, conv string, before *domain.Cursor, limit int, msgs []*domain.Message) {
	if len(msgs) > 0 {
		if err := s.cache.PutMany(ctx, msgs); err != nil {
			s.enrichFailed("cache_backfill", err, zap.String("conversation", conv))
			return
		}
		if err := s.cache.AppendMany(ctx, conv, msgs); err != nil {
			s.enrichFailed("index_backfill", err, zap.String("conversation", conv))
			s.invalidate(ctx, indexStale(conv), func(ctx context.Context) error { return s.cache.DropIndex(ctx, conv) })
			return
		}
	}
	if before == nil && len(msgs) < limit {
		if err := s.cache.MarkComplete(ctx, conv); err != nil {
			s.enrichFailed("index_backfill", err, zap.String("conversation", conv))
		}
	}
}

// tombstones returns the ids in msgs the viewer deleted for themselves. The
// cached set answers when it was loaded; otherwise the durable set is read
// and loaded into the cache.
func (s *MessageService) tombstones(ctx context.Context, viewer, conv string, msgs []*domain.Message) (map[string]bool, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	load := false
	drop := func(ctx context.Context) error { return s.cache.DropTombstones(ctx, viewer, conv) }
	if s.trusted(ctx, tombStale(viewer, conv), drop) {
		hidden, loaded, err := s.cache.Tombstoned(ctx, viewer, conv, ids)
		if err == nil && loaded {
			return hidden, nil
		}
		if err != nil {
			s.enrichFailed("tombstone_check", err, zap.String("conversation", conv), zap.String("user_id", viewer))
		}
		load = err == nil
	}

	all, err := s.store.Tombstones(ctx, viewer, conv)
	if err != nil {
		return nil, storeErr("tombstones", err)
	}
	if load {
		if err := s.cache.LoadTombstones(ctx, viewer, conv, all); err != nil {
			s.enrichFailed("tombstone_load", err, zap.String("conversation", conv), zap.String("user_id", viewer))
		}
	}
	hidden := make(map[string]bool, len(all))
	for _, id := range all {
		hidden[id] = true
	}
	return hidden, nil
}

// acknowledge records target for viewer on every message sent by someone
// else that has not already reached it. It runs detached from the request so
// a cancelled fetch never blocks or fails on it.
func (s *MessageService) acknowledge(ctx context.Context, msgs []*domain.Message, viewer string, target domain.DeliveryStatus) {
	var pending []*domain.Message
	for _, m := range msgs {
		if m.SenderID == viewer || m.DeletedForEveryone() {
			continue
		}
		if r, ok := m.Delivery.Get(viewer); ok && r.Reached(target) {
			continue
		}
		pending = append(pending, m.Clone())
	}
	if len(pending) == 0 {
		return
	}

	at := s.clock()
	ctx, cancel := s.detached(ctx, s.opts.AckTimeout)
	s.acks.Add(1)
	go func() {
		defer s.acks.Done()
		defer cancel()
		for _, m := range pending {
			if _, _, err := s.tracker.Record(ctx, m, viewer, target, at); err != nil {
				s.enrichFailed("fetch_ack", fmt.Errorf("%s: %w", target, err), zap.String("message_id", m.ID), zap.String("user_id", viewer))
			}
		}
	}()
}
