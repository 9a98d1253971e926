package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
)

// MemoryStore is an in-process Store with the same semantics as MongoStore.
// Used for development without Mongo and in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	messages   map[string]*domain.Message
	receipts   map[string]domain.Receipt
	tombstones map[string]domain.Tombstone
	scheduled  map[string]*domain.ScheduledMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:   make(map[string]*domain.Message),
		receipts:   make(map[string]domain.Receipt),
		tombstones: make(map[string]domain.Tombstone),
		scheduled:  make(map[string]*domain.ScheduledMessage),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return domain.ErrConflict
	}
	c := m.Clone()
	c.Delivery = domain.DeliveryState{}
	s.messages[m.ID] = c
	return nil
}

// withReceipts returns a copy of m with its receipts joined. Caller holds mu.
func (s *MemoryStore) withReceipts(m *domain.Message) *domain.Message {
	c := m.Clone()
	for _, r := range s.receipts {
		if r.MessageID == m.ID {
			c.Delivery.Put(r)
		}
	}
	return c
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.withReceipts(m), nil
}

func (s *MemoryStore) FindByIDs(ctx context.Context, ids []string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Message, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, s.withReceipts(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) RangeBefore(ctx context.Context, conv string, before *domain.Cursor, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.ConversationKey != conv {
			continue
		}
		if before != nil && !before.Admits(m.SentAt, m.ID) {
			continue
		}
		out = append(out, m)
	}
	SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, m := range out {
		out[i] = s.withReceipts(m)
	}
	return out, nil
}

func (s *MemoryStore) SetReaction(ctx context.Context, messageID, userID, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return domain.ErrNotFound
	}
	m.Reactions.Set(userID, token, at)
	return nil
}

func (s *MemoryStore) MarkDeleted(ctx context.Context, messageID, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if m.DeletedForEveryone() {
		return false, nil
	}
	t := at
	m.Deletion = domain.Deletion{State: domain.DeletedForEveryone, DeletedAt: &t, DeletedBy: by}
	return true, nil
}

func (s *MemoryStore) SetPinned(ctx context.Context, messageID string, pinned bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return domain.ErrNotFound
	}
	m.Pinned = pinned
	m.PinnedAt = nil
	if pinned {
		t := at
		m.PinnedAt = &t
	}
	return nil
}

func (s *MemoryStore) Pinned(ctx context.Context, conv string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.ConversationKey == conv && m.Pinned {
			out = append(out, s.withReceipts(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PinnedAt.After(*out[j].PinnedAt) })
	return out, nil
}

func (s *MemoryStore) ExpiredBefore(ctx context.Context, ts time.Time, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.Expired(ts) {
			out = append(out, m.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ids), nil
}

func (s *MemoryStore) deleteLocked(ids []string) int64 {
	drop := make(map[string]bool, len(ids))
	var n int64
	for _, id := range ids {
		if _, ok := s.messages[id]; ok {
			delete(s.messages, id)
			n++
		}
		drop[id] = true
	}
	for k, r := range s.receipts {
		if drop[r.MessageID] {
			delete(s.receipts, k)
		}
	}
	for k, t := range s.tombstones {
		if drop[t.MessageID] {
			delete(s.tombstones, k)
		}
	}
	return n
}

func (s *MemoryStore) DeleteExpiredBefore(ctx context.Context, ts time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.messages {
		if m.Expired(ts) {
			ids = append(ids, id)
		}
	}
	return s.deleteLocked(ids), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus, at time.Time) (domain.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := receiptID(messageID, recipientID)
	cur, ok := s.receipts[key]
	if !ok {
		cur = domain.Receipt{MessageID: messageID, RecipientID: recipientID, Status: domain.StatusSent}
	}
	next, changed := cur.Advance(status, at)
	if changed {
		s.receipts[key] = next
	}
	return next, changed, nil
}

func (s *MemoryStore) Receipt(ctx context.Context, messageID, recipientID string) (domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.receipts[receiptID(messageID, recipientID)]; ok {
		return r, nil
	}
	return domain.Receipt{MessageID: messageID, RecipientID: recipientID, Status: domain.StatusSent}, nil
}

func (s *MemoryStore) Receipts(ctx context.Context, messageID string) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Receipt
	for _, r := range s.receipts {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (s *MemoryStore) AddTombstone(ctx context.Context, t domain.Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := receiptID(t.MessageID, t.UserID)
	if _, ok := s.tombstones[key]; !ok {
		s.tombstones[key] = t
	}
	return nil
}

func (s *MemoryStore) Tombstones(ctx context.Context, userID, conv string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, t := range s.tombstones {
		if t.UserID == userID && t.ConversationKey == conv {
			out = append(out, t.MessageID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) InsertScheduled(ctx context.Context, sm *domain.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[sm.ID]; ok {
		return domain.ErrConflict
	}
	c := *sm
	s.scheduled[sm.ID] = &c
	return nil
}

func (s *MemoryStore) DueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ScheduledMessage
	for _, sm := range s.scheduled {
		if !sm.SendAt.After(now) {
			c := *sm
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteScheduled(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[id]; !ok {
		return false, nil
	}
	delete(s.scheduled, id)
	return true, nil
}

// SortNewestFirst orders messages by sentAt descending, ties broken by id
// descending so the order is total.
func SortNewestFirst(msgs []*domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.After(msgs[j].SentAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
}
