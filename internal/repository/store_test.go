package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.UnixMilli(1_700_000_000_000).UTC()
	msg := func(id, conv string, offset time.Duration) *domain.Message {
		return &domain.Message{
			ID:              id,
			Scope:           domain.Group("g"),
			ConversationKey: conv,
			SenderID:        "alice",
			Content:         []byte(`{"message":"x"}`),
			Type:            domain.TypeText,
			SentAt:          base.Add(offset),
		}
	}

	t.Run("insert conflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))
		err := s.Insert(ctx, msg("m1", "group:g", 0))
		assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
	})

	t.Run("find by ids omits missing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))
		require.NoError(t, s.Insert(ctx, msg("m2", "group:g", time.Second)))

		got, err := s.FindByIDs(ctx, []string{"m1", "ghost", "m2"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		_, err = s.FindByID(ctx, "ghost")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("range before is exclusive and newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"t1", "t2", "t3", "t4"} {
			require.NoError(t, s.Insert(ctx, msg(id, "group:g", time.Duration(i)*time.Second)))
		}
		require.NoError(t, s.Insert(ctx, msg("other", "group:h", 0)))

		got, err := s.RangeBefore(ctx, "group:g", &domain.Cursor{At: base.Add(2 * time.Second)}, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "t2", got[0].ID)
		assert.Equal(t, "t1", got[1].ID)

		got, err = s.RangeBefore(ctx, "group:g", nil, 10)
		require.NoError(t, err)
		assert.Len(t, got, 4)
		assert.Equal(t, "t4", got[0].ID)
	})

	t.Run("range resumes inside a millisecond", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("a", "group:g", 0)))
		for _, id := range []string{"b", "c", "d"} {
			require.NoError(t, s.Insert(ctx, msg(id, "group:g", time.Second)))
		}

		got, err := s.RangeBefore(ctx, "group:g", nil, 2)
		require.NoError(t, err)
		require.Equal(t, []string{"d", "c"}, []string{got[0].ID, got[1].ID})

		got, err = s.RangeBefore(ctx, "group:g", domain.CursorAt(got[1]), 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].ID)
		assert.Equal(t, "a", got[1].ID)
	})

	t.Run("status transitions are monotonic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))

		r, changed, err := s.UpdateStatus(ctx, "m1", "bob", domain.StatusDelivered, base.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.StatusDelivered, r.Status)

		_, changed, err = s.UpdateStatus(ctx, "m1", "bob", domain.StatusDelivered, base.Add(2*time.Second))
		require.NoError(t, err)
		assert.False(t, changed)

		r, changed, err = s.UpdateStatus(ctx, "m1", "bob", domain.StatusSeen, base.Add(3*time.Second))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, base.Add(time.Second), r.DeliveredAt.UTC())

		r, changed, err = s.UpdateStatus(ctx, "m1", "bob", domain.StatusDelivered, base.Add(4*time.Second))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, domain.StatusSeen, r.Status)

		got, err := s.FindByID(ctx, "m1")
		require.NoError(t, err)
		rc, ok := got.Delivery.Get("bob")
		require.True(t, ok)
		assert.Equal(t, domain.StatusSeen, rc.Status)
	})

	t.Run("concurrent acknowledgements record once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			changes int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, changed, err := s.UpdateStatus(ctx, "m1", "bob", domain.StatusDelivered, base)
				assert.NoError(t, err)
				if changed {
					mu.Lock()
					changes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, changes)
	})

	t.Run("unknown receipt reads as sent", func(t *testing.T) {
		s := newStore(t)
		r, err := s.Receipt(context.Background(), "m1", "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSent, r.Status)
	})

	t.Run("reactions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))
		require.NoError(t, s.SetReaction(ctx, "m1", "u1", "👍", base))
		require.NoError(t, s.SetReaction(ctx, "m1", "u2", "❤️", base))
		require.NoError(t, s.SetReaction(ctx, "m1", "u1", "🔥", base))
		require.NoError(t, s.SetReaction(ctx, "m1", "u2", "", base))

		got, err := s.FindByID(ctx, "m1")
		require.NoError(t, err)
		list := got.Reactions.List()
		require.Len(t, list, 1)
		assert.Equal(t, "🔥", list[0].Token)

		err = s.SetReaction(ctx, "ghost", "u1", "x", base)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("mark deleted is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))
		changed, err := s.MarkDeleted(ctx, "m1", "alice", base)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.MarkDeleted(ctx, "m1", "alice", base)
		require.NoError(t, err)
		assert.False(t, changed)
		_, err = s.MarkDeleted(ctx, "ghost", "alice", base)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("pins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))
		require.NoError(t, s.Insert(ctx, msg("m2", "group:g", time.Second)))
		require.NoError(t, s.SetPinned(ctx, "m1", true, base.Add(time.Minute)))
		require.NoError(t, s.SetPinned(ctx, "m2", true, base.Add(2*time.Minute)))
		require.NoError(t, s.SetPinned(ctx, "m2", false, base))

		got, err := s.Pinned(ctx, "group:g")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "m1", got[0].ID)
	})

	t.Run("tombstones", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tb := domain.Tombstone{MessageID: "m1", UserID: "bob", ConversationKey: "group:g", At: base}
		require.NoError(t, s.AddTombstone(ctx, tb))
		require.NoError(t, s.AddTombstone(ctx, tb))

		ids, err := s.Tombstones(ctx, "bob", "group:g")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids)

		ids, err = s.Tombstones(ctx, "alice", "group:g")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("expiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := base.Add(-time.Hour)
		future := base.Add(time.Hour)
		m1 := msg("m1", "group:g", 0)
		m1.ExpiresAt = &past
		m2 := msg("m2", "group:g", 0)
		m2.ExpiresAt = &future
		require.NoError(t, s.Insert(ctx, m1))
		require.NoError(t, s.Insert(ctx, m2))
		require.NoError(t, s.Insert(ctx, msg("m3", "group:g", 0)))
		_, _, err := s.UpdateStatus(ctx, "m1", "bob", domain.StatusSeen, base)
		require.NoError(t, err)

		expired, err := s.ExpiredBefore(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "m1", expired[0].ID)

		n, err := s.DeleteExpiredBefore(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.FindByID(ctx, "m1")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		rs, err := s.Receipts(ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, rs)
	})

	t.Run("delete by ids", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, msg("m1", "group:g", 0)))
		require.NoError(t, s.Insert(ctx, msg("m2", "group:g", 0)))
		n, err := s.DeleteByIDs(ctx, []string{"m1", "ghost"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("scheduled claim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sm := &domain.ScheduledMessage{ID: "s1", SendAt: base, CreatedAt: base, Draft: domain.Draft{Scope: domain.Group("g"), SenderID: "alice", Type: domain.TypeText}}
		require.NoError(t, s.InsertScheduled(ctx, sm))
		later := &domain.ScheduledMessage{ID: "s2", SendAt: base.Add(time.Hour), CreatedAt: base}
		require.NoError(t, s.InsertScheduled(ctx, later))

		due, err := s.DueScheduled(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "alice", due[0].Draft.SenderID)

		ok, err := s.DeleteScheduled(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.DeleteScheduled(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := &domain.Message{ID: "m1", ConversationKey: "c", Content: []byte("abc")}
	require.NoError(t, s.Insert(ctx, m))
	m.Content[0] = 'z'

	got, err := s.FindByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Content)
	got.Content[0] = 'y'

	again, err := s.FindByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Content)
}

func TestSortNewestFirstBreaksTiesByID(t *testing.T) {
	at := time.UnixMilli(5)
	msgs := []*domain.Message{
		{ID: "a", SentAt: at},
		{ID: "c", SentAt: at},
		{ID: "z", SentAt: at.Add(-time.Millisecond)},
		{ID: "b", SentAt: at},
	}
	SortNewestFirst(msgs)
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"c", "b", "a", "z"}, ids)
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()
	require.NoError(t, d.Put(ctx, &domain.Conversation{
		Key:  domain.Group("g").Key(),
		Kind: domain.ScopeGroup,
		Members: []domain.Member{
			{UserID: "admin", Role: domain.RoleAdmin},
			{UserID: "mod", Role: domain.RoleModerator},
			{UserID: "mem", Role: domain.RoleMember},
		},
	}))
	key := domain.Group("g").Key()

	ok, err := d.IsMember(ctx, key, "mem")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.HasRole(ctx, key, "mod", domain.RoleModerator)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.HasRole(ctx, key, "admin", domain.RoleModerator)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.HasRole(ctx, key, "mem", domain.RoleModerator)
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := d.Members(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "mod", "mem"}, members)

	_, err = d.Members(ctx, "group:none")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
