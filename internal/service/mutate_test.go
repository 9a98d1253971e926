package service

import (
	"context"
	"testing"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateStatusIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.sendDirect(t, "alice", "bob")

	h.clock.Advance(time.Second)
	r, err := h.svc.UpdateStatus(ctx, m.ID, "bob", domain.StatusSeen)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSeen, r.Status)
	require.NotNil(t, r.DeliveredAt)
	require.NotNil(t, r.SeenAt)

	h.clock.Advance(time.Second)
	r, err = h.svc.UpdateStatus(ctx, m.ID, "bob", domain.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSeen, r.Status)

	r, err = h.svc.UpdateStatus(ctx, m.ID, "bob", domain.StatusSeen)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSeen, r.Status)
	assert.Len(t, h.notes.find("alice", domain.EventMessageStatus), 1)

	_, err = h.svc.UpdateStatus(ctx, m.ID, "alice", domain.StatusSeen)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.UpdateStatus(ctx, m.ID, "carol", domain.StatusSeen)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.svc.UpdateStatus(ctx, m.ID, "bob", domain.StatusSent)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.UpdateStatus(ctx, "msg_missing", "bob", domain.StatusSeen)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateStatusPatchesSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.sendDirect(t, "alice", "bob")

	_, err := h.svc.UpdateStatus(ctx, m.ID, "bob", domain.StatusDelivered)
	require.NoError(t, err)

	snap, err := h.cache.Get(ctx, m.ID)
	require.NoError(t, err)
	r, ok := snap.Delivery.Get("bob")
	require.True(t, ok)
	assert.Equal(t, domain.StatusDelivered, r.Status)
}

func TestGroupStatusListsEveryRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.sendGroup(t, "alice")

	_, err := h.svc.UpdateStatus(ctx, m.ID, "bob", domain.StatusSeen)
	require.NoError(t, err)
	_, err = h.svc.UpdateStatus(ctx, m.ID, "carol", domain.StatusDelivered)
	require.NoError(t, err)

	rs, err := h.svc.GetStatus(ctx, m.ID, "alice")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "bob", rs[0].RecipientID)
	assert.Equal(t, domain.StatusSeen, rs[0].Status)
	assert.Equal(t, "carol", rs[1].RecipientID)
	assert.Equal(t, domain.StatusDelivered, rs[1].Status)
}

func TestDeletionScoping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := domain.Group("g1")

	m1 := h.sendGroup(t, "alice")
	h.clock.Advance(time.Second)
	m2 := h.sendGroup(t, "alice")

	require.NoError(t, h.svc.Delete(ctx, m1.ID, "bob", false))
	assert.Equal(t, []string{m2.ID}, ids(h.fetch(t, group, "bob", nil, 10)))
	assert.Equal(t, []string{m2.ID, m1.ID}, ids(h.fetch(t, group, "carol", nil, 10)))
	assert.Equal(t, []string{m2.ID, m1.ID}, ids(h.fetch(t, group, "alice", nil, 10)))

	stored, err := h.store.FindByID(ctx, m1.ID)
	require.NoError(t, err)
	assert.False(t, stored.DeletedForEveryone())

	require.NoError(t, h.svc.Delete(ctx, m2.ID, "alice", true))
	for _, viewer := range []string{"alice", "bob", "carol"} {
		got := h.fetch(t, group, viewer, nil, 10)
		require.NotEmpty(t, got, viewer)
		assert.Equal(t, m2.ID, got[0].ID)
		assert.True(t, got[0].DeletedForEveryone(), viewer)
		assert.Empty(t, got[0].Content, viewer)
	}
	assert.Len(t, h.notes.find("bob", domain.EventMessageDeleted), 1)

	require.NoError(t, h.svc.Delete(ctx, m2.ID, "alice", true))
	assert.Len(t, h.notes.find("bob", domain.EventMessageDeleted), 1)
}

func TestTombstonesSurviveCacheLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.sendDirect(t, "alice", "bob")
	keep := h.sendDirect(t, "alice", "bob")

	require.NoError(t, h.svc.Delete(ctx, m.ID, "bob", false))
	h.mr.FlushAll()

	got := h.fetch(t, domain.Direct("alice", "bob"), "bob", nil, 10)
	assert.Equal(t, []string{keep.ID}, ids(got))
	assert.Len(t, h.fetch(t, domain.Direct("alice", "bob"), "alice", nil, 10), 2)
}

func TestDeleteForSelfSurvivesTombstoneWriteFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scope := domain.Direct("alice", "bob")
	keep := h.sendDirect(t, "alice", "bob")
	h.clock.Advance(time.Millisecond)
	gone := h.sendDirect(t, "alice", "bob")
	require.Len(t, h.fetch(t, scope, "bob", nil, 10), 2)

	h.flaky.failTombstone.Store(true)
	require.NoError(t, h.svc.Delete(ctx, gone.ID, "bob", false))
	assert.Equal(t, []string{keep.ID}, ids(h.fetch(t, scope, "bob", nil, 10)))
	assert.Len(t, h.fetch(t, scope, "alice", nil, 10), 2)

	// The set cannot be dropped either; reads go to the durable store.
	h.flaky.failDrop.Store(true)
	require.NoError(t, h.svc.Delete(ctx, keep.ID, "bob", false))
	assert.Empty(t, h.fetch(t, scope, "bob", nil, 10))

	h.flaky.failDrop.Store(false)
	h.flaky.failTombstone.Store(false)
	assert.Empty(t, h.fetch(t, scope, "bob", nil, 10))
	hidden, loaded, err := h.cache.Tombstoned(ctx, "bob", scope.Key(), []string{keep.ID, gone.ID})
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, map[string]bool{keep.ID: true, gone.ID: true}, hidden)
}

func TestDeleteForEveryoneAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dm := h.sendDirect(t, "alice", "bob")
	assert.ErrorIs(t, h.svc.Delete(ctx, dm.ID, "bob", true), domain.ErrForbidden)
	assert.ErrorIs(t, h.svc.Delete(ctx, dm.ID, "carol", false), domain.ErrForbidden)

	gm := h.sendGroup(t, "bob")
	assert.ErrorIs(t, h.svc.Delete(ctx, gm.ID, "carol", true), domain.ErrForbidden)
	require.NoError(t, h.svc.Delete(ctx, gm.ID, "alice", true))

	stored, err := h.store.FindByID(ctx, gm.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Deletion.DeletedBy)
}

func TestReact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.sendGroup(t, "alice")

	got, err := h.svc.React(ctx, m.ID, "bob", "👍")
	require.NoError(t, err)
	r, ok := got.Reactions.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "👍", r.Token)

	_, err = h.svc.React(ctx, m.ID, "carol", "🎉")
	require.NoError(t, err)
	got, err = h.svc.React(ctx, m.ID, "bob", "❤️")
	require.NoError(t, err)
	list := got.Reactions.List()
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].UserID)
	assert.Equal(t, "❤️", list[0].Token)

	snap, err := h.cache.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Reactions.Len())

	got, err = h.svc.React(ctx, m.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Reactions.Len())

	assert.Len(t, h.notes.find("alice", domain.EventMessageReaction), 4)

	_, err = h.svc.React(ctx, m.ID, "mallory", "👍")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.svc.React(ctx, m.ID, "bob", "this reaction token is far too long to accept")
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, h.svc.Delete(ctx, m.ID, "alice", true))
	_, err = h.svc.React(ctx, m.ID, "bob", "👍")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := domain.Group("g1")

	m1 := h.sendGroup(t, "bob")
	m2 := h.sendGroup(t, "bob")

	_, err := h.svc.SetPinned(ctx, m1.ID, "bob", true)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := h.svc.SetPinned(ctx, m1.ID, "alice", true)
	require.NoError(t, err)
	assert.True(t, got.Pinned)
	h.clock.Advance(time.Second)
	_, err = h.svc.SetPinned(ctx, m2.ID, "alice", true)
	require.NoError(t, err)

	pinned, err := h.svc.ListPinned(ctx, group, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID, m1.ID}, ids(pinned))

	h.mr.FlushAll()
	pinned, err = h.svc.ListPinned(ctx, group, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID, m1.ID}, ids(pinned))

	_, err = h.svc.SetPinned(ctx, m2.ID, "alice", false)
	require.NoError(t, err)
	pinned, err = h.svc.ListPinned(ctx, group, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, ids(pinned))

	require.NoError(t, h.svc.Delete(ctx, m1.ID, "bob", true))
	pinned, err = h.svc.ListPinned(ctx, group, "carol")
	require.NoError(t, err)
	assert.Empty(t, pinned)

	_, err = h.svc.ListPinned(ctx, group, "mallory")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.NotEmpty(t, h.notes.find("carol", domain.EventMessagePinned))
}

func TestPinsSurvivePinListWriteFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scope := domain.Group("g1")
	m := h.sendGroup(t, "bob")

	pinned, err := h.svc.ListPinned(ctx, scope, "carol")
	require.NoError(t, err)
	require.Empty(t, pinned)

	h.flaky.failPin.Store(true)
	_, err = h.svc.SetPinned(ctx, m.ID, "alice", true)
	require.NoError(t, err)
	pinned, err = h.svc.ListPinned(ctx, scope, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, ids(pinned))

	h.flaky.failDrop.Store(true)
	_, err = h.svc.SetPinned(ctx, m.ID, "alice", false)
	require.NoError(t, err)
	pinned, err = h.svc.ListPinned(ctx, scope, "carol")
	require.NoError(t, err)
	assert.Empty(t, pinned)

	h.flaky.failDrop.Store(false)
	h.flaky.failPin.Store(false)
	pinned, err = h.svc.ListPinned(ctx, scope, "carol")
	require.NoError(t, err)
	assert.Empty(t, pinned)
	cached, loaded, err := h.cache.Pinned(ctx, scope.Key())
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Empty(t, cached)
}

func TestDirectParticipantsCanPin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.sendDirect(t, "alice", "bob")

	_, err := h.svc.SetPinned(ctx, m.ID, "bob", true)
	require.NoError(t, err)
	pinned, err := h.svc.ListPinned(ctx, domain.Direct("alice", "bob"), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, ids(pinned))
}

func TestTyping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scope := domain.Direct("alice", "bob")

	flag := "t:typing:" + scope.Key() + ":alice"
	require.NoError(t, h.svc.Typing(ctx, scope, "alice", true))
	assert.True(t, h.mr.Exists(flag))

	evs := h.notes.find("bob", domain.EventTyping)
	require.Len(t, evs, 1)
	assert.Equal(t, TypingEvent{Conversation: scope, UserID: "alice", Typing: true}, evs[0].payload)

	require.NoError(t, h.svc.Typing(ctx, scope, "alice", false))
	assert.False(t, h.mr.Exists(flag))

	assert.ErrorIs(t, h.svc.Typing(ctx, scope, "carol", true), domain.ErrForbidden)

	require.NoError(t, h.svc.Typing(ctx, domain.Group("g1"), "carol", true))
	assert.Len(t, h.notes.find("alice", domain.EventTyping), 1)
	assert.Len(t, h.notes.find("bob", domain.EventTyping), 3)
}
