package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fathima-sithara/chat-core/internal/cache"
	"github.com/fathima-sithara/chat-core/internal/delivery"
	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/envelope"
	"github.com/fathima-sithara/chat-core/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	directBody = `{"message":"c2VjcmV0","key":"a2V5","iv":"aXY="}`
	groupBody  = `{"message":"c2VjcmV0","keys":{"alice":"a","bob":"b","carol":"c"},"iv":"aXY="}`
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingStore counts message reads and can fail or collide on insert.
type countingStore struct {
	*repository.MemoryStore
	reads      atomic.Int64
	conflicts  atomic.Int32
	insertErr  error
	insertSeen atomic.Int32
}

func (c *countingStore) Insert(ctx context.Context, m *domain.Message) error {
	c.insertSeen.Add(1)
	if c.insertErr != nil {
		return c.insertErr
	}
	if c.conflicts.Load() > 0 {
		c.conflicts.Add(-1)
		return domain.ErrConflict
	}
	return c.MemoryStore.Insert(ctx, m)
}

func (c *countingStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	c.reads.Add(1)
	return c.MemoryStore.FindByID(ctx, id)
}

func (c *countingStore) FindByIDs(ctx context.Context, ids []string) ([]*domain.Message, error) {
	c.reads.Add(1)
	return c.MemoryStore.FindByIDs(ctx, ids)
}

func (c *countingStore) RangeBefore(ctx context.Context, conv string, before *domain.Cursor, limit int) ([]*domain.Message, error) {
	c.reads.Add(1)
	return c.MemoryStore.RangeBefore(ctx, conv, before, limit)
}

var errInjected = fmt.Errorf("%w: connection reset by peer", domain.ErrCacheUnavailable)

// flakyCache fails selected cache writes while Redis itself stays up.
type flakyCache struct {
	*cache.Redis
	failAppend    atomic.Bool
	failTombstone atomic.Bool
	failPin       atomic.Bool
	failDrop      atomic.Bool
}

func (f *flakyCache) Append(ctx context.Context, m *domain.Message) error {
	if f.failAppend.Load() {
		return errInjected
	}
	return f.Redis.Append(ctx, m)
}

func (f *flakyCache) AddTombstone(ctx context.Context, user, conv, id string) error {
	if f.failTombstone.Load() {
		return errInjected
	}
	return f.Redis.AddTombstone(ctx, user, conv, id)
}

func (f *flakyCache) Pin(ctx context.Context, conv, id string, at time.Time) error {
	if f.failPin.Load() {
		return errInjected
	}
	return f.Redis.Pin(ctx, conv, id, at)
}

func (f *flakyCache) Unpin(ctx context.Context, conv, id string) error {
	if f.failPin.Load() {
		return errInjected
	}
	return f.Redis.Unpin(ctx, conv, id)
}

func (f *flakyCache) DropIndex(ctx context.Context, conv string) error {
	if f.failDrop.Load() {
		return errInjected
	}
	return f.Redis.DropIndex(ctx, conv)
}

func (f *flakyCache) DropPins(ctx context.Context, conv string) error {
	if f.failDrop.Load() {
		return errInjected
	}
	return f.Redis.DropPins(ctx, conv)
}

func (f *flakyCache) DropTombstones(ctx context.Context, user, conv string) error {
	if f.failDrop.Load() {
		return errInjected
	}
	return f.Redis.DropTombstones(ctx, user, conv)
}

type note struct {
	to      string
	event   string
	payload any
}

type recorder struct {
	mu    sync.Mutex
	notes []note
	err   error
}

func (r *recorder) Notify(ctx context.Context, to, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{to, event, payload})
	return r.err
}

// multicaster records events like recorder but takes a broadcast in one call.
type multicaster struct {
	*recorder
	calls atomic.Int32
}

func (m *multicaster) NotifyMany(ctx context.Context, to []string, event string, payload any) error {
	m.calls.Add(1)
	for _, u := range to {
		_ = m.recorder.Notify(ctx, u, event, payload)
	}
	return m.recorder.err
}

func (r *recorder) find(to, event string) []note {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []note
	for _, n := range r.notes {
		if n.to == to && n.event == event {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type blockStub struct {
	blocked map[string]bool
	err     error
}

func (b *blockStub) IsBlocked(ctx context.Context, senderID, recipientID string) (bool, error) {
	return b.blocked[recipientID+">"+senderID], b.err
}

type harness struct {
	svc    *MessageService
	store  *countingStore
	cache  *cache.Redis
	flaky  *flakyCache
	mr     *miniredis.Miniredis
	dir    *repository.MemoryDirectory
	notes  *recorder
	blocks *blockStub
	clock  *fakeClock
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &fakeClock{t: time.UnixMilli(1000).UTC()}
	c := cache.New(rdb, cache.Options{Prefix: "t", MaxFailures: 2}, nil).WithClock(clk.Now)
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	dir := repository.NewMemoryDirectory()
	notes := &recorder{}
	blocks := &blockStub{blocked: map[string]bool{}}
	flaky := &flakyCache{Redis: c}

	deps := Deps{
		Store:     store,
		Cache:     flaky,
		Tracker:   delivery.NewTracker(store, c, notes, nil),
		Notifier:  notes,
		Directory: dir,
		Blocks:    blocks,
		Envelopes: envelope.New(0),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc := New(deps, Options{}).WithClock(clk.Now)
	t.Cleanup(svc.Flush)

	require.NoError(t, dir.Put(context.Background(), &domain.Conversation{
		Key:  domain.Group("g1").Key(),
		Kind: domain.ScopeGroup,
		Members: []domain.Member{
			{UserID: "alice", Role: domain.RoleAdmin},
			{UserID: "bob", Role: domain.RoleMember},
			{UserID: "carol", Role: domain.RoleMember},
		},
	}))
	return &harness{svc: svc, store: store, cache: c, flaky: flaky, mr: mr, dir: dir, notes: notes, blocks: blocks, clock: clk}
}

func (h *harness) sendDirect(t *testing.T, from, to string) *domain.Message {
	t.Helper()
	m, err := h.svc.Send(context.Background(), domain.Draft{
		Scope:    domain.Direct(from, to),
		SenderID: from,
		Content:  []byte(directBody),
		Type:     domain.TypeText,
	})
	require.NoError(t, err)
	return m
}

func (h *harness) sendGroup(t *testing.T, from string) *domain.Message {
	t.Helper()
	m, err := h.svc.Send(context.Background(), domain.Draft{
		Scope:    domain.Group("g1"),
		SenderID: from,
		Content:  []byte(groupBody),
		Type:     domain.TypeText,
	})
	require.NoError(t, err)
	return m
}

// seed writes messages straight into the durable store, bypassing the cache.
func (h *harness) seed(t *testing.T, scope domain.Scope, sender string, ms ...int64) []*domain.Message {
	t.Helper()
	var out []*domain.Message
	for _, at := range ms {
		m := &domain.Message{
			ID:              domain.NewMessageID(),
			Scope:           scope,
			ConversationKey: scope.Key(),
			SenderID:        sender,
			Content:         []byte(directBody),
			ContentHash:     domain.HashContent([]byte(directBody)),
			Type:            domain.TypeText,
			SentAt:          time.UnixMilli(at).UTC(),
		}
		require.NoError(t, h.store.MemoryStore.Insert(context.Background(), m))
		out = append(out, m)
	}
	return out
}

func (h *harness) fetch(t *testing.T, scope domain.Scope, viewer string, before *time.Time, limit int) []*domain.Message {
	t.Helper()
	res, err := h.svc.Fetch(context.Background(), FetchRequest{Scope: scope, ViewerID: viewer, Before: before, Limit: limit})
	require.NoError(t, err)
	return res.Messages
}

func ids(msgs []*domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertNewestFirst(t *testing.T, msgs []*domain.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i-1].SentAt.After(msgs[i].SentAt), "position %d not strictly older than %d", i, i-1)
	}
}

func TestDirectSendFetchAndSenderStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.sendDirect(t, "alice", "bob")
	assert.Equal(t, int64(1000), m.SentAt.UnixMilli())
	assert.Equal(t, domain.HashContent([]byte(directBody)), m.ContentHash)

	h.clock.Advance(500 * time.Millisecond)
	got := h.fetch(t, domain.Direct("bob", "alice"), "bob", nil, 1)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
	assert.Equal(t, 0, got[0].Delivery.Len())
	h.svc.Flush()

	receipts, err := h.svc.GetStatus(ctx, m.ID, "alice")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "bob", receipts[0].RecipientID)
	assert.Equal(t, domain.StatusDelivered, receipts[0].Status)
	require.NotNil(t, receipts[0].DeliveredAt)
	assert.GreaterOrEqual(t, receipts[0].DeliveredAt.UnixMilli(), int64(1000))

	_, err = h.svc.GetStatus(ctx, m.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	announce := h.notes.find("bob", domain.EventNewMessage)
	require.Len(t, announce, 1)
	ev, ok := announce[0].payload.(NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, m.ID, ev.MessageID)
	assert.Len(t, h.notes.find("alice", domain.EventMessageStatus), 1)
}

func TestFetchCursorExcludesBoundary(t *testing.T) {
	h := newHarness(t)
	var sent []*domain.Message
	for i := 0; i < 4; i++ {
		sent = append(sent, h.sendDirect(t, "alice", "bob"))
		h.clock.Advance(time.Second)
	}

	before := sent[2].SentAt
	res, err := h.svc.Fetch(context.Background(), FetchRequest{Scope: domain.Direct("alice", "bob"), ViewerID: "bob", Before: &before, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{sent[1].ID, sent[0].ID}, ids(res.Messages))
	require.NotNil(t, res.Next)
	assert.Equal(t, sent[0].SentAt.UnixMilli(), res.Next.UnixMilli())
	assert.Equal(t, sent[0].ID, res.NextID)

	all := h.fetch(t, domain.Direct("alice", "bob"), "alice", nil, 10)
	assert.Equal(t, []string{sent[3].ID, sent[2].ID, sent[1].ID, sent[0].ID}, ids(all))
}

func TestFetchPagesThroughSameMillisecond(t *testing.T) {
	h := newHarness(t)
	scope := domain.Direct("alice", "bob")
	seeded := h.seed(t, scope, "alice", 100, 200, 200, 200)

	for _, pass := range []string{"cold index", "warm index"} {
		seen := map[string]bool{}
		req := FetchRequest{Scope: scope, ViewerID: "bob", Limit: 2}
		for page := 0; page < len(seeded); page++ {
			res, err := h.svc.Fetch(context.Background(), req)
			require.NoError(t, err)
			for _, m := range res.Messages {
				assert.False(t, seen[m.ID], "%s: %s returned twice", pass, m.ID)
				seen[m.ID] = true
			}
			if res.Next == nil {
				break
			}
			req.Before, req.BeforeID = res.Next, res.NextID
		}
		assert.Len(t, seen, len(seeded), pass)
	}
}

func TestFetchSortsMixedCacheAndStoreResults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scope := domain.Direct("alice", "bob")

	seeded := h.seed(t, scope, "alice", 6000, 1000, 4000, 2000, 5000, 3000)
	require.NoError(t, h.cache.AppendMany(ctx, scope.Key(), seeded))
	for i, m := range seeded {
		if i%2 == 0 {
			require.NoError(t, h.cache.Put(ctx, m))
		}
	}

	h.store.reads.Store(0)
	got := h.fetch(t, scope, "bob", nil, 6)
	require.Len(t, got, 6)
	assertNewestFirst(t, got)
	assert.Equal(t, int64(1), h.store.reads.Load())
}

func TestFetchSelfHealsFromStore(t *testing.T) {
	h := newHarness(t)
	scope := domain.Direct("alice", "bob")
	h.seed(t, scope, "alice", 5000, 1000, 3000, 2000, 4000)

	first := h.fetch(t, scope, "bob", nil, 5)
	require.Len(t, first, 5)
	assertNewestFirst(t, first)
	assert.Positive(t, h.store.reads.Load())
	h.svc.Flush()

	h.store.reads.Store(0)
	second := h.fetch(t, scope, "bob", nil, 5)
	assert.Equal(t, ids(first), ids(second))
	assert.Zero(t, h.store.reads.Load())
}

func TestFetchShortHistoryMarksIndexComplete(t *testing.T) {
	h := newHarness(t)
	scope := domain.Direct("alice", "bob")
	h.seed(t, scope, "alice", 1000, 2000)

	require.Len(t, h.fetch(t, scope, "bob", nil, 10), 2)
	h.svc.Flush()

	h.store.reads.Store(0)
	require.Len(t, h.fetch(t, scope, "bob", nil, 10), 2)
	assert.Zero(t, h.store.reads.Load())
}

func TestFetchDropsExpiredAndForeignMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Send(ctx, domain.Draft{
		Scope: domain.Direct("alice", "bob"), SenderID: "alice",
		Content: []byte(directBody), Type: domain.TypeText, TTL: time.Minute,
	})
	require.NoError(t, err)
	keep := h.sendDirect(t, "alice", "bob")

	h.clock.Advance(2 * time.Minute)
	got := h.fetch(t, domain.Direct("alice", "bob"), "bob", nil, 10)
	assert.Equal(t, []string{keep.ID}, ids(got))

	_, err = h.svc.Fetch(ctx, FetchRequest{Scope: domain.Direct("alice", "bob"), ViewerID: "mallory"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.svc.Fetch(ctx, FetchRequest{Scope: domain.Group("g1"), ViewerID: "mallory"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestFetchAcknowledgesAfterCancel(t *testing.T) {
	h := newHarness(t)
	m := h.sendDirect(t, "alice", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.svc.Fetch(ctx, FetchRequest{Scope: domain.Direct("alice", "bob"), ViewerID: "bob", MarkSeen: true})
	require.NoError(t, err)
	cancel()
	h.svc.Flush()

	r, err := h.store.Receipt(context.Background(), m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSeen, r.Status)
	assert.NotNil(t, r.DeliveredAt)
}

func TestFetchSkipsAlreadyAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.sendDirect(t, "alice", "bob")
	scope := domain.Direct("alice", "bob")

	h.fetch(t, scope, "bob", nil, 10)
	h.svc.Flush()
	h.fetch(t, scope, "bob", nil, 10)
	h.svc.Flush()

	assert.Len(t, h.notes.find("alice", domain.EventMessageStatus), 1)
}

func TestSendStoreFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.store.insertErr = errors.New("primary stepped down")

	_, err := h.svc.Send(context.Background(), domain.Draft{
		Scope: domain.Direct("alice", "bob"), SenderID: "alice",
		Content: []byte(directBody), Type: domain.TypeText,
	})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	assert.Empty(t, h.mr.Keys())
	assert.Zero(t, h.notes.count())
}

func TestSendSurvivesCacheAndNotifyFailure(t *testing.T) {
	h := newHarness(t)
	h.notes.err = errors.New("no route to broker")
	h.mr.Close()

	m := h.sendDirect(t, "alice", "bob")

	got := h.fetch(t, domain.Direct("alice", "bob"), "bob", nil, 10)
	assert.Equal(t, []string{m.ID}, ids(got))
}

func TestSendIndexFailureKeepsMessageReachable(t *testing.T) {
	h := newHarness(t)
	scope := domain.Direct("alice", "bob")
	h.seed(t, scope, "alice", 100, 200, 300)
	require.Len(t, h.fetch(t, scope, "bob", nil, 3), 3)

	h.flaky.failAppend.Store(true)
	m := h.sendDirect(t, "alice", "bob")
	h.flaky.failAppend.Store(false)

	for i := 0; i < 2; i++ {
		got := h.fetch(t, scope, "bob", nil, 3)
		require.Len(t, got, 3)
		assert.Equal(t, m.ID, got[0].ID, "fetch %d", i)
	}

	h.clock.Advance(time.Second)
	later := h.sendDirect(t, "alice", "bob")
	got := ids(h.fetch(t, scope, "bob", nil, 10))
	assert.Len(t, got, 5)
	assert.Equal(t, later.ID, got[0])
	assert.Contains(t, got, m.ID)
}

func TestSendIndexFailureWithoutDropBypassesIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scope := domain.Direct("alice", "bob")
	h.seed(t, scope, "alice", 100, 200, 300)
	require.Len(t, h.fetch(t, scope, "bob", nil, 3), 3)

	h.flaky.failAppend.Store(true)
	h.flaky.failDrop.Store(true)
	m := h.sendDirect(t, "alice", "bob")
	h.flaky.failAppend.Store(false)

	got := h.fetch(t, scope, "bob", nil, 3)
	require.NotEmpty(t, got)
	assert.Equal(t, m.ID, got[0].ID)
	page, err := h.cache.Range(ctx, scope.Key(), nil, 10)
	require.NoError(t, err)
	assert.NotContains(t, page.IDs, m.ID, "stale index left alone while it cannot be dropped")

	h.flaky.failDrop.Store(false)
	got = h.fetch(t, scope, "bob", nil, 3)
	require.NotEmpty(t, got)
	assert.Equal(t, m.ID, got[0].ID)
	page, err = h.cache.Range(ctx, scope.Key(), nil, 10)
	require.NoError(t, err)
	assert.Contains(t, page.IDs, m.ID)
}

func TestSendRetriesOnceOnConflict(t *testing.T) {
	h := newHarness(t)
	h.store.conflicts.Store(1)
	m := h.sendDirect(t, "alice", "bob")
	assert.Equal(t, int32(2), h.store.insertSeen.Load())
	_, err := h.store.FindByID(context.Background(), m.ID)
	require.NoError(t, err)

	h.store.conflicts.Store(2)
	_, err = h.svc.Send(context.Background(), domain.Draft{
		Scope: domain.Direct("alice", "bob"), SenderID: "alice",
		Content: []byte(directBody), Type: domain.TypeText,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.dir.Put(ctx, &domain.Conversation{
		Key:     domain.Channel("news").Key(),
		Kind:    domain.ScopeChannel,
		Members: []domain.Member{{UserID: "alice", Role: domain.RoleAdmin}, {UserID: "bob", Role: domain.RoleMember}},
	}))
	other := h.sendGroup(t, "alice")
	h.blocks.blocked["dave>alice"] = true

	direct := func(mut func(*domain.Draft)) domain.Draft {
		d := domain.Draft{Scope: domain.Direct("alice", "bob"), SenderID: "alice", Content: []byte(directBody), Type: domain.TypeText}
		mut(&d)
		return d
	}

	cases := []struct {
		name  string
		draft domain.Draft
		want  error
	}{
		{"sender outside pair", direct(func(d *domain.Draft) { d.SenderID = "carol" }), domain.ErrForbidden},
		{"blocked", direct(func(d *domain.Draft) { d.Scope = domain.Direct("alice", "dave") }), domain.ErrForbidden},
		{"not a group member", domain.Draft{Scope: domain.Group("g1"), SenderID: "mallory", Content: []byte(groupBody), Type: domain.TypeText}, domain.ErrForbidden},
		{"channel member cannot post", domain.Draft{Scope: domain.Channel("news"), SenderID: "bob", Content: []byte(groupBody), Type: domain.TypeText}, domain.ErrForbidden},
		{"malformed envelope", direct(func(d *domain.Draft) { d.Content = []byte(`{"message":"x"}`) }), domain.ErrValidation},
		{"group envelope in direct chat", direct(func(d *domain.Draft) { d.Content = []byte(groupBody) }), domain.ErrValidation},
		{"missing content", direct(func(d *domain.Draft) { d.Content = nil }), domain.ErrValidation},
		{"unknown type", direct(func(d *domain.Draft) { d.Type = "sticker" }), domain.ErrValidation},
		{"image without media", direct(func(d *domain.Draft) { d.Type = domain.TypeImage }), domain.ErrValidation},
		{"dangling reply", direct(func(d *domain.Draft) { d.ReplyToID = "msg_missing" }), domain.ErrValidation},
		{"reply across conversations", direct(func(d *domain.Draft) { d.ReplyToID = other.ID }), domain.ErrValidation},
		{"self conversation", direct(func(d *domain.Draft) { d.Scope = domain.Direct("alice", "alice") }), domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := h.store.insertSeen.Load()
			_, err := h.svc.Send(ctx, tc.draft)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, h.store.insertSeen.Load(), "no write after a failed validation")
		})
	}
}

func TestSendLookupFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.blocks.err = errors.New("timeout")
	_, err := h.svc.Send(context.Background(), domain.Draft{
		Scope: domain.Direct("alice", "bob"), SenderID: "alice",
		Content: []byte(directBody), Type: domain.TypeText,
	})
	assert.Error(t, err)
	assert.Zero(t, h.store.insertSeen.Load())
}

func TestSendDegradesWhenBlockListUnavailable(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Blocks = d.Cache.(BlockList) })
	ctx := context.Background()

	require.NoError(t, h.cache.Block(ctx, "bob", "alice"))
	_, err := h.svc.Send(ctx, domain.Draft{
		Scope: domain.Direct("alice", "bob"), SenderID: "alice",
		Content: []byte(directBody), Type: domain.TypeText,
	})
	require.ErrorIs(t, err, domain.ErrForbidden)

	h.mr.Close()
	m := h.sendDirect(t, "carol", "bob")
	_, err = h.store.FindByID(ctx, m.ID)
	assert.NoError(t, err)
}

func TestSendReplyAndMedia(t *testing.T) {
	h := newHarness(t)
	first := h.sendDirect(t, "alice", "bob")

	reply, err := h.svc.Send(context.Background(), domain.Draft{
		Scope: domain.Direct("bob", "alice"), SenderID: "bob",
		Content: []byte(directBody), Type: domain.TypeText, ReplyToID: first.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, reply.ReplyToID)

	img, err := h.svc.Send(context.Background(), domain.Draft{
		Scope: domain.Direct("bob", "alice"), SenderID: "bob",
		Type: domain.TypeImage, MediaID: "media-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "media-1", img.MediaID)
}

func TestGroupSendNotifiesOtherMembers(t *testing.T) {
	h := newHarness(t)
	m := h.sendGroup(t, "bob")

	assert.Len(t, h.notes.find("alice", domain.EventNewMessage), 1)
	assert.Len(t, h.notes.find("carol", domain.EventNewMessage), 1)
	assert.Empty(t, h.notes.find("bob", domain.EventNewMessage))

	got := h.fetch(t, domain.Group("g1"), "carol", nil, 10)
	assert.Equal(t, []string{m.ID}, ids(got))
}

func TestBroadcastIsOneMulticast(t *testing.T) {
	var mc *multicaster
	h := newHarness(t, func(d *Deps) {
		mc = &multicaster{recorder: d.Notifier.(*recorder)}
		d.Notifier = mc
	})

	h.sendGroup(t, "bob")
	assert.Equal(t, int32(1), mc.calls.Load())
	assert.Len(t, h.notes.find("alice", domain.EventNewMessage), 1)
	assert.Len(t, h.notes.find("carol", domain.EventNewMessage), 1)
}

func TestConcurrentSendsAllIndexed(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Send(context.Background(), domain.Draft{
				Scope: domain.Group("g1"), SenderID: "alice",
				Content: []byte(groupBody), Type: domain.TypeText,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	page, err := h.cache.Range(context.Background(), domain.Group("g1").Key(), nil, 100)
	require.NoError(t, err)
	assert.Len(t, page.IDs, 20)
}
