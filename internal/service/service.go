package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fathima-sithara/chat-core/internal/cache"
	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"github.com/fathima-sithara/chat-core/internal/notify"
	"github.com/fathima-sithara/chat-core/internal/repository"
	"go.uber.org/zap"
)

// Cache is the fast tier: snapshots, conversation indexes, pin lists,
// per-user tombstones and typing flags.
type Cache interface {
	repository.Snapshots
	Put(ctx context.Context, m *domain.Message) error
	Delete(ctx context.Context, ids ...string) error

	Append(ctx context.Context, m *domain.Message) error
	AppendMany(ctx context.Context, conv string, msgs []*domain.Message) error
	Range(ctx context.Context, conv string, before *domain.Cursor, limit int) (cache.Page, error)
	MarkComplete(ctx context.Context, conv string) error
	Unindex(ctx context.Context, conv string, ids ...string) error
	DropIndex(ctx context.Context, conv string) error

	Pin(ctx context.Context, conv, id string, at time.Time) error
	Unpin(ctx context.Context, conv, id string) error
	Pinned(ctx context.Context, conv string) ([]string, bool, error)
	LoadPins(ctx context.Context, conv string, msgs []*domain.Message) error
	DropPins(ctx context.Context, conv string) error

	AddTombstone(ctx context.Context, user, conv, id string) error
	LoadTombstones(ctx context.Context, user, conv string, ids []string) error
	Tombstoned(ctx context.Context, user, conv string, ids []string) (map[string]bool, bool, error)
	DropTombstones(ctx context.Context, user, conv string) error

	SetTyping(ctx context.Context, conv, user string, typing bool) error
}

// Directory answers membership questions for groups and channels.
type Directory interface {
	IsMember(ctx context.Context, conv, userID string) (bool, error)
	HasRole(ctx context.Context, conv, userID string, role domain.Role) (bool, error)
	CanPost(ctx context.Context, conv, userID string) (bool, error)
	Members(ctx context.Context, conv string) ([]string, error)
}

type BlockList interface {
	IsBlocked(ctx context.Context, senderID, recipientID string) (bool, error)
}

type EnvelopeValidator interface {
	Validate(kind domain.ScopeKind, content []byte) error
}

type MediaChecker interface {
	Exists(ctx context.Context, mediaID string) (bool, error)
}

type StatusRecorder interface {
	Record(ctx context.Context, m *domain.Message, recipientID string, status domain.DeliveryStatus, at time.Time) (domain.Receipt, bool, error)
}

type Deps struct {
	Store     repository.Store
	Cache     Cache
	Tracker   StatusRecorder
	Notifier  notify.Notifier
	Directory Directory
	Blocks    BlockList
	Envelopes EnvelopeValidator
	// Media is optional; without it media ids are accepted unchecked.
	Media MediaChecker
	Log   *zap.Logger
}

type Options struct {
	DefaultLimit int
	MaxLimit     int
	// AckTimeout bounds the background delivered/seen marking after a fetch.
	AckTimeout time.Duration
	// EnrichTimeout bounds the cache and notify steps after a durable write.
	EnrichTimeout  time.Duration
	MaxReactionLen int
	PurgeBatch     int
	DispatchBatch  int
}

func (o *Options) defaults() {
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 50
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = 100
	}
	if o.DefaultLimit > o.MaxLimit {
		o.DefaultLimit = o.MaxLimit
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.EnrichTimeout <= 0 {
		o.EnrichTimeout = 3 * time.Second
	}
	if o.MaxReactionLen <= 0 {
		o.MaxReactionLen = 32
	}
	if o.PurgeBatch <= 0 {
		o.PurgeBatch = 500
	}
	if o.DispatchBatch <= 0 {
		o.DispatchBatch = 100
	}
}

// MessageService sequences every message operation across the durable store,
// the cache, the delivery tracker and the notifier. The durable write is the
// commit point; cache and notify steps after it only log on failure.
type MessageService struct {
	store     repository.Store
	tiered    *repository.Tiered
	cache     Cache
	tracker   StatusRecorder
	notifier  notify.Notifier
	directory Directory
	blocks    BlockList
	envelopes EnvelopeValidator
	media     MediaChecker
	opts      Options
	log       *zap.Logger
	now       func() time.Time

	acks sync.WaitGroup
	// stale holds cached structures that missed a write and could not be
	// dropped. They are not read until a later drop succeeds.
	stale    sync.Map
	staleSeq atomic.Uint64
}

func New(d Deps, opts Options) *MessageService {
	opts.defaults()
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		store:     d.Store,
		tiered:    repository.NewTiered(d.Store, d.Cache, log),
		cache:     d.Cache,
		tracker:   d.Tracker,
		notifier:  d.Notifier,
		directory: d.Directory,
		blocks:    d.Blocks,
		envelopes: d.Envelopes,
		media:     d.Media,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Timestamps are truncated to the
// millisecond, the resolution of the conversation index.
func (s *MessageService) WithClock(now func() time.Time) *MessageService {
	s.now = now
	return s
}

func (s *MessageService) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Flush waits for background acknowledgements started by Fetch.
func (s *MessageService) Flush() {
	s.acks.Wait()
}

// detached returns a context that survives the caller's cancellation, for
// work that must finish once the durable write is committed.
func (s *MessageService) detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// errStale reports a cached structure that must not be read until dropped.
var errStale = fmt.Errorf("%w: stale cache entry", domain.ErrCacheUnavailable)

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrStoreUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}

func (s *MessageService) enrichFailed(stage string, err error, fields ...zap.Field) {
	metrics.EnrichmentFailures.WithLabelValues(stage).Inc()
	s.log.Warn("enrichment failed", append(fields, zap.String("stage", stage), zap.Error(err))...)
}

// lookup reads one live message through the cache.
func (s *MessageService) lookup(ctx context.Context, id string) (*domain.Message, error) {
	if id == "" {
		return nil, domain.Invalid("message id missing")
	}
	m, err := s.tiered.One(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Expired(s.clock()) {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// authorizeView checks that userID takes part in the conversation.
func (s *MessageService) authorizeView(ctx context.Context, scope domain.Scope, userID string) error {
	if userID == "" {
		return domain.Invalid("user id missing")
	}
	if scope.Kind == domain.ScopeDirect {
		if !scope.Includes(userID) {
			return domain.Forbidden("not a participant of this conversation")
		}
		return nil
	}
	ok, err := s.directory.IsMember(ctx, scope.Key(), userID)
	if err != nil {
		return storeErr("membership lookup", err)
	}
	if !ok {
		return domain.Forbidden("not a member of this conversation")
	}
	return nil
}

func (s *MessageService) hasRole(ctx context.Context, scope domain.Scope, userID string, role domain.Role) (bool, error) {
	ok, err := s.directory.HasRole(ctx, scope.Key(), userID, role)
	if err != nil {
		return false, storeErr("role lookup", err)
	}
	return ok, nil
}

// audience lists who should hear about activity in scope, without actor.
func (s *MessageService) audience(ctx context.Context, scope domain.Scope, actor string) []string {
	if scope.Kind == domain.ScopeDirect {
		if other := scope.Counterpart(actor); other != "" {
			return []string{other}
		}
		return nil
	}
	members, err := s.directory.Members(ctx, scope.Key())
	if err != nil {
		s.enrichFailed("audience", err, zap.String("conversation", scope.Key()))
		return nil
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != actor {
			out = append(out, m)
		}
	}
	return out
}

func indexStale(conv string) string      { return "index|" + conv }
func pinsStale(conv string) string       { return "pins|" + conv }
func tombStale(user, conv string) string { return "tomb|" + user + "|" + conv }

// invalidate drops a cached structure that missed a write, so the next read
// rebuilds it from the durable store. If the drop fails too the structure is
// marked stale.
func (s *MessageService) invalidate(ctx context.Context, key string, drop func(context.Context) error) {
	if err := drop(ctx); err != nil {
		s.stale.Store(key, s.staleSeq.Add(1))
		s.enrichFailed("invalidate", err, zap.String("key", key))
	}
}

// trusted reports whether a cached structure may be read. A stale one is
// dropped first and stays untrusted until that succeeds.
func (s *MessageService) trusted(ctx context.Context, key string, drop func(context.Context) error) bool {
	seq, ok := s.stale.Load(key)
	if !ok {
		return true
	}
	if err := drop(ctx); err != nil {
		s.enrichFailed("invalidate", err, zap.String("key", key))
		return false
	}
	return s.stale.CompareAndDelete(key, seq)
}

func (s *MessageService) broadcast(ctx context.Context, users []string, eventType string, payload any) {
	if len(users) == 0 {
		return
	}
	if mc, ok := s.notifier.(notify.Multicaster); ok {
		if err := mc.NotifyMany(ctx, users, eventType, payload); err != nil {
			s.enrichFailed("notify", err, zap.Int("recipients", len(users)), zap.String("event", eventType))
		}
		return
	}
	for _, u := range users {
		if err := s.notifier.Notify(ctx, u, eventType, payload); err != nil {
			s.enrichFailed("notify", err, zap.String("user_id", u), zap.String("event", eventType))
		}
	}
}

// refresh re-puts the snapshot of id from the durable store. If the store read
// fails the snapshot is dropped so the next read repopulates it.
func (s *MessageService) refresh(ctx context.Context, id string) *domain.Message {
	fresh, err := s.store.FindByID(ctx, id)
	if err != nil {
		s.log.Warn("snapshot refresh read failed", zap.String("message_id", id), zap.Error(err))
		if err := s.cache.Delete(ctx, id); err != nil {
			s.enrichFailed("cache_delete", err, zap.String("message_id", id))
		}
		return nil
	}
	if err := s.cache.Put(ctx, fresh); err != nil {
		s.enrichFailed("cache_put", err, zap.String("message_id", id))
	}
	return fresh
}
