package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// floorMember is the sorted-set member that marks an index (or pin list) as
// holding the whole conversation. It sits at score 0 and is never returned
// by ranges, which start strictly above 0.
const floorMember = "^"

type Options struct {
	Prefix      string
	MessageTTL  time.Duration
	IndexTTL    time.Duration
	TypingTTL   time.Duration
	PresenceTTL time.Duration

	// Breaker trips after MaxFailures consecutive errors and probes again
	// after OpenTimeout.
	MaxFailures uint32
	Interval    time.Duration
	OpenTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "chat"
	}
	if o.MessageTTL == 0 {
		o.MessageTTL = 30 * 24 * time.Hour
	}
	if o.IndexTTL == 0 {
		o.IndexTTL = 30 * 24 * time.Hour
	}
	if o.TypingTTL == 0 {
		o.TypingTTL = 7 * time.Second
	}
	if o.PresenceTTL == 0 {
		o.PresenceTTL = 2 * time.Minute
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = 10 * time.Second
	}
}

// Redis is the fast tier: message snapshots, conversation indexes, pin
// lists, per-user tombstones, typing flags, block lists and presence.
// Every call goes through a circuit breaker so an unreachable Redis costs
// nothing once the breaker is open.
type Redis struct {
	rdb  redis.UniversalClient
	cb   *gobreaker.CircuitBreaker
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

func New(rdb redis.UniversalClient, opts Options, log *zap.Logger) *Redis {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Interval:    opts.Interval,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Redis{
		rdb:  rdb,
		cb:   gobreaker.NewCircuitBreaker(st),
		opts: opts,
		log:  log,
		now:  time.Now,
	}
}

// WithClock replaces the clock used for TTL computation.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

// do runs fn behind the breaker. redis.Nil passes through untouched; every
// other failure is reported as domain.ErrCacheUnavailable.
func (r *Redis) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrCacheUnavailable, op, err)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		return r.rdb.Ping(ctx).Err()
	})
}

func (r *Redis) key(parts ...string) string {
	k := r.opts.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// User ids are escaped; conversation keys are already escaped per component.
func (r *Redis) msgKey(id string) string          { return r.key("msg", id) }
func (r *Redis) indexKey(conv string) string      { return r.key("idx", conv) }
func (r *Redis) pinKey(conv string) string        { return r.key("pin", conv) }
func (r *Redis) tombKey(user, conv string) string { return r.key("tomb", url.QueryEscape(user), conv) }
func (r *Redis) blockedKey(user string) string    { return r.key("blocked", url.QueryEscape(user)) }
func (r *Redis) presenceKey(user string) string   { return r.key("presence", url.QueryEscape(user)) }
func (r *Redis) typingKey(conv, user string) string {
	return r.key("typing", conv, url.QueryEscape(user))
}
