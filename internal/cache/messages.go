package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrMiss = errors.New("cache miss")

// ttlFor caps the snapshot TTL at the message's own expiry.
func (r *Redis) ttlFor(m *domain.Message) time.Duration {
	ttl := r.opts.MessageTTL
	if m.ExpiresAt != nil {
		if until := m.ExpiresAt.Sub(r.now()); until < ttl {
			ttl = until
		}
	}
	return ttl
}

// Put stores an immutable snapshot of m. Later mutations must Put again.
func (r *Redis) Put(ctx context.Context, m *domain.Message) error {
	return r.PutMany(ctx, []*domain.Message{m})
}

func (r *Redis) PutMany(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.do(ctx, "put", func(ctx context.Context) error {
		_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, m := range msgs {
				ttl := r.ttlFor(m)
				if ttl <= 0 {
					p.Del(ctx, r.msgKey(m.ID))
					continue
				}
				b, err := json.Marshal(m)
				if err != nil {
					return err
				}
				p.Set(ctx, r.msgKey(m.ID), b, ttl)
			}
			return nil
		})
		return err
	})
}

// Get returns ErrMiss when no snapshot is cached.
func (r *Redis) Get(ctx context.Context, id string) (*domain.Message, error) {
	var b []byte
	err := r.do(ctx, "get", func(ctx context.Context) error {
		var err error
		b, err = r.rdb.Get(ctx, r.msgKey(id)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var m domain.Message
	if err := json.Unmarshal(b, &m); err != nil {
		r.log.Warn("corrupt snapshot", zap.String("message_id", id), zap.Error(err))
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, ErrMiss
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return &m, nil
}

// BatchGet returns the cached snapshots among ids. Missing or undecodable
// entries are omitted.
func (r *Redis) BatchGet(ctx context.Context, ids []string) (map[string]*domain.Message, error) {
	out := make(map[string]*domain.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.msgKey(id)
	}
	var vals []interface{}
	err := r.do(ctx, "mget", func(ctx context.Context) error {
		var err error
		vals, err = r.rdb.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			r.log.Warn("corrupt snapshot", zap.String("message_id", ids[i]), zap.Error(err))
			continue
		}
		out[ids[i]] = &m
	}
	metrics.CacheRequests.WithLabelValues("hit").Add(float64(len(out)))
	metrics.CacheRequests.WithLabelValues("miss").Add(float64(len(ids) - len(out)))
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.msgKey(id)
	}
	return r.do(ctx, "del", func(ctx context.Context) error {
		return r.rdb.Del(ctx, keys...).Err()
	})
}

// Patch applies fn to the cached snapshot of id inside a WATCH transaction,
// so a concurrent Put of a fresher snapshot is never overwritten with an
// older view. The TTL is kept. A missing snapshot is ErrMiss; a snapshot that
// stays contended is dropped so the next read reloads it.
func (r *Redis) Patch(ctx context.Context, id string, fn func(m *domain.Message)) error {
	key := r.msgKey(id)
	apply := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var m domain.Message
		if err := json.Unmarshal(b, &m); err != nil {
			return redis.Nil
		}
		fn(&m)
		out, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}
	err := r.do(ctx, "patch", func(ctx context.Context) error {
		for attempt := 0; attempt < 3; attempt++ {
			err := r.rdb.Watch(ctx, apply, key)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}
		return r.rdb.Del(ctx, key).Err()
	})
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	return err
}
