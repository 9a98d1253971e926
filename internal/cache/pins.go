package cache

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Pin adds id to the conversation's pin list, newest pin first.
func (r *Redis) Pin(ctx context.Context, conv, id string, at time.Time) error {
	key := r.pinKey(conv)
	return r.do(ctx, "pin", func(ctx context.Context) error {
		_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, key, redis.Z{Score: float64(domain.Ms(at)), Member: id})
			p.Expire(ctx, key, r.opts.IndexTTL)
			return nil
		})
		return err
	})
}

func (r *Redis) Unpin(ctx context.Context, conv, id string) error {
	return r.do(ctx, "unpin", func(ctx context.Context) error {
		return r.rdb.ZRem(ctx, r.pinKey(conv), id).Err()
	})
}

// Pinned returns the pinned ids of a conversation. loaded is false when the
// list was never loaded from the durable store and may be partial.
func (r *Redis) Pinned(ctx context.Context, conv string) (ids []string, loaded bool, err error) {
	key := r.pinKey(conv)
	var (
		list   *redis.StringSliceCmd
		marker *redis.FloatCmd
	)
	err = r.do(ctx, "pinned", func(ctx context.Context) error {
		_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			list = p.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Max: "+inf", Min: "(0"})
			marker = p.ZScore(ctx, key, floorMember)
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, err
	}
	return list.Val(), marker.Err() == nil, nil
}

// LoadPins replaces the pin list with the durable view and marks it loaded.
func (r *Redis) LoadPins(ctx context.Context, conv string, msgs []*domain.Message) error {
	key := r.pinKey(conv)
	zs := []redis.Z{{Score: 0, Member: floorMember}}
	for _, m := range msgs {
		at := m.SentAt
		if m.PinnedAt != nil {
			at = *m.PinnedAt
		}
		zs = append(zs, redis.Z{Score: float64(domain.Ms(at)), Member: m.ID})
	}
	return r.do(ctx, "load pins", func(ctx context.Context) error {
		_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.ZAdd(ctx, key, zs...)
			p.Expire(ctx, key, r.opts.IndexTTL)
			return nil
		})
		return err
	})
}

// DropPins removes the pin list so the next read reloads it.
func (r *Redis) DropPins(ctx context.Context, conv string) error {
	return r.do(ctx, "pins drop", func(ctx context.Context) error {
		return r.rdb.Del(ctx, r.pinKey(conv)).Err()
	})
}
