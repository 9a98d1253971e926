package cache

import (
	"context"
	"errors"
	"strconv"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Page is a window of a conversation index, newest first.
type Page struct {
	IDs []string
	// Complete is set when the index is known to hold every message of the
	// conversation, so a short page is the true end of history.
	Complete bool
}

// Append adds a message to its conversation index scored by sentAt.
// Concurrent appends for one conversation never overwrite each other.
func (r *Redis) Append(ctx context.Context, m *domain.Message) error {
	return r.AppendMany(ctx, m.ConversationKey, []*domain.Message{m})
}

func (r *Redis) AppendMany(ctx context.Context, conv string, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(msgs))
	for _, m := range msgs {
		zs = append(zs, redis.Z{Score: float64(domain.Ms(m.SentAt)), Member: m.ID})
	}
	key := r.indexKey(conv)
	return r.do(ctx, "index append", func(ctx context.Context) error {
		_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, key, zs...)
			p.Expire(ctx, key, r.opts.IndexTTL)
			return nil
		})
		return err
	})
}

// Range returns up to limit ids strictly past the cursor (or the latest ids
// when before is nil), newest first. Members sharing the cursor's
// millisecond are ordered by id, as in the durable store.
func (r *Redis) Range(ctx context.Context, conv string, before *domain.Cursor, limit int) (Page, error) {
	upper := "+inf"
	var at string
	if before != nil {
		at = strconv.FormatInt(domain.Ms(before.At), 10)
		upper = "(" + at
	}
	key := r.indexKey(conv)
	var (
		ties   *redis.StringSliceCmd
		ids    *redis.StringSliceCmd
		marker *redis.FloatCmd
	)
	err := r.do(ctx, "index range", func(ctx context.Context) error {
		_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			if before != nil && before.ID != "" {
				ties = p.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Max: at, Min: at})
			}
			ids = p.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Max: upper, Min: "(0", Count: int64(limit)})
			marker = p.ZScore(ctx, key, floorMember)
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Page{}, err
	}

	var out []string
	if ties != nil {
		for _, id := range ties.Val() {
			if id != floorMember && id < before.ID {
				out = append(out, id)
			}
		}
	}
	out = append(out, ids.Val()...)
	if len(out) > limit {
		out = out[:limit]
	}
	return Page{IDs: out, Complete: marker.Err() == nil}, nil
}

// MarkComplete records that the index holds the conversation's full history.
func (r *Redis) MarkComplete(ctx context.Context, conv string) error {
	key := r.indexKey(conv)
	return r.do(ctx, "index mark", func(ctx context.Context) error {
		_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, key, redis.Z{Score: 0, Member: floorMember})
			p.Expire(ctx, key, r.opts.IndexTTL)
			return nil
		})
		return err
	})
}

// Unindex drops ids from a conversation index.
func (r *Redis) Unindex(ctx context.Context, conv string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return r.do(ctx, "index remove", func(ctx context.Context) error {
		return r.rdb.ZRem(ctx, r.indexKey(conv), members...).Err()
	})
}

// DropIndex removes a conversation index so the next read rebuilds it from
// the durable store.
func (r *Redis) DropIndex(ctx context.Context, conv string) error {
	return r.do(ctx, "index drop", func(ctx context.Context) error {
		return r.rdb.Del(ctx, r.indexKey(conv)).Err()
	})
}
