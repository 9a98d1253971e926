package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Presence keeps the set of live session ids per user so any instance can
// tell whether a user is connected somewhere. The set expires unless a
// session keeps touching it.

func (r *Redis) Connect(ctx context.Context, userID, sessionID string) error {
	key := r.presenceKey(userID)
	return r.do(ctx, "presence connect", func(ctx context.Context) error {
		_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, key, sessionID)
			p.Expire(ctx, key, r.opts.PresenceTTL)
			return nil
		})
		return err
	})
}

func (r *Redis) Disconnect(ctx context.Context, userID, sessionID string) error {
	return r.do(ctx, "presence disconnect", func(ctx context.Context) error {
		return r.rdb.SRem(ctx, r.presenceKey(userID), sessionID).Err()
	})
}

func (r *Redis) Touch(ctx context.Context, userID string) error {
	return r.do(ctx, "presence touch", func(ctx context.Context) error {
		return r.rdb.Expire(ctx, r.presenceKey(userID), r.opts.PresenceTTL).Err()
	})
}

func (r *Redis) Online(ctx context.Context, userID string) (bool, error) {
	var n int64
	err := r.do(ctx, "presence", func(ctx context.Context) error {
		var err error
		n, err = r.rdb.SCard(ctx, r.presenceKey(userID)).Result()
		return err
	})
	return n > 0, err
}
