package cache

import "context"

// SetTyping raises or clears a short-lived typing flag.
func (r *Redis) SetTyping(ctx context.Context, conv, user string, typing bool) error {
	key := r.typingKey(conv, user)
	return r.do(ctx, "typing", func(ctx context.Context) error {
		if !typing {
			return r.rdb.Del(ctx, key).Err()
		}
		return r.rdb.Set(ctx, key, "1", r.opts.TypingTTL).Err()
	})
}

