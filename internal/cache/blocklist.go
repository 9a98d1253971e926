package cache

import "context"

// IsBlocked reports whether recipient has blocked sender.
func (r *Redis) IsBlocked(ctx context.Context, senderID, recipientID string) (bool, error) {
	var blocked bool
	err := r.do(ctx, "blocked", func(ctx context.Context) error {
		var err error
		blocked, err = r.rdb.SIsMember(ctx, r.blockedKey(recipientID), senderID).Result()
		return err
	})
	return blocked, err
}

func (r *Redis) Block(ctx context.Context, userID, targetID string) error {
	return r.do(ctx, "block", func(ctx context.Context) error {
		return r.rdb.SAdd(ctx, r.blockedKey(userID), targetID).Err()
	})
}

func (r *Redis) Unblock(ctx context.Context, userID, targetID string) error {
	return r.do(ctx, "unblock", func(ctx context.Context) error {
		return r.rdb.SRem(ctx, r.blockedKey(userID), targetID).Err()
	})
}
