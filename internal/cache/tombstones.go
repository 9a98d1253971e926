package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Tombstone sets carry no TTL: losing one would resurrect a message the user
// deleted. A set without the floor member was never loaded from the durable
// store and is not authoritative.

func (r *Redis) AddTombstone(ctx context.Context, user, conv, id string) error {
	return r.do(ctx, "tombstone add", func(ctx context.Context) error {
		return r.rdb.SAdd(ctx, r.tombKey(user, conv), id).Err()
	})
}

// LoadTombstones stores the durable tombstone set and marks it loaded.
func (r *Redis) LoadTombstones(ctx context.Context, user, conv string, ids []string) error {
	members := make([]interface{}, 0, len(ids)+1)
	members = append(members, floorMember)
	for _, id := range ids {
		members = append(members, id)
	}
	return r.do(ctx, "tombstone load", func(ctx context.Context) error {
		return r.rdb.SAdd(ctx, r.tombKey(user, conv), members...).Err()
	})
}

// Tombstoned reports which of ids the user deleted for themselves. loaded is
// false when the set must first be loaded from the durable store.
func (r *Redis) Tombstoned(ctx context.Context, user, conv string, ids []string) (hidden map[string]bool, loaded bool, err error) {
	members := make([]interface{}, 0, len(ids)+1)
	members = append(members, floorMember)
	for _, id := range ids {
		members = append(members, id)
	}
	var res []bool
	err = r.do(ctx, "tombstone check", func(ctx context.Context) error {
		var err error
		res, err = r.rdb.SMIsMember(ctx, r.tombKey(user, conv), members...).Result()
		return err
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, err
	}
	if len(res) == 0 || !res[0] {
		return nil, false, nil
	}
	hidden = make(map[string]bool)
	for i, id := range ids {
		if res[i+1] {
			hidden[id] = true
		}
	}
	return hidden, true, nil
}

func (r *Redis) DropTombstones(ctx context.Context, user, conv string) error {
	return r.do(ctx, "tombstone drop", func(ctx context.Context) error {
		return r.rdb.Del(ctx, r.tombKey(user, conv)).Err()
	})
}
