package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDirectory answers membership and role questions for groups and
// channels from the conversations collection maintained by the group service.
type MongoDirectory struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoDirectory(coll *mongo.Collection) *MongoDirectory {
	return &MongoDirectory{coll: coll, timeout: 3 * time.Second}
}

func (d *MongoDirectory) load(ctx context.Context, conv string) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var c domain.Conversation
	if err := d.coll.FindOne(ctx, bson.M{"_id": conv}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (d *MongoDirectory) IsMember(ctx context.Context, conv, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	n, err := d.coll.CountDocuments(ctx, bson.M{"_id": conv, "members.user_id": userID}, options.Count().SetLimit(1))
	return n > 0, err
}

func (d *MongoDirectory) HasRole(ctx context.Context, conv, userID string, role domain.Role) (bool, error) {
	c, err := d.load(ctx, conv)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m, ok := c.Member(userID)
	return ok && m.Role.Covers(role), nil
}

func (d *MongoDirectory) CanPost(ctx context.Context, conv, userID string) (bool, error) {
	c, err := d.load(ctx, conv)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.CanPost(userID), nil
}

func (d *MongoDirectory) Members(ctx context.Context, conv string) ([]string, error) {
	c, err := d.load(ctx, conv)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.UserID
	}
	return out, nil
}

// Put creates or replaces a conversation record.
func (d *MongoDirectory) Put(ctx context.Context, c *domain.Conversation) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.coll.ReplaceOne(ctx, bson.M{"_id": c.Key}, c, options.Replace().SetUpsert(true))
	return err
}

// MemoryDirectory is the in-process directory used with MemoryStore.
type MemoryDirectory struct {
	mu    sync.RWMutex
	convs map[string]domain.Conversation
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{convs: make(map[string]domain.Conversation)}
}

func (d *MemoryDirectory) Put(ctx context.Context, c *domain.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *c
	cp.Members = append([]domain.Member(nil), c.Members...)
	d.convs[c.Key] = cp
	return nil
}

func (d *MemoryDirectory) get(conv string) (domain.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[conv]
	return c, ok
}

func (d *MemoryDirectory) IsMember(ctx context.Context, conv, userID string) (bool, error) {
	c, ok := d.get(conv)
	if !ok {
		return false, nil
	}
	_, member := c.Member(userID)
	return member, nil
}

func (d *MemoryDirectory) HasRole(ctx context.Context, conv, userID string, role domain.Role) (bool, error) {
	c, ok := d.get(conv)
	if !ok {
		return false, nil
	}
	m, member := c.Member(userID)
	return member && m.Role.Covers(role), nil
}

func (d *MemoryDirectory) CanPost(ctx context.Context, conv, userID string) (bool, error) {
	c, ok := d.get(conv)
	if !ok {
		return false, nil
	}
	return c.CanPost(userID), nil
}

func (d *MemoryDirectory) Members(ctx context.Context, conv string) ([]string, error) {
	c, ok := d.get(conv)
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.UserID
	}
	return out, nil
}
