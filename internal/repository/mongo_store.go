package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const purgeBatch = 500

type receiptDoc struct {
	ID             string `bson:"_id"`
	Rank           int    `bson:"rank"`
	domain.Receipt `bson:",inline"`
}

type tombstoneDoc struct {
	ID               string `bson:"_id"`
	domain.Tombstone `bson:",inline"`
}

type MongoStore struct {
	messages   *mongo.Collection
	receipts   *mongo.Collection
	tombstones *mongo.Collection
	scheduled  *mongo.Collection
	timeout    time.Duration
}

func NewMongoStore(ctx context.Context, db *mongo.Database, timeout time.Duration) (*MongoStore, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	s := &MongoStore{
		messages:   db.Collection("messages"),
		receipts:   db.Collection("receipts"),
		tombstones: db.Collection("tombstones"),
		scheduled:  db.Collection("scheduled_messages"),
		timeout:    timeout,
	}

	ix := map[*mongo.Collection][]mongo.IndexModel{
		s.messages: {
			{
				Keys:    bson.D{{Key: "conversation_key", Value: 1}, {Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}},
				Options: options.Index().SetName("conv_sent_idx"),
			},
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetName("expires_idx").SetSparse(true),
			},
			{
				Keys:    bson.D{{Key: "conversation_key", Value: 1}, {Key: "pinned", Value: 1}, {Key: "pinned_at", Value: -1}},
				Options: options.Index().SetName("conv_pinned_idx"),
			},
		},
		s.receipts: {
			{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetName("message_idx")},
		},
		s.tombstones: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "conversation_key", Value: 1}},
				Options: options.Index().SetName("user_conv_idx"),
			},
			{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetName("message_idx")},
		},
		s.scheduled: {
			{Keys: bson.D{{Key: "send_at", Value: 1}}, Options: options.Index().SetName("send_at_idx")},
		},
	}
	for coll, models := range ix {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return nil, fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return s, nil
}

func (s *MongoStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStore) Insert(ctx context.Context, m *domain.Message) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: message %s exists", domain.ErrConflict, m.ID)
		}
		return err
	}
	return nil
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var m domain.Message
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	out := []*domain.Message{&m}
	if err := s.joinReceipts(ctx, out); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) FindByIDs(ctx context.Context, ids []string) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, nil)
}

func (s *MongoStore) RangeBefore(ctx context.Context, conv string, before *domain.Cursor, limit int) ([]*domain.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	filter := bson.M{"conversation_key": conv}
	switch {
	case before == nil:
	case before.ID == "":
		filter["sent_at"] = bson.M{"$lt": before.At}
	default:
		filter["$or"] = bson.A{
			bson.M{"sent_at": bson.M{"$lt": before.At}},
			bson.M{"sent_at": before.At, "_id": bson.M{"$lt": before.ID}},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, filter, opts)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.Message, error) {
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if err := s.joinReceipts(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) joinReceipts(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	cur, err := s.receipts.Find(ctx, bson.M{"message_id": bson.M{"$in": ids}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	var docs []receiptDoc
	if err := cur.All(ctx, &docs); err != nil {
		return err
	}
	for _, d := range docs {
		if m, ok := byID[d.MessageID]; ok {
			m.Delivery.Put(d.Receipt)
		}
	}
	return nil
}

func (s *MongoStore) exists(ctx context.Context, id string) (bool, error) {
	n, err := s.messages.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	return n > 0, err
}

func (s *MongoStore) SetReaction(ctx context.Context, messageID, userID, token string, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if token == "" {
		res, err := s.messages.UpdateByID(ctx, messageID, bson.M{"$pull": bson.M{"reactions": bson.M{"user_id": userID}}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return domain.ErrNotFound
		}
		return nil
	}

	entry := domain.Reaction{UserID: userID, Token: token, At: at}
	for attempt := 0; attempt < 3; attempt++ {
		// replace in place so the user keeps their position
		res, err := s.messages.UpdateOne(ctx,
			bson.M{"_id": messageID, "reactions.user_id": userID},
			bson.M{"$set": bson.M{"reactions.$.token": token, "reactions.$.at": at}})
		if err != nil {
			return err
		}
		if res.MatchedCount > 0 {
			return nil
		}
		res, err = s.messages.UpdateOne(ctx,
			bson.M{"_id": messageID, "reactions.user_id": bson.M{"$ne": userID}},
			bson.M{"$push": bson.M{"reactions": entry}})
		if err != nil {
			return err
		}
		if res.MatchedCount > 0 {
			return nil
		}
		ok, err := s.exists(ctx, messageID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound
		}
	}
	return fmt.Errorf("%w: reaction on %s contended", domain.ErrConflict, messageID)
}

func (s *MongoStore) MarkDeleted(ctx context.Context, messageID, by string, at time.Time) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	del := domain.Deletion{State: domain.DeletedForEveryone, DeletedAt: &at, DeletedBy: by}
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "deletion.state": bson.M{"$ne": domain.DeletedForEveryone}},
		bson.M{"$set": bson.M{"deletion": del}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	ok, err := s.exists(ctx, messageID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (s *MongoStore) SetPinned(ctx context.Context, messageID string, pinned bool, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"pinned": true, "pinned_at": at}}
	if !pinned {
		update = bson.M{"$set": bson.M{"pinned": false}, "$unset": bson.M{"pinned_at": ""}}
	}
	res, err := s.messages.UpdateByID(ctx, messageID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) Pinned(ctx context.Context, conv string) ([]*domain.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "pinned_at", Value: -1}})
	return s.find(ctx, bson.M{"conversation_key": conv, "pinned": true}, opts)
}

func (s *MongoStore) ExpiredBefore(ctx context.Context, ts time.Time, limit int) ([]*domain.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.messages.Find(ctx, bson.M{"expires_at": bson.M{"$lte": ts}}, opts)
	if err != nil {
		return nil, err
	}
	out := []*domain.Message{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.messages.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	if _, err := s.receipts.DeleteMany(ctx, bson.M{"message_id": bson.M{"$in": ids}}); err != nil {
		return res.DeletedCount, err
	}
	if _, err := s.tombstones.DeleteMany(ctx, bson.M{"message_id": bson.M{"$in": ids}}); err != nil {
		return res.DeletedCount, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteExpiredBefore(ctx context.Context, ts time.Time) (int64, error) {
	var total int64
	for {
		batch, err := s.ExpiredBefore(ctx, ts, purgeBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		ids := make([]string, len(batch))
		for i, m := range batch {
			ids[i] = m.ID
		}
		n, err := s.DeleteByIDs(ctx, ids)
		total += n
		if err != nil {
			return total, err
		}
		if len(batch) < purgeBatch {
			return total, nil
		}
	}
}

func (s *MongoStore) UpdateStatus(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus, at time.Time) (domain.Receipt, bool, error) {
	rank := status.Rank()
	if rank <= 0 {
		return domain.Receipt{}, false, domain.Invalid("status must be delivered or seen")
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	id := receiptID(messageID, recipientID)
	set := bson.M{"status": status, "rank": rank}
	update := bson.M{"$setOnInsert": bson.M{"message_id": messageID, "recipient_id": recipientID}}
	switch status {
	case domain.StatusDelivered:
		set["delivered_at"] = at
	case domain.StatusSeen:
		set["seen_at"] = at
		update["$min"] = bson.M{"delivered_at": at}
	}
	update["$set"] = set

	// Matches only while the stored rank is lower; otherwise the upsert
	// collides on _id, which means the state was already reached.
	filter := bson.M{"_id": id, "rank": bson.M{"$lt": rank}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	for attempt := 0; attempt < 3; attempt++ {
		var doc receiptDoc
		err := s.receipts.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return doc.Receipt, true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return domain.Receipt{}, false, err
		}
		cur, err := s.receipt(ctx, messageID, recipientID)
		if err != nil {
			return domain.Receipt{}, false, err
		}
		if cur.Status.Rank() >= rank {
			return cur, false, nil
		}
	}
	return domain.Receipt{}, false, fmt.Errorf("%w: receipt %s contended", domain.ErrConflict, id)
}

func (s *MongoStore) receipt(ctx context.Context, messageID, recipientID string) (domain.Receipt, error) {
	var doc receiptDoc
	err := s.receipts.FindOne(ctx, bson.M{"_id": receiptID(messageID, recipientID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Receipt{MessageID: messageID, RecipientID: recipientID, Status: domain.StatusSent}, nil
	}
	if err != nil {
		return domain.Receipt{}, err
	}
	return doc.Receipt, nil
}

func (s *MongoStore) Receipt(ctx context.Context, messageID, recipientID string) (domain.Receipt, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.receipt(ctx, messageID, recipientID)
}

func (s *MongoStore) Receipts(ctx context.Context, messageID string) ([]domain.Receipt, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	cur, err := s.receipts.Find(ctx, bson.M{"message_id": messageID},
		options.Find().SetSort(bson.D{{Key: "recipient_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []receiptDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Receipt, len(docs))
	for i, d := range docs {
		out[i] = d.Receipt
	}
	return out, nil
}

func (s *MongoStore) AddTombstone(ctx context.Context, t domain.Tombstone) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	doc := tombstoneDoc{ID: receiptID(t.MessageID, t.UserID), Tombstone: t}
	_, err := s.tombstones.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) Tombstones(ctx context.Context, userID, conv string) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	cur, err := s.tombstones.Find(ctx, bson.M{"user_id": userID, "conversation_key": conv},
		options.Find().SetProjection(bson.M{"message_id": 1}))
	if err != nil {
		return nil, err
	}
	var docs []tombstoneDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.MessageID
	}
	return out, nil
}

func (s *MongoStore) InsertScheduled(ctx context.Context, sm *domain.ScheduledMessage) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if _, err := s.scheduled.InsertOne(ctx, sm); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: scheduled %s exists", domain.ErrConflict, sm.ID)
		}
		return err
	}
	return nil
}

func (s *MongoStore) DueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledMessage, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "send_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.scheduled.Find(ctx, bson.M{"send_at": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, err
	}
	out := []*domain.ScheduledMessage{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DeleteScheduled(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.scheduled.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}
