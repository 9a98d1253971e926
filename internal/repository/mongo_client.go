package repository

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// NewMongoClient connects and pings, retrying with exponential backoff until
// maxElapsed has passed.
func NewMongoClient(ctx context.Context, uri string, maxElapsed time.Duration, log *zap.Logger) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := client.Ping(pctx, nil)
		if err != nil {
			log.Warn("mongo ping failed", zap.Error(err))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}
