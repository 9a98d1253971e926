package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Snapshots is the fast secondary tier consulted before the durable store.
type Snapshots interface {
	BatchGet(ctx context.Context, ids []string) (map[string]*domain.Message, error)
	PutMany(ctx context.Context, msgs []*domain.Message) error
}

// Finder is the slice of the primary store the tiered reader needs.
type Finder interface {
	FindByIDs(ctx context.Context, ids []string) ([]*domain.Message, error)
}

// Tiered reads messages through the cache with the durable store as truth.
// Misses are loaded from the store in concurrent chunks and written back.
type Tiered struct {
	primary   Finder
	secondary Snapshots
	chunk     int
	parallel  int
	log       *zap.Logger
}

func NewTiered(primary Finder, secondary Snapshots, log *zap.Logger) *Tiered {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tiered{primary: primary, secondary: secondary, chunk: 50, parallel: 4, log: log}
}

// Lookup is the outcome of a tiered read.
type Lookup struct {
	Found map[string]*domain.Message
	// Missing holds ids present in neither tier.
	Missing []string
	// FromStore counts ids that had to be read from the durable store.
	FromStore int
}

// Get resolves ids. A cache failure degrades to a durable read; a durable
// failure is returned.
func (t *Tiered) Get(ctx context.Context, ids []string) (Lookup, error) {
	res := Lookup{Found: make(map[string]*domain.Message, len(ids))}
	if len(ids) == 0 {
		return res, nil
	}

	cached, err := t.secondary.BatchGet(ctx, ids)
	if err != nil {
		t.log.Warn("snapshot batch read failed", zap.Error(err))
		metrics.EnrichmentFailures.WithLabelValues("cache_read").Inc()
		cached = nil
	}
	var misses []string
	queued := make(map[string]bool)
	for _, id := range ids {
		if m, ok := cached[id]; ok {
			res.Found[id] = m
		} else if !queued[id] {
			queued[id] = true
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return res, nil
	}
	res.FromStore = len(misses)

	loaded, err := t.load(ctx, misses)
	if err != nil {
		return Lookup{}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	for _, m := range loaded {
		res.Found[m.ID] = m
	}
	for _, id := range misses {
		if _, ok := res.Found[id]; !ok {
			res.Missing = append(res.Missing, id)
		}
	}

	if len(loaded) > 0 {
		if err := t.secondary.PutMany(ctx, loaded); err != nil {
			t.log.Warn("snapshot backfill failed", zap.Int("count", len(loaded)), zap.Error(err))
			metrics.EnrichmentFailures.WithLabelValues("cache_backfill").Inc()
		}
	}
	return res, nil
}

// One resolves a single id, returning domain.ErrNotFound if neither tier has it.
func (t *Tiered) One(ctx context.Context, id string) (*domain.Message, error) {
	res, err := t.Get(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	m, ok := res.Found[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (t *Tiered) load(ctx context.Context, ids []string) ([]*domain.Message, error) {
	var (
		mu  sync.Mutex
		out []*domain.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for start := 0; start < len(ids); start += t.chunk {
		end := start + t.chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]
		g.Go(func() error {
			msgs, err := t.primary.FindByIDs(gctx, part)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, msgs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
