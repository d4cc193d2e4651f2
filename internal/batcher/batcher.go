// Package batcher splits categorized work into bounded batches and writes
// each one to the batch store.
package batcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tickd/internal/batch"
	"tickd/internal/category"
	"tickd/internal/eventbus"
	"tickd/pkg/logx"
)

const DefaultSize = 100

type Config struct {
	Size int
	TTL  time.Duration
}

type Option func(*Batcher)

func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// WithIDs replaces the batch ID source.
func WithIDs(next func() string) Option {
	return func(b *Batcher) { b.newID = next }
}

func WithBus(bus eventbus.Bus) Option {
	return func(b *Batcher) { b.bus = bus }
}

type Batcher struct {
	store batch.Store
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string
}

func New(store batch.Store, cfg Config, log logx.Logger, opts ...Option) *Batcher {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = batch.DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Batcher{store: store, cfg: cfg, log: log, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build writes one batch per chunk of at most size items and returns refs for
// the batches that were written. size <= 0 uses the configured size.
//
// Categories are handled in enum order. A failed write is logged and its
// chunk dropped; it is not retried and never dispatched.
func (b *Batcher) Build(ctx context.Context, items map[category.Category][]batch.WorkItem, size int) []batch.Ref {
	if size <= 0 {
		size = b.cfg.Size
	}
	for c, list := range items {
		if !c.Valid() && len(list) > 0 {
			b.log.Warn("dropping items with invalid category", logx.String("category", c.String()), logx.Int("items", len(list)))
		}
	}

	var refs []batch.Ref
	for _, c := range category.All() {
		list := items[c]
		for start := 0; start < len(list); start += size {
			end := min(start+size, len(list))
			chunk := list[start:end]
			bt := &batch.Batch{
				ID:          b.newID(),
				Category:    c,
				Items:       chunk,
				Status:      batch.StatusInitiation,
				TargetCount: len(chunk),
				CreatedAt:   b.now().UTC(),
			}
			if err := b.store.Create(ctx, bt, b.cfg.TTL); err != nil {
				b.log.Warn("batch write failed; chunk dropped",
					logx.String("batch", bt.ID), logx.String("category", c.String()),
					logx.Int("items", len(chunk)), logx.Err(err))
				eventbus.Emit(b.bus, eventbus.BatchWriteFailed, map[string]any{
					"batch_id": bt.ID, "category": c.String(), "items": len(chunk), "error": err.Error(),
				})
				continue
			}
			eventbus.Emit(b.bus, eventbus.BatchCreated, map[string]any{
				"batch_id": bt.ID, "category": c.String(), "items": len(chunk),
			})
			refs = append(refs, batch.Ref{BatchID: bt.ID, Category: c})
		}
	}
	return refs
}
