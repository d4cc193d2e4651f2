// Package collector turns due entities into categorized work items.
//
// Every returned item has already had its entity's due time advanced, so a
// crash after collection loses at most one tick of work and never repeats it.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tickd/internal/batch"
	"tickd/internal/category"
	"tickd/internal/storage"
	"tickd/pkg/logx"
)

const DefaultInterval = 6 * time.Minute

type Config struct {
	// Interval is added to the collection time to form the next due time.
	Interval time.Duration
	// Allowed restricts collected categories. Empty means every ticked category.
	Allowed category.Set
	// MaxPerPass caps the entities read per pass; 0 means no cap.
	MaxPerPass int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Allowed.Empty() {
		c.Allowed = category.NewSet(category.Ticked()...)
	}
	if c.MaxPerPass < 0 {
		c.MaxPerPass = 0
	}
	return c
}

type Option func(*Collector)

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

type Collector struct {
	store storage.Store
	cfg   Config
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, cfg Config, log logx.Logger, opts ...Option) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{store: store, cfg: cfg.withDefaults(), log: log, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HasDue reports whether any entity is due now without advancing anything.
func (c *Collector) HasDue(ctx context.Context) (bool, error) {
	ok, err := c.store.HasDue(ctx, c.now(), c.cfg.Allowed)
	if err != nil {
		return false, fmt.Errorf("collector: %w", err)
	}
	return ok, nil
}

// Collect reads every due entity, advances it and groups the resulting work
// items by category. Nothing due yields an empty, non-nil map.
//
// Only allowed categories are read, so rows of other categories never take
// up the MaxPerPass page. A disallowed row that still shows up is logged and
// left untouched. An entity whose advance fails or loses a concurrent update
// is skipped.
func (c *Collector) Collect(ctx context.Context) (map[category.Category][]batch.WorkItem, error) {
	now := c.now()
	due, err := c.store.ListDue(ctx, now, c.cfg.MaxPerPass, c.cfg.Allowed)
	if err != nil {
		return nil, fmt.Errorf("collector: list due: %w", err)
	}

	out := make(map[category.Category][]batch.WorkItem)
	next := now.Add(c.cfg.Interval)
	var rejected, lost int
	for _, e := range due {
		if !c.cfg.Allowed.Has(e.Category) {
			rejected++
			c.log.Warn("rejecting due entity with disallowed category",
				logx.String("entity", e.EntityID), logx.String("category", e.Category.String()))
			continue
		}

		ok, err := c.store.Advance(ctx, e, next)
		if err != nil {
			lost++
			c.log.Warn("advance failed; skipping entity",
				logx.String("entity", e.EntityID), logx.String("category", e.Category.String()), logx.Err(err))
			continue
		}
		if !ok {
			lost++
			c.log.Debug("entity advanced elsewhere; skipping",
				logx.String("entity", e.EntityID), logx.String("category", e.Category.String()))
			continue
		}

		payload, err := json.Marshal(batch.TickPayload{DueAt: e.NextDueAt, LastProcessed: e.LastProcessedAt})
		if err != nil {
			// The entity is already advanced; it comes round again next interval.
			lost++
			c.log.Error("encode tick payload failed; skipping entity",
				logx.String("entity", e.EntityID), logx.String("category", e.Category.String()), logx.Err(err))
			continue
		}
		out[e.Category] = append(out[e.Category], batch.WorkItem{
			EntityID: e.EntityID,
			Category: e.Category,
			Payload:  payload,
		})
	}

	if len(due) > 0 {
		c.log.Info("collected due entities",
			logx.Int("due", len(due)), logx.Int("collected", len(due)-rejected-lost),
			logx.Int("rejected", rejected), logx.Int("skipped", lost))
	}
	return out, nil
}
