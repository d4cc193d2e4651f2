// Package dispatcher publishes one message per written batch to the batch
// category's queue.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tickd/internal/batch"
	"tickd/internal/broker"
	"tickd/internal/category"
	"tickd/internal/eventbus"
	"tickd/pkg/logx"
)

const DefaultDedupWindow = 10 * time.Minute

type Config struct {
	// Rate limits publishes per second across all queues; 0 disables it.
	Rate  float64
	Burst int
	// DedupWindow is how long a published batch ID is remembered.
	DedupWindow time.Duration
	// Parallelism bounds how many category queues publish at once.
	Parallelism int
}

// Result summarizes one Dispatch call.
type Result struct {
	Published int
	Skipped   int
	Failed    int
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithBus(bus eventbus.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

type Dispatcher struct {
	br      broker.Broker
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	window  time.Duration
	par     int
	limiter *rate.Limiter

	mu   sync.Mutex
	seen map[string]time.Time
}

func New(br broker.Broker, cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = len(category.All())
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		br:      br,
		log:     log,
		now:     time.Now,
		window:  cfg.DedupWindow,
		par:     cfg.Parallelism,
		limiter: rate.NewLimiter(rate.Inf, 1),
		seen:    map[string]time.Time{},
	}
	d.SetRate(cfg.Rate, cfg.Burst)
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetRate changes the publish rate limit. r <= 0 removes the limit.
func (d *Dispatcher) SetRate(r float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	if r <= 0 {
		d.limiter.SetLimit(rate.Inf)
	} else {
		d.limiter.SetLimit(rate.Limit(r))
	}
	d.limiter.SetBurst(burst)
}

// Dispatch publishes refs and returns without waiting for consumption.
//
// Queues are published concurrently; order within one category is kept. A
// batch ID published within the dedup window is skipped. A failed publish
// leaves the batch in initiation and is forgotten so a later sweep can retry.
func (d *Dispatcher) Dispatch(ctx context.Context, refs []batch.Ref) Result {
	d.prune()

	byCat := map[category.Category][]batch.Ref{}
	var invalid int
	for _, r := range refs {
		if !r.Category.Valid() || r.BatchID == "" {
			invalid++
			d.log.Warn("refusing to dispatch invalid ref", logx.String("batch", r.BatchID), logx.String("category", r.Category.String()))
			continue
		}
		byCat[r.Category] = append(byCat[r.Category], r)
	}

	var published, skipped, failed atomic.Int64
	failed.Add(int64(invalid))

	var g errgroup.Group
	g.SetLimit(d.par)
	for _, c := range category.All() {
		list := byCat[c]
		if len(list) == 0 {
			continue
		}
		g.Go(func() error {
			for _, r := range list {
				switch d.publish(ctx, r) {
				case outcomePublished:
					published.Add(1)
				case outcomeSkipped:
					skipped.Add(1)
				default:
					failed.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Published: int(published.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}
	if len(refs) > 0 {
		d.log.Info("dispatch finished",
			logx.Int("published", res.Published), logx.Int("skipped", res.Skipped), logx.Int("failed", res.Failed))
	}
	return res
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (d *Dispatcher) publish(ctx context.Context, r batch.Ref) outcome {
	if !d.mark(r.BatchID) {
		d.log.Debug("batch already dispatched; skipping", logx.String("batch", r.BatchID))
		return outcomeSkipped
	}
	if err := d.limiter.Wait(ctx); err != nil {
		d.forget(r.BatchID)
		return d.fail(r, err)
	}
	if err := d.br.Publish(ctx, r.Category.Queue(), batch.EncodeMessage(r)); err != nil {
		d.forget(r.BatchID)
		return d.fail(r, err)
	}
	eventbus.Emit(d.bus, eventbus.BatchDispatched, map[string]any{
		"batch_id": r.BatchID, "category": r.Category.String(), "queue": r.Category.Queue(),
	})
	return outcomePublished
}

func (d *Dispatcher) fail(r batch.Ref, err error) outcome {
	d.log.Warn("publish failed; batch stays in initiation",
		logx.String("batch", r.BatchID), logx.String("queue", r.Category.Queue()), logx.Err(err))
	eventbus.Emit(d.bus, eventbus.BatchPublishError, map[string]any{
		"batch_id": r.BatchID, "category": r.Category.String(), "error": err.Error(),
	})
	return outcomeFailed
}

// mark records id as published and reports false if it already was.
func (d *Dispatcher) mark(id string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.window {
		return false
	}
	d.seen[id] = now
	return true
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}

func (d *Dispatcher) prune() {
	now := d.now()
	d.mu.Lock()
	for id, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, id)
		}
	}
	d.mu.Unlock()
}
