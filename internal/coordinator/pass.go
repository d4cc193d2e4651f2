package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tickd/internal/batch"
	"tickd/internal/category"
	"tickd/internal/eventbus"
	"tickd/internal/lease"
	"tickd/internal/storage"
	"tickd/pkg/logx"
)

// Pass sources recorded in the pass log.
const (
	SourceManual     = "manual"
	SourceCommand    = "command"
	SourceGeneration = "generation"
)

// PassResult summarizes one pass.
type PassResult struct {
	Source       string        `json:"source"`
	StartedAt    time.Time     `json:"started_at"`
	Took         time.Duration `json:"took"`
	Collected    int           `json:"collected"`
	Batches      int           `json:"batches"`
	WriteFailed  int           `json:"write_failed"`
	Published    int           `json:"published"`
	Skipped      int           `json:"skipped"`
	PublishFails int           `json:"publish_failed"`
	Error        string        `json:"error,omitempty"`
}

// RunCollector runs one pass and waits for it. It returns ErrBusy without
// reading storage when a pass is already running.
func (c *Coordinator) RunCollector(ctx context.Context) (PassResult, error) {
	if err := c.admit(SourceManual); err != nil {
		return PassResult{}, err
	}
	defer c.passGate.release()
	return c.pass(ctx, SourceManual)
}

// admit takes the pass gate.
func (c *Coordinator) admit(source string) error {
	if c.shutDown() {
		return ErrShutdown
	}
	if !c.passGate.tryAcquire() {
		c.skipped.Add(1)
		c.log.Info("collection pass already running; request ignored", logx.String("source", source))
		eventbus.Emit(c.deps.Bus, eventbus.PassSkipped, map[string]any{"source": source})
		return ErrBusy
	}
	return nil
}

// pass runs with the gate held. It never panics. Every outcome but a lease
// skip is logged and counted by finish.
func (c *Coordinator) pass(ctx context.Context, source string) (res PassResult, err error) {
	res = PassResult{Source: source, StartedAt: c.now()}
	log := c.log.With(logx.String("source", source))
	skipped := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator: pass panicked: %v", r)
			log.Error("collection pass panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		if skipped {
			return
		}
		c.setState(StateIdle)
		res.Took = c.now().Sub(res.StartedAt)
		c.finish(ctx, log, &res, err)
	}()

	held, err := c.deps.Lease.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("coordinator: acquire lease: %w", err)
	}
	if !held {
		skipped = true
		c.skipped.Add(1)
		log.Info("lease held by another coordinator; pass skipped")
		eventbus.Emit(c.deps.Bus, eventbus.PassSkipped, map[string]any{"source": source, "reason": "lease"})
		return res, fmt.Errorf("%w: %w", ErrBusy, lease.ErrNotHeld)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.deps.Lease.Release(rctx); err != nil {
			log.Warn("release lease failed", logx.Err(err))
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.PassTimeout)
	defer cancel()

	eventbus.Emit(c.deps.Bus, eventbus.PassStarted, map[string]any{"source": source})
	c.setState(StateCollecting)
	items, err := c.deps.Collector.Collect(pctx)
	if err != nil {
		return res, fmt.Errorf("coordinator: collect: %w", err)
	}
	for _, list := range items {
		res.Collected += len(list)
	}
	if res.Collected == 0 {
		log.Debug("nothing due")
		return res, nil
	}
	c.publish(pctx, items, &res)
	return res, nil
}

// publish batches and dispatches items into res.
func (c *Coordinator) publish(ctx context.Context, items map[category.Category][]batch.WorkItem, res *PassResult) {
	refs := c.deps.Batcher.Build(ctx, items, c.cfg.BatchSize)
	res.Batches = len(refs)
	res.WriteFailed = expectedBatches(items, c.cfg.BatchSize) - len(refs)

	c.setState(StateDispatching)
	dr := c.deps.Dispatcher.Dispatch(ctx, refs)
	res.Published, res.Skipped, res.PublishFails = dr.Published, dr.Skipped, dr.Failed
}

func expectedBatches(items map[category.Category][]batch.WorkItem, size int) int {
	n := 0
	for c, list := range items {
		if c.Valid() {
			n += (len(list) + size - 1) / size
		}
	}
	return n
}

func (c *Coordinator) finish(ctx context.Context, log logx.Logger, res *PassResult, err error) {
	c.passes.Add(1)
	if err != nil {
		c.passErrors.Add(1)
		res.Error = err.Error()
		log.Error("collection pass failed", logx.Err(err), logx.Duration("took", res.Took))
	} else if res.Collected > 0 {
		log.Info("collection pass finished",
			logx.Int("collected", res.Collected), logx.Int("batches", res.Batches),
			logx.Int("write_failed", res.WriteFailed), logx.Int("published", res.Published),
			logx.Int("publish_failed", res.PublishFails), logx.Duration("took", res.Took))
	}

	cp := *res
	c.mu.Lock()
	c.lastPass = &cp
	c.mu.Unlock()
	eventbus.Emit(c.deps.Bus, eventbus.PassFinished, cp)

	if c.deps.Passes == nil {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	entry := storage.PassEntry{
		At:        res.StartedAt,
		Trigger:   res.Source,
		Collected: res.Collected,
		Batches:   res.Batches,
		Published: res.Published,
		Failed:    res.WriteFailed + res.PublishFails,
		Error:     res.Error,
		TookMS:    res.Took.Milliseconds(),
	}
	if err := c.deps.Passes.AppendPass(lctx, entry); err != nil {
		log.Warn("append pass log failed", logx.Err(err))
	}
}

// SubmitGeneration batches pre-built content instructions onto the
// generation queue. It does not take the pass gate.
func (c *Coordinator) SubmitGeneration(ctx context.Context, items []batch.WorkItem) (PassResult, error) {
	res := PassResult{Source: SourceGeneration, StartedAt: c.now()}
	if c.shutDown() {
		return res, ErrShutdown
	}
	if len(items) == 0 {
		return res, fmt.Errorf("coordinator: no generation instructions")
	}
	list := make([]batch.WorkItem, len(items))
	for i, it := range items {
		if it.EntityID == "" {
			return res, fmt.Errorf("coordinator: instruction %d has no entity_id", i)
		}
		it.Category = category.Generation
		list[i] = it
	}
	res.Collected = len(list)
	grouped := map[category.Category][]batch.WorkItem{category.Generation: list}
	refs := c.deps.Batcher.Build(ctx, grouped, c.cfg.BatchSize)
	res.Batches = len(refs)
	res.WriteFailed = expectedBatches(grouped, c.cfg.BatchSize) - len(refs)
	dr := c.deps.Dispatcher.Dispatch(ctx, refs)
	res.Published, res.Skipped, res.PublishFails = dr.Published, dr.Skipped, dr.Failed
	res.Took = c.now().Sub(res.StartedAt)

	c.log.Info("generation submitted",
		logx.Int("instructions", res.Collected), logx.Int("batches", res.Batches), logx.Int("published", res.Published))
	if res.Batches == 0 {
		return res, fmt.Errorf("coordinator: no generation batch was written")
	}
	return res, nil
}
