package coordinator

import (
	"context"
	"fmt"

	"tickd/internal/batch"
	"tickd/internal/eventbus"
	"tickd/pkg/logx"
)

// SweepResult counts live batch records and what the sweep re-dispatched.
type SweepResult struct {
	Counts       map[batch.Status]int `json:"counts"`
	Malformed    int                  `json:"malformed"`
	Stale        int                  `json:"stale"`
	Redispatched int                  `json:"redispatched"`
	Failed       int                  `json:"failed"`
}

// Sweep scans the batch store, logs counts per status and re-dispatches
// batches that have stayed in initiation longer than StaleAfter. It returns
// ErrBusy when another sweep is running.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	if c.shutDown() {
		return SweepResult{}, ErrShutdown
	}
	if !c.sweepGate.tryAcquire() {
		return SweepResult{}, ErrBusy
	}
	defer c.sweepGate.release()
	return c.sweep(ctx)
}

func (c *Coordinator) sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Counts: map[batch.Status]int{}}
	if c.deps.Batches == nil {
		return res, fmt.Errorf("coordinator: sweep: no batch store")
	}
	all, err := c.deps.Batches.List(ctx)
	if err != nil {
		c.log.Warn("sweep: list batches failed", logx.Err(err))
		return res, fmt.Errorf("coordinator: sweep: %w", err)
	}

	now := c.now()
	var stale []batch.Ref
	for _, b := range all {
		if !b.Status.Valid() || !b.Category.Valid() {
			res.Malformed++
			continue
		}
		res.Counts[b.Status]++
		if b.Status != batch.StatusInitiation || b.CreatedAt.IsZero() {
			continue
		}
		if now.Sub(b.CreatedAt) >= c.cfg.StaleAfter {
			stale = append(stale, batch.Ref{BatchID: b.ID, Category: b.Category})
		}
	}
	res.Stale = len(stale)

	if len(stale) > 0 && c.deps.Dispatcher != nil {
		dr := c.deps.Dispatcher.Dispatch(ctx, stale)
		res.Redispatched, res.Failed = dr.Published, dr.Failed
		for _, r := range stale {
			eventbus.Emit(c.deps.Bus, eventbus.BatchRedispatched, map[string]any{
				"batch_id": r.BatchID, "category": r.Category.String(),
			})
		}
	}

	c.sweeps.Add(1)
	cp := res
	c.mu.Lock()
	c.lastSweep = &cp
	c.mu.Unlock()

	c.log.Info("sweep finished",
		logx.Int("initiation", res.Counts[batch.StatusInitiation]),
		logx.Int("in_progress", res.Counts[batch.StatusInProgress]),
		logx.Int("completed", res.Counts[batch.StatusCompleted]),
		logx.Int("completed_with_warnings", res.Counts[batch.StatusCompletedWithWarnings]),
		logx.Int("failed", res.Counts[batch.StatusFailed]),
		logx.Int("malformed", res.Malformed),
		logx.Int("stale", res.Stale),
		logx.Int("redispatched", res.Redispatched))
	return res, nil
}
