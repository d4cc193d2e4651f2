package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tickd/internal/batch"
	"tickd/internal/eventbus"
	"tickd/pkg/logx"
)

const (
	// DefaultFailedTTL keeps failed records around for inspection.
	DefaultFailedTTL = 24 * time.Hour
	DefaultReportTTL = 24 * time.Hour

	warningsNote = "Completed with some specifications skipped or failed."
)

type ProcessorConfig struct {
	FailedTTL time.Duration
	ReportTTL time.Duration
}

type ProcessorOption func(*Processor)

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func WithProcessorBus(bus eventbus.Bus) ProcessorOption {
	return func(p *Processor) { p.bus = bus }
}

// Processor runs one batch to completion against the batch store.
type Processor struct {
	store     batch.Store
	handlers  Handlers
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
	failedTTL time.Duration
	reportTTL time.Duration
}

func NewProcessor(store batch.Store, h Handlers, cfg ProcessorConfig, log logx.Logger, opts ...ProcessorOption) *Processor {
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = DefaultFailedTTL
	}
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = DefaultReportTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor{
		store:     store,
		handlers:  h,
		log:       log,
		now:       time.Now,
		failedTTL: cfg.FailedTTL,
		reportTTL: cfg.ReportTTL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process loads batchID and runs every item through its category's handler.
//
// A missing batch returns nil: it was already processed or expired. A
// malformed record is marked failed and returns a NoRetry error. Item errors
// and panics are collected into the report; the batch still completes.
// Any other error is transient and the caller may retry.
func (p *Processor) Process(ctx context.Context, batchID string) error {
	log := p.log.With(logx.String("batch", batchID))

	b, err := p.store.Get(ctx, batchID)
	switch {
	case errors.Is(err, batch.ErrNotFound):
		p.missing(log, batchID)
		return nil
	case errors.Is(err, batch.ErrMalformed):
		return p.fail(ctx, log, b, err)
	case err != nil:
		return fmt.Errorf("worker: load %s: %w", batchID, err)
	}

	if b.Status.Terminal() {
		if b.Status != batch.StatusFailed {
			_ = p.store.Delete(ctx, batchID)
		}
		log.Debug("batch already finished", logx.String("status", string(b.Status)))
		return nil
	}

	handle := p.handlers.For(b.Category)
	if handle == nil {
		return p.fail(ctx, log, b, fmt.Errorf("no processor for category %s", b.Category))
	}

	if err := p.store.SetStatus(ctx, batchID, batch.StatusInProgress, "", 0); err != nil {
		switch {
		case errors.Is(err, batch.ErrNotFound):
			p.missing(log, batchID)
			return nil
		case errors.Is(err, batch.ErrInvalidTransition):
			log.Debug("batch finished concurrently")
			return nil
		default:
			log.Warn("mark in_progress failed", logx.Err(err))
		}
	}

	started := p.now()
	eventbus.Emit(p.bus, eventbus.BatchStarted, map[string]any{
		"batch_id": batchID, "category": b.Category.String(), "items": len(b.Items),
	})

	var (
		generated int
		failed    []batch.FailedItem
	)
	for _, it := range b.Items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker: %s interrupted after %d items: %w", batchID, generated+len(failed), err)
		}
		if it.Category.Valid() && it.Category != b.Category {
			failed = append(failed, batch.FailedItem{EntityID: it.EntityID,
				Reason: fmt.Sprintf("item category %s does not match batch category %s", it.Category, b.Category)})
			continue
		}
		if !it.Category.Valid() {
			it.Category = b.Category
		}
		if err := p.runItem(ctx, handle, it); err != nil {
			log.Debug("item failed", logx.String("entity", it.EntityID), logx.Err(err))
			failed = append(failed, batch.FailedItem{EntityID: it.EntityID, Reason: batch.TruncateError(err.Error())})
			continue
		}
		generated++
		if err := p.store.AdvanceGenerated(ctx, batchID, generated); err != nil {
			log.Debug("progress update failed", logx.Int("generated", generated), logx.Err(err))
		}
	}

	if err := p.store.AdvanceGenerated(ctx, batchID, generated); err != nil && !errors.Is(err, batch.ErrNotFound) {
		return fmt.Errorf("worker: record progress %s: %w", batchID, err)
	}

	outcome := batch.StatusCompleted
	note := ""
	if len(failed) > 0 {
		outcome = batch.StatusCompletedWithWarnings
		note = warningsNote
	}
	report := &batch.Report{
		BatchID:    batchID,
		Category:   b.Category,
		Status:     batch.StatusCompleted,
		Outcome:    outcome,
		Target:     b.TargetCount,
		Generated:  generated,
		Failed:     failed,
		Note:       note,
		StartedAt:  started,
		FinishedAt: p.now(),
	}
	if err := p.store.PutReport(ctx, report, p.reportTTL); err != nil {
		return fmt.Errorf("worker: store report %s: %w", batchID, err)
	}

	err = p.store.SetStatus(ctx, batchID, batch.StatusCompleted, "", 0)
	switch {
	case err == nil, errors.Is(err, batch.ErrNotFound), errors.Is(err, batch.ErrInvalidTransition):
	default:
		return fmt.Errorf("worker: mark completed %s: %w", batchID, err)
	}
	if err := p.store.Delete(ctx, batchID); err != nil {
		log.Warn("delete completed batch failed; TTL will expire it", logx.Err(err))
	}

	fields := []logx.Field{
		logx.String("category", b.Category.String()),
		logx.Int("target", b.TargetCount),
		logx.Int("generated", generated),
		logx.Int("failed", len(failed)),
		logx.Duration("took", report.FinishedAt.Sub(started)),
	}
	if len(failed) > 0 {
		log.Warn("batch completed with failures", fields...)
	} else {
		log.Info("batch completed", fields...)
	}
	eventbus.Emit(p.bus, eventbus.BatchCompleted, map[string]any{
		"batch_id": batchID, "category": b.Category.String(), "outcome": string(outcome),
		"generated": generated, "failed": len(failed),
	})
	return nil
}

// runItem converts a handler panic into an item error.
func (p *Processor) runItem(ctx context.Context, fn ItemFunc, it batch.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("item processor panicked",
				logx.String("entity", it.EntityID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(ctx, it)
}

func (p *Processor) missing(log logx.Logger, id string) {
	log.Info("batch not found; already processed or expired")
	eventbus.Emit(p.bus, eventbus.BatchMissing, map[string]any{"batch_id": id})
}

// fail marks b failed with cause as its error message and keeps it for
// inspection. The returned error is NoRetry unless the store write failed.
func (p *Processor) fail(ctx context.Context, log logx.Logger, b *batch.Batch, cause error) error {
	msg := batch.TruncateError(cause.Error())
	err := p.store.SetStatus(ctx, b.ID, batch.StatusFailed, msg, p.failedTTL)
	switch {
	case err == nil:
	case errors.Is(err, batch.ErrNotFound), errors.Is(err, batch.ErrInvalidTransition):
		log.Debug("failed batch already gone or finished", logx.Err(err))
		return NoRetry(cause)
	default:
		return fmt.Errorf("worker: mark failed %s: %w", b.ID, err)
	}

	now := p.now()
	report := &batch.Report{
		BatchID:    b.ID,
		Category:   b.Category,
		Status:     batch.StatusFailed,
		Outcome:    batch.StatusFailed,
		Target:     b.TargetCount,
		Error:      msg,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := p.store.PutReport(ctx, report, p.reportTTL); err != nil {
		log.Warn("store failure report failed", logx.Err(err))
	}
	log.Error("batch failed", logx.String("reason", msg))
	eventbus.Emit(p.bus, eventbus.BatchFailed, map[string]any{"batch_id": b.ID, "error": msg})
	return NoRetry(cause)
}
