package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tickd/internal/batch"
	"tickd/internal/broker"
	"tickd/internal/category"
	"tickd/internal/runtime/supervisor"
	"tickd/pkg/logx"
)

const settleTimeout = 5 * time.Second

type ConsumerConfig struct {
	// Categories selects the queues to drain. Empty means all of them.
	Categories category.Set
	// PerQueue is the number of receive loops per queue.
	PerQueue int
}

// Consumer drains the category queues into the pool and settles each
// delivery with the job's outcome: success or a permanent failure acks,
// anything else nacks so the broker redelivers or dead-letters.
type Consumer struct {
	br   broker.Broker
	pool *Pool
	proc *Processor
	cfg  ConsumerConfig
	log  logx.Logger

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewConsumer(br broker.Broker, pool *Pool, proc *Processor, cfg ConsumerConfig, log logx.Logger) *Consumer {
	if cfg.Categories.Empty() {
		cfg.Categories = category.NewSet(category.All()...)
	}
	if cfg.PerQueue <= 0 {
		cfg.PerQueue = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{br: br, pool: pool, proc: proc, cfg: cfg, log: log}
}

// Start starts the pool and one receive loop per queue and slot. Canceling
// ctx stops receiving only; running batches finish and Stop drains them.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.pool.Start(context.WithoutCancel(ctx))
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log), supervisor.WithCancelOnError(false))
	for _, cat := range c.cfg.Categories.Members() {
		for i := 0; i < c.cfg.PerQueue; i++ {
			cat := cat
			c.sup.GoRestart(fmt.Sprintf("consume.%s.%d", cat.Queue(), i), func(ctx context.Context) error {
				return c.consume(ctx, cat)
			}, supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
		}
	}
	c.log.Info("consumers started",
		logx.String("queues", c.cfg.Categories.String()), logx.Int("per_queue", c.cfg.PerQueue))
}

// Stop stops receiving first, then drains the pool until ctx is done.
func (c *Consumer) Stop(ctx context.Context) {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("consumer stop incomplete", logx.Err(err))
		}
	}
	c.pool.Stop(ctx)
}

// consume returns nil on shutdown and an error for the supervisor to back
// off and restart on.
func (c *Consumer) consume(ctx context.Context, cat category.Category) error {
	queue := cat.Queue()
	for {
		if open, until := c.pool.CircuitOpen(cat); open {
			c.log.Debug("circuit open; pausing queue", logx.String("queue", queue), logx.Time("until", until))
			if !sleep(ctx, time.Until(until)) {
				return nil
			}
			continue
		}

		d, err := c.br.Receive(ctx, queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive %s: %w", queue, err)
		}

		ref, err := batch.DecodeMessage(queue, d.Body())
		if err == nil && ref.Category != cat {
			err = fmt.Errorf("%w: category %s on queue %s", batch.ErrInvalidMessage, ref.Category, queue)
		}
		if err != nil {
			c.log.Warn("dead-lettering invalid message", logx.String("queue", queue), logx.Err(err))
			c.settle(d, NoRetry(err), true)
			continue
		}

		job := Job{
			ID:       ref.BatchID,
			Category: cat,
			Run:      func(ctx context.Context) error { return c.proc.Process(ctx, ref.BatchID) },
			Done:     func(err error) { c.settle(d, err, false) },
		}
		err = c.pool.TrySubmit(job)
		if errors.Is(err, ErrQueueFull) {
			err = c.pool.Submit(ctx, job)
		}
		if err != nil {
			c.settle(d, err, false)
			if errors.Is(err, ErrPoolStopped) || ctx.Err() != nil {
				return nil
			}
		}
	}
}

// settle acks, nacks or dead-letters d. It runs on its own context so
// shutdown does not leave deliveries unsettled.
func (c *Consumer) settle(d broker.Delivery, err error, dead bool) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	var serr error
	switch {
	case dead:
		serr = d.DeadLetter(ctx, err.Error())
	case err == nil, IsNoRetry(err):
		serr = d.Ack(ctx)
	default:
		serr = d.Nack(ctx, err.Error())
	}
	if serr != nil {
		c.log.Warn("settle delivery failed", logx.String("queue", d.Queue()), logx.Err(serr))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
