package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"tickd/internal/category"
	"tickd/internal/eventbus"
	"tickd/internal/runtime/supervisor"
	"tickd/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	stopGrace         = time.Second
)

// Config controls the in-process execution pool.
type Config struct {
	Workers   int
	QueueSize int

	// Timeout bounds one attempt of a job; 0 means no limit.
	Timeout time.Duration

	// RetryMax is the number of retries after the first attempt.
	// 0 applies the default; negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CategoryLimit caps concurrent jobs per category; 0 disables it.
	CategoryLimit int

	// Circuit breaker on consecutive transient failures per category.
	// CircuitTripFailures < 0 disables it; 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.CategoryLimit < 0 {
		c.CategoryLimit = 0
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Job is one unit of work for the pool. Done, if set, is called exactly
// once with the final result, including when the pool drops the job.
type Job struct {
	ID       string
	Category category.Category
	Run      func(ctx context.Context) error
	Done     func(err error)

	enqueuedAt time.Time
}

type HistoryItem struct {
	ID         string
	Category   category.Category
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// JobEvent is published on the bus when a job finishes.
type JobEvent struct {
	ID       string        `json:"id"`
	Category string        `json:"category"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running      bool
	Workers      int
	QueueLen     int
	QueueCap     int
	InFlight     int
	Completed    uint64
	Failed       uint64
	Dropped      uint64
	CircuitTotal int
	CircuitOpen  int
	History      []HistoryItem
}

// Pool runs jobs on a fixed set of supervised workers with retries,
// per-category concurrency limits and a per-category circuit breaker.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	q       chan *Job
	sup     *supervisor.Supervisor
	stopCh  chan struct{}
	running bool

	circuits *circuits
	groupMu  sync.Mutex
	groups   map[category.Category]chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	inFlight  atomic.Int32
	idSeq     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	lastFullWarnAt atomic.Int64
}

func NewPool(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		circuits: newCircuits(cfg),
		groups:   map[category.Category]chan struct{}{},
	}
}

// Supervisor returns the pool's supervisor, nil when stopped.
func (p *Pool) Supervisor() *supervisor.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	q := make(chan *Job, cfg.QueueSize)
	stopCh := make(chan struct{})
	sup := supervisor.New(ctx,
		supervisor.WithLogger(p.log.Component("worker.pool")),
		// A failing worker must not take the pool down.
		supervisor.WithCancelOnError(false),
	)
	p.q, p.stopCh, p.sup, p.running = q, stopCh, sup, true
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.work(c, stopCh, q, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops taking jobs and lets running ones finish. Jobs still running
// when ctx is done are canceled. Queued jobs fail with ErrPoolStopped.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	sup, q := p.sup, p.q
	p.mu.Unlock()

	err := sup.Wait(ctx)
	if ctx.Err() != nil {
		p.log.Warn("worker pool drain deadline reached; canceling running jobs",
			logx.Int("in_flight", int(p.inFlight.Load())))
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		err = sup.Wait(wctx)
		cancel()
	}
	sup.Cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("worker pool stop incomplete", logx.Err(err))
	}
	for {
		select {
		case j := <-q:
			p.dropped.Add(1)
			p.finish(j, ErrPoolStopped)
		default:
			p.mu.Lock()
			p.sup = nil
			p.mu.Unlock()
			p.log.Info("worker pool stopped")
			return
		}
	}
}

// CircuitOpen reports whether jobs for c are currently refused.
func (p *Pool) CircuitOpen(c category.Category) (bool, time.Time) {
	return p.circuits.open(time.Now(), c)
}

// TrySubmit enqueues j without blocking.
func (p *Pool) TrySubmit(j Job) error {
	q, _, err := p.admit(&j)
	if err != nil {
		return err
	}
	select {
	case q <- &j:
		return nil
	default:
		p.warnFull(q)
		return ErrQueueFull
	}
}

// Submit enqueues j and blocks until it is accepted, ctx is done or the
// pool stops. On error j.Done is not called.
func (p *Pool) Submit(ctx context.Context, j Job) error {
	q, stopCh, err := p.admit(&j)
	if err != nil {
		return err
	}
	select {
	case q <- &j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrPoolStopped
	}
}

func (p *Pool) admit(j *Job) (chan *Job, chan struct{}, error) {
	if j.Run == nil {
		return nil, nil, errors.New("worker: job Run is nil")
	}
	p.mu.Lock()
	q, stopCh, running := p.q, p.stopCh, p.running
	p.mu.Unlock()
	if !running {
		return nil, nil, ErrPoolStopped
	}
	now := time.Now()
	if open, until := p.circuits.open(now, j.Category); open {
		p.log.Debug("job refused: circuit open",
			logx.String("category", j.Category.String()), logx.Time("until", until))
		return nil, nil, ErrCircuitOpen
	}
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), p.idSeq.Add(1))
	}
	j.enqueuedAt = now
	return q, stopCh, nil
}

func (p *Pool) warnFull(q chan *Job) {
	now := time.Now().UnixNano()
	prev := p.lastFullWarnAt.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return
	}
	if p.lastFullWarnAt.CompareAndSwap(prev, now) {
		p.log.Warn("worker queue full", logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	}
}

// group returns the semaphore for c, or nil when unlimited.
func (p *Pool) group(c category.Category) chan struct{} {
	if p.cfg.CategoryLimit <= 0 {
		return nil
	}
	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	g := p.groups[c]
	if g == nil {
		g = make(chan struct{}, p.cfg.CategoryLimit)
		p.groups[c] = g
	}
	return g
}

func (p *Pool) work(ctx context.Context, stopCh <-chan struct{}, q chan *Job, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-q:
			g := p.group(j.Category)
			if g != nil {
				select {
				case g <- struct{}{}:
				default:
					// Category at capacity: requeue and let this worker pick other work.
					select {
					case q <- j:
					default:
						p.dropped.Add(1)
						p.finish(j, ErrQueueFull)
					}
					t := time.NewTimer(10 * time.Millisecond)
					select {
					case <-ctx.Done():
					case <-stopCh:
					case <-t.C:
					}
					t.Stop()
					continue
				}
			}
			p.inFlight.Add(1)
			p.exec(ctx, stopCh, j, rng)
			p.inFlight.Add(-1)
			if g != nil {
				<-g
			}
		}
	}
}

func (p *Pool) exec(ctx context.Context, stopCh <-chan struct{}, j *Job, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(j.enqueuedAt), 0)
	cfg := p.cfg
	log := p.log.With(logx.String("job", j.ID), logx.String("category", j.Category.String()))

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		attempts = attempt
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err = p.runJob(runCtx, log, j)
		cancel()
		if err == nil || IsNoRetry(err) || attempt > cfg.RetryMax {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			t.Stop()
			err = ErrPoolStopped
			break attemptLoop
		case <-t.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Category: j.Category, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := JobEvent{ID: j.ID, Category: j.Category.String(), Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		p.failed.Add(1)
		log.Warn("job failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		eventbus.Emit(p.bus, eventbus.JobFailed, ev)
	} else {
		p.completed.Add(1)
		log.Debug("job finished", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		eventbus.Emit(p.bus, eventbus.JobFinished, ev)
	}

	// Permanent data errors say nothing about the health of the category.
	cerr := err
	if IsNoRetry(err) {
		cerr = nil
	}
	p.circuits.record(time.Now(), j.Category, cerr)
	p.remember(item)
	p.finish(j, err)
}

// runJob converts a panic into an error so a bad job cannot kill its worker.
func (p *Pool) runJob(ctx context.Context, log logx.Logger, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", logx.Any("panic", r))
		}
	}()
	return j.Run(ctx)
}

func (p *Pool) finish(j *Job, err error) {
	if j.Done != nil {
		j.Done(err)
	}
}

func (p *Pool) remember(item HistoryItem) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.history = append(p.history, item)
	if n := p.cfg.HistorySize; len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	q, running := p.q, p.running
	p.mu.Unlock()

	s := Snapshot{
		Running:   running,
		Workers:   p.cfg.Workers,
		InFlight:  int(p.inFlight.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
	if q != nil {
		s.QueueLen, s.QueueCap = len(q), cap(q)
	}
	s.CircuitTotal, s.CircuitOpen = p.circuits.snapshot(time.Now())

	p.hmu.Lock()
	s.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return s
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
