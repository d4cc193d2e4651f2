package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tickd/internal/batch"
	"tickd/internal/batcher"
	"tickd/internal/broker"
	"tickd/internal/category"
	"tickd/internal/dispatcher"
	"tickd/internal/eventbus"
	"tickd/internal/lease"
	"tickd/internal/runtime/supervisor"
	"tickd/internal/storage"
	"tickd/pkg/logx"
)

var (
	// ErrBusy is returned when a pass is already running, here or, with a
	// lease configured, in another process.
	ErrBusy = errors.New("coordinator: pass already running")
	// ErrShutdown is returned after shutdown.
	ErrShutdown = errors.New("coordinator: shut down")
)

type State string

const (
	StateIdle         State = "idle"
	StateCollecting   State = "collecting"
	StateDispatching  State = "dispatching"
	StateShuttingDown State = "shutting_down"
)

const (
	DefaultStaleAfter  = 15 * time.Minute
	DefaultPassTimeout = 5 * time.Minute
)

// Collector yields due work grouped by category.
type Collector interface {
	Collect(ctx context.Context) (map[category.Category][]batch.WorkItem, error)
}

// Batcher persists chunks of work and returns refs for the written batches.
type Batcher interface {
	Build(ctx context.Context, items map[category.Category][]batch.WorkItem, size int) []batch.Ref
}

// Dispatcher publishes batch refs.
type Dispatcher interface {
	Dispatch(ctx context.Context, refs []batch.Ref) dispatcher.Result
}

// PassLog records finished passes. storage.Store satisfies it.
type PassLog interface {
	AppendPass(ctx context.Context, e storage.PassEntry) error
}

// Deps are the collaborators of a Coordinator. Batches is required for
// sweeps, Broker for the command loop. Passes, Lease and Bus are optional.
type Deps struct {
	Collector  Collector
	Batcher    Batcher
	Dispatcher Dispatcher
	Batches    batch.Store
	Broker     broker.Broker
	Passes     PassLog
	Lease      lease.Lease
	Bus        eventbus.Bus
}

type Config struct {
	BatchSize int
	// PassTimeout bounds one pass.
	PassTimeout time.Duration
	// SweepInterval runs a sweep periodically; 0 disables it.
	SweepInterval time.Duration
	// StaleAfter is the age after which a batch still in initiation is
	// re-dispatched by a sweep. It should exceed the dispatcher's dedup window.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = batcher.DefaultSize
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = DefaultPassTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = 0
	}
	return c
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type Coordinator struct {
	deps Deps
	cfg  Config
	log  logx.Logger
	now  func() time.Time

	passGate  gate
	sweepGate gate

	mu        sync.Mutex
	state     State
	sup       *supervisor.Supervisor
	done      chan struct{}
	lastPass  *PassResult
	lastSweep *SweepResult

	passes      atomic.Uint64
	passErrors  atomic.Uint64
	skipped     atomic.Uint64
	sweeps      atomic.Uint64
	commands    atomic.Uint64
	badCommands atomic.Uint64
}

func New(deps Deps, cfg Config, log logx.Logger, opts ...Option) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Lease == nil {
		deps.Lease = lease.Nop{}
	}
	c := &Coordinator{
		deps:  deps,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
		state: StateIdle,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState moves between the working states; shutting_down is final.
func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	if c.state != StateShuttingDown {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Coordinator) shutDown() bool {
	return c.State() == StateShuttingDown
}

// Done is closed once the coordinator has been shut down.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Snapshot is a view for operators and tests.
type Snapshot struct {
	State       State               `json:"state"`
	Passing     bool                `json:"passing"`
	Passes      uint64              `json:"passes"`
	PassErrors  uint64              `json:"pass_errors"`
	Skipped     uint64              `json:"skipped"`
	Sweeps      uint64              `json:"sweeps"`
	Commands    uint64              `json:"commands"`
	BadCommands uint64              `json:"bad_commands"`
	LastPass    *PassResult         `json:"last_pass,omitempty"`
	LastSweep   *SweepResult        `json:"last_sweep,omitempty"`
	Tasks       supervisor.Snapshot `json:"tasks"`
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:     c.state,
		LastPass:  c.lastPass,
		LastSweep: c.lastSweep,
		Tasks:     c.sup.Snapshot(),
	}
	c.mu.Unlock()
	s.Passing = c.passGate.locked()
	s.Passes = c.passes.Load()
	s.PassErrors = c.passErrors.Load()
	s.Skipped = c.skipped.Load()
	s.Sweeps = c.sweeps.Load()
	s.Commands = c.commands.Load()
	s.BadCommands = c.badCommands.Load()
	return s
}
