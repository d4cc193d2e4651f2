// Package trigger sends control commands to the coordinator on a schedule.
// It only triggers; passes run in the coordinator.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tickd/internal/broker"
	"tickd/pkg/logx"
)

const (
	sendTimeout      = 5 * time.Second
	sendWarnThrottle = 5 * time.Second
)

// DefaultCollect is the default run_collector schedule.
const DefaultCollect = "1m"

// Config controls the trigger.
type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
	// Collect schedules run_collector; empty disables it.
	Collect string
	// Sweep schedules sweep; empty disables it.
	Sweep string
	// SkipWhenIdle consults the probe before sending run_collector.
	SkipWhenIdle bool
}

// Validate checks both schedules.
func (c Config) Validate() error {
	for name, spec := range map[string]string{"collect": c.Collect, "sweep": c.Sweep} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := ParseSchedule(spec); err != nil {
			return fmt.Errorf("trigger.%s: %w", name, err)
		}
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger.timezone: %w", err)
		}
	}
	return nil
}

// Probe reports whether anything is due. Collector.HasDue fits.
type Probe func(ctx context.Context) (bool, error)

type Option func(*Service)

func WithProbe(p Probe) Option {
	return func(s *Service) { s.probe = p }
}

type schedule struct {
	name    string
	command string
	spec    string
	entryID cron.EntryID
	spread  time.Duration
	busy    atomic.Bool
}

// ScheduleInfo describes a registered schedule.
type ScheduleInfo struct {
	Name    string
	Command string
	Spec    string
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Fired     uint64
	Skipped   uint64
	Failed    uint64
	Schedules []ScheduleInfo
}

type Service struct {
	applyMu sync.Mutex

	mu    sync.Mutex
	cfg   Config
	br    broker.Broker
	log   logx.Logger
	probe Probe

	c    *cron.Cron
	loc  *time.Location
	ctx  context.Context
	defs []*schedule

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func New(cfg Config, br broker.Broker, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, br: br, log: log, lastWarn: map[string]time.Time{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers the schedules and starts firing. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.log.Info("trigger disabled")
		}
		return nil
	}
	s.startLocked()
	return nil
}

func (s *Service) startLocked() {
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	s.defs = s.defs[:0]
	for _, d := range []*schedule{
		{name: "collect", command: broker.CommandRunCollector, spec: s.cfg.Collect},
		{name: "sweep", command: broker.CommandSweep, spec: s.cfg.Sweep},
	} {
		if strings.TrimSpace(d.spec) == "" {
			continue
		}
		if err := s.addLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
			continue
		}
		s.defs = append(s.defs, d)
		s.log.Info("schedule registered",
			logx.String("name", d.name), logx.String("command", d.command),
			logx.String("spec", d.spec), logx.Duration("spread", d.spread))
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) addLocked(d *schedule) error {
	ps, err := ParseSchedule(d.spec)
	if err != nil {
		return err
	}
	job := cron.FuncJob(func() { s.fire(d) })
	if ps.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(ps.Every, time.Now().In(s.loc), d.name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.entryID, err = s.c.AddJob(ps.Cron, job)
	return err
}

// Stop stops firing and waits for a send in progress until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.ctx = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

// Apply swaps the configuration and re-registers schedules when anything
// that affects them changed.
func (s *Service) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if old == cfg || s.ctx == nil {
		s.mu.Unlock()
		return nil
	}
	prev := s.c
	s.c = nil
	s.mu.Unlock()

	// A running job takes s.mu in fire, so wait for it unlocked.
	if prev != nil {
		<-prev.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.c != nil {
		// Stopped, or started with cfg, while waiting.
		return nil
	}
	if cfg.Enabled {
		s.startLocked()
	} else {
		s.log.Info("trigger disabled")
	}
	return nil
}

// Fire sends the command of the named schedule now.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	var d *schedule
	for _, x := range s.defs {
		if x.name == name {
			d = x
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("trigger: unknown schedule %q", name)
	}
	s.fire(d)
	return nil
}

// fire sends d's command unless the previous send is still running.
func (s *Service) fire(d *schedule) {
	if !d.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return
	}
	defer d.busy.Store(false)

	s.mu.Lock()
	parent, probe, skipIdle := s.ctx, s.probe, s.cfg.SkipWhenIdle
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, sendTimeout)
	defer cancel()

	if d.command == broker.CommandRunCollector && skipIdle && probe != nil {
		due, err := probe(ctx)
		if err != nil {
			s.warn(d.name, "due probe failed; sending anyway", err)
		} else if !due {
			s.skipped.Add(1)
			s.log.Debug("nothing due; trigger skipped", logx.String("schedule", d.name))
			return
		}
	}
	if err := broker.SendCommand(ctx, s.br, d.command); err != nil {
		s.failed.Add(1)
		s.warn(d.name, "trigger send failed", err)
		return
	}
	s.fired.Add(1)
	s.log.Debug("trigger fired", logx.String("schedule", d.name), logx.String("command", d.command))
}

// warn logs at most once per throttle window per schedule.
func (s *Service) warn(name, msg string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < sendWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, logx.String("schedule", name), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled: s.cfg.Enabled,
		Running: s.c != nil,
		Fired:   s.fired.Load(),
		Skipped: s.skipped.Load(),
		Failed:  s.failed.Load(),
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Command: d.command, Spec: d.spec, Spread: d.spread}
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	return snap
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
