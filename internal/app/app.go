package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tickd/internal/batch"
	"tickd/internal/batcher"
	"tickd/internal/broker"
	"tickd/internal/collector"
	"tickd/internal/config"
	"tickd/internal/coordinator"
	"tickd/internal/dispatcher"
	"tickd/internal/eventbus"
	"tickd/internal/runtime/supervisor"
	"tickd/internal/trigger"
	"tickd/internal/worker"
	"tickd/pkg/logx"
)

// Role selects which halves of the pipeline a process runs.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// ParseRoles maps role names; empty input selects every role.
func ParseRoles(names []string) ([]Role, error) {
	if len(names) == 0 {
		return []Role{RoleCoordinator, RoleWorker}, nil
	}
	out := make([]Role, 0, len(names))
	for _, n := range names {
		switch r := Role(strings.ToLower(strings.TrimSpace(n))); r {
		case RoleCoordinator, RoleWorker:
			out = append(out, r)
		default:
			return nil, fmt.Errorf("unknown role %q", n)
		}
	}
	return out, nil
}

type App struct {
	roles map[Role]bool

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	cl   *Clients

	collector  *collector.Collector
	dispatcher *dispatcher.Dispatcher
	coord      *coordinator.Coordinator
	trig       *trigger.Service

	pool *worker.Pool
	cons *worker.Consumer

	exporter *eventbus.Exporter

	stopped atomic.Bool
}

// NewApp loads cfgPath and wires the components for roles. No roles means
// all of them.
func NewApp(cfgPath string, roles ...Role) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logs, log := logx.NewService(mapLogConfig(cfg))
	cl, err := OpenClients(cfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return build(cfgm, cfg, logs, log, cl, roles, worker.DefaultHandlers(cl.Store)), nil
}

func build(cfgm *config.Manager, cfg *config.Config, logs *logx.Service, root logx.Logger, cl *Clients, roles []Role, handlers worker.Handlers) *App {
	if len(roles) == 0 {
		roles = []Role{RoleCoordinator, RoleWorker}
	}
	a := &App{
		roles: map[Role]bool{},
		cfgm:  cfgm,
		log:   root.Component("app"),
		logs:  logs,
		bus:   eventbus.New(),
		cl:    cl,
	}
	for _, r := range roles {
		a.roles[r] = true
	}

	if len(a.roles) == 1 && RequireShared("broker", cfg.Broker.Driver) != nil {
		a.log.Warn("single-role process on a process-local broker; nothing will cross to the other role",
			logx.String("broker", cfg.Broker.Driver))
	}

	if a.roles[RoleWorker] {
		a.pool = worker.NewPool(mapPoolConfig(cfg), root.Component("pool"), a.bus)
		proc := worker.NewProcessor(cl.Batches, handlers, mapProcessorConfig(cfg),
			root.Component("processor"), worker.WithProcessorBus(a.bus))
		a.cons = worker.NewConsumer(cl.Broker, a.pool, proc, mapConsumerConfig(cfg), root.Component("consumer"))
	}

	if a.roles[RoleCoordinator] {
		a.collector = collector.New(cl.Store, mapCollectorConfig(cfg), root.Component("collector"))
		a.dispatcher = dispatcher.New(cl.Broker, mapDispatcherConfig(cfg), root.Component("dispatcher"),
			dispatcher.WithBus(a.bus))
		a.coord = coordinator.New(coordinator.Deps{
			Collector:  a.collector,
			Batcher:    batcher.New(cl.Batches, mapBatcherConfig(cfg), root.Component("batcher"), batcher.WithBus(a.bus)),
			Dispatcher: a.dispatcher,
			Batches:    cl.Batches,
			Broker:     cl.Broker,
			Passes:     cl.Store,
			Lease:      cl.Lease,
			Bus:        a.bus,
		}, mapCoordinatorConfig(cfg), root.Component("coordinator"))
		a.trig = trigger.New(cfg.TriggerConfig(), cl.Broker, root.Component("trigger"),
			trigger.WithProbe(a.collector.HasDue))
	}

	if kc, ok := mapKafkaConfig(cfg); ok {
		a.exporter = eventbus.NewExporter(kc, eventbus.NewKafkaWriter(kc), root.Component("events"))
	}
	return a
}

func (a *App) Roles() []Role {
	out := make([]Role, 0, len(a.roles))
	for _, r := range []Role{RoleCoordinator, RoleWorker} {
		if a.roles[r] {
			out = append(out, r)
		}
	}
	return out
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger     { return a.log }
func (a *App) Bus() eventbus.Bus       { return a.bus }
func (a *App) Batches() batch.Store    { return a.cl.Batches }
func (a *App) Broker() broker.Broker   { return a.cl.Broker }

// Coordinator is nil unless the coordinator role is enabled.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Done is closed when the app supervisor context is canceled: a fatal
// error, a shutdown command, or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ShutdownRequested reports whether the coordinator received a shutdown
// command.
func (a *App) ShutdownRequested() bool {
	return a.coord != nil && a.coord.State() == coordinator.StateShuttingDown
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reject reloads that touch sections only a restart can apply, so the
	// committed config always describes what is running.
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cold := config.NeedsRestart(config.Changed(a.cfgm.Get(), cfg)); len(cold) > 0 {
			return fmt.Errorf("restart required to change %s", strings.Join(cold, ","))
		}
		return nil
	})

	// Workers first, so the first dispatched batch has a consumer. The
	// supervisor context only stops their receive loops; batches already
	// running are drained by Stop.
	if a.cons != nil {
		a.cons.Start(a.sup.Context())
	}
	if a.coord != nil {
		if err := a.coord.Start(a.sup.Context()); err != nil {
			return err
		}
		coord := a.coord
		a.sup.Go0("coordinator.watch", func(c context.Context) {
			select {
			case <-c.Done():
			case <-coord.Done():
				a.log.Info("coordinator shut down by command; stopping app")
				a.sup.Cancel()
			}
		})
	}
	if a.trig != nil {
		if err := a.trig.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.exporter != nil {
		a.sup.GoRestart("events.kafka", func(c context.Context) error {
			return a.exporter.Run(c, a.bus)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.apply(applied, next)
				applied = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Any("roles", a.Roles()))
	return nil
}

// apply pushes the hot sections of next into the running components.
func (a *App) apply(prev, next *config.Config) {
	changed := config.Changed(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range changed {
		switch s {
		case "logging":
			if a.logs != nil {
				a.logs.Apply(mapLogConfig(next))
			}
		case "dispatcher":
			if a.dispatcher != nil {
				a.dispatcher.SetRate(next.Dispatcher.Rate, next.Dispatcher.Burst)
			}
		case "trigger":
			if a.trig != nil {
				if err := a.trig.Apply(next.TriggerConfig()); err != nil {
					a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
				}
			}
		}
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}

// Stop is safe to call more than once; later calls return nil.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if a.sup == nil {
		return a.cl.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Stop producing work before stopping the consumers of it.
	step("trigger", time.Second, func(c context.Context) error {
		if a.trig != nil {
			a.trig.Stop(c)
		}
		return nil
	})
	step("coordinator", 5*time.Second, func(c context.Context) error {
		if a.coord != nil {
			return a.coord.Stop(c)
		}
		return nil
	})
	step("consumer", 10*time.Second, func(c context.Context) error {
		if a.cons != nil {
			a.cons.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("events", 2*time.Second, func(context.Context) error {
		if a.exporter != nil {
			return a.exporter.Close()
		}
		return nil
	})
	step("clients", 2*time.Second, func(context.Context) error { return a.cl.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
