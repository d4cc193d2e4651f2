package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickd/internal/broker"
	"tickd/internal/runtime/supervisor"
	"tickd/pkg/logx"
)

const ackTimeout = 5 * time.Second

// Start launches the command loop and, when configured, the periodic
// sweep. It is idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.deps.Broker == nil {
		return errors.New("coordinator: broker is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShuttingDown {
		return ErrShutdown
	}
	if c.sup != nil {
		return nil
	}
	c.sup = supervisor.New(ctx,
		supervisor.WithLogger(c.log),
		supervisor.WithCancelOnError(false),
	)
	c.sup.GoRestart("commands", c.loop, supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	if c.cfg.SweepInterval > 0 {
		c.sup.Go0("sweep.periodic", c.sweepEvery)
	}
	c.log.Info("coordinator started",
		logx.String("queue", broker.CommandQueue), logx.Duration("sweep_every", c.cfg.SweepInterval))
	return nil
}

// Stop shuts down and waits for background tasks until ctx is done.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.shutdown("stop")
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("coordinator: stop: %w", err)
	}
	return nil
}

// shutdown enters shutting_down and cancels every tracked task. It does
// not wait, so the command loop may call it.
func (c *Coordinator) shutdown(reason string) {
	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	sup := c.sup
	close(c.done)
	c.mu.Unlock()

	c.log.Info("coordinator shutting down", logx.String("reason", reason))
	if sup != nil {
		sup.Cancel()
	}
}

// loop receives control commands until shutdown. A returned error makes
// the supervisor restart it.
func (c *Coordinator) loop(ctx context.Context) error {
	for {
		d, err := c.deps.Broker.Receive(ctx, broker.CommandQueue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive commands: %w", err)
		}
		c.commands.Add(1)

		cmd, derr := broker.DecodeCommand(d.Body())
		if derr != nil {
			c.badCommands.Add(1)
			c.log.Warn("ignoring malformed command", logx.Err(derr))
		} else {
			c.dispatchCommand(ctx, cmd)
		}

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		if err := d.Ack(actx); err != nil {
			c.log.Warn("ack command failed", logx.Err(err))
		}
		cancel()

		if c.shutDown() {
			return nil
		}
	}
}

// dispatchCommand isolates a command handler panic from the loop.
func (c *Coordinator) dispatchCommand(ctx context.Context, cmd broker.Command) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command handler panicked", logx.String("command", cmd.Name), logx.Any("panic", r))
		}
	}()
	if err := c.HandleCommand(ctx, cmd); err != nil && !errors.Is(err, ErrBusy) {
		c.log.Warn("command failed", logx.String("command", cmd.Name), logx.Err(err))
	}
}

// HandleCommand acts on one control command. run_collector and sweep start
// tracked background tasks and return without waiting; a run_collector
// that arrives during a pass returns ErrBusy. Unknown commands are logged
// and ignored.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd broker.Command) error {
	switch cmd.Name {
	case broker.CommandRunCollector:
		if err := c.admit(SourceCommand); err != nil {
			return err
		}
		if !c.spawn(ctx, "pass", func(ctx context.Context) {
			defer c.passGate.release()
			_, _ = c.pass(ctx, SourceCommand)
		}) {
			c.passGate.release()
			return ErrShutdown
		}
		return nil

	case broker.CommandSweep:
		if c.shutDown() {
			return ErrShutdown
		}
		if !c.sweepGate.tryAcquire() {
			c.log.Debug("sweep already running; request ignored")
			return nil
		}
		if !c.spawn(ctx, "sweep", func(ctx context.Context) {
			defer c.sweepGate.release()
			_, _ = c.sweep(ctx)
		}) {
			c.sweepGate.release()
			return ErrShutdown
		}
		return nil

	case broker.CommandShutdown:
		c.shutdown("command")
		return nil

	default:
		c.badCommands.Add(1)
		c.log.Warn("ignoring unknown command", logx.String("command", cmd.Name))
		return nil
	}
}

// spawn runs fn under the coordinator's supervisor, or synchronously on
// ctx when Start was never called.
func (c *Coordinator) spawn(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	c.mu.Lock()
	sup, down := c.sup, c.state == StateShuttingDown
	c.mu.Unlock()
	if down {
		return false
	}
	if sup == nil {
		fn(ctx)
		return true
	}
	sup.Go0(name, fn)
	return true
}

func (c *Coordinator) sweepEvery(ctx context.Context) {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !c.sweepGate.tryAcquire() {
			continue
		}
		_, _ = c.sweep(ctx)
		c.sweepGate.release()
	}
}
