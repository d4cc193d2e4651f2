package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/category"
	"tickd/pkg/logx"
)

func fastConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     8,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := NewPool(cfg, logx.Nop(), nil)
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func submitWait(t *testing.T, p *Pool, j Job) error {
	t.Helper()
	done := make(chan error, 1)
	j.Done = func(err error) { done <- err }
	require.NoError(t, p.Submit(context.Background(), j))
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("job %q did not finish", j.ID)
		return nil
	}
}

func TestPoolRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	p := startPool(t, fastConfig())

	var calls atomic.Int32
	err := submitWait(t, p, Job{ID: "j1", Category: category.Training, Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("redis timeout")
		}
		return nil
	}})
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())

	snap := p.Snapshot()
	require.EqualValues(t, 1, snap.Completed)
	require.Len(t, snap.History, 1)
	require.Equal(t, 3, snap.History[0].Attempts)
}

func TestPoolStopsOnNoRetry(t *testing.T) {
	t.Parallel()
	p := startPool(t, fastConfig())

	var calls atomic.Int32
	err := submitWait(t, p, Job{Category: category.Crafting, Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad specs"))
	}})
	require.True(t, IsNoRetry(err))
	require.EqualValues(t, 1, calls.Load())
}

func TestPoolGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	p := startPool(t, fastConfig())
	var calls atomic.Int32
	err := submitWait(t, p, Job{Category: category.Crafting, Run: func(context.Context) error {
		calls.Add(1)
		return RetryAfter(errors.New("busy"), time.Millisecond)
	}})
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = -1
	p := startPool(t, cfg)
	err := submitWait(t, p, Job{Category: category.Exploration, Run: func(context.Context) error { panic("boom") }})
	require.ErrorContains(t, err, "panic: boom")

	// The worker survived.
	require.NoError(t, submitWait(t, p, Job{Category: category.Exploration, Run: func(context.Context) error { return nil }}))
}

func TestPoolCircuitOpensPerCategory(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = -1
	cfg.CircuitTripFailures = 2
	cfg.CircuitBaseDelay = time.Minute
	p := startPool(t, cfg)

	fail := func(context.Context) error { return errors.New("store down") }
	require.Error(t, submitWait(t, p, Job{Category: category.Training, Run: fail}))
	require.Error(t, submitWait(t, p, Job{Category: category.Training, Run: fail}))

	open, until := p.CircuitOpen(category.Training)
	require.True(t, open)
	require.True(t, until.After(time.Now()))
	require.ErrorIs(t, p.Submit(context.Background(), Job{Category: category.Training, Run: fail}), ErrCircuitOpen)

	open, _ = p.CircuitOpen(category.Crafting)
	require.False(t, open)
	require.Equal(t, 1, p.Snapshot().CircuitOpen)
}

func TestPoolNoRetryDoesNotTripCircuit(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.CircuitTripFailures = 1
	p := startPool(t, cfg)
	_ = submitWait(t, p, Job{Category: category.Training, Run: func(context.Context) error { return NoRetry(errors.New("bad")) }})
	open, _ := p.CircuitOpen(category.Training)
	require.False(t, open)
}

func TestPoolCategoryLimit(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Workers = 4
	cfg.CategoryLimit = 1
	p := startPool(t, cfg)

	var running, peak atomic.Int32
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(context.Background(), Job{
			Category: category.Crafting,
			Run: func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			},
			Done: func(err error) { done <- err },
		}))
	}
	for i := 0; i < 4; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}
	require.EqualValues(t, 1, peak.Load())
}

func TestPoolStoppedRefusesJobs(t *testing.T) {
	t.Parallel()
	p := NewPool(fastConfig(), logx.Nop(), nil)
	require.ErrorIs(t, p.Submit(context.Background(), Job{Run: func(context.Context) error { return nil }}), ErrPoolStopped)

	p.Start(context.Background())
	require.Error(t, p.Submit(context.Background(), Job{}))
	p.Stop(context.Background())
	require.ErrorIs(t, p.TrySubmit(Job{Run: func(context.Context) error { return nil }}), ErrPoolStopped)
	require.False(t, p.Snapshot().Running)
}

func TestPoolTrySubmitQueueFull(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	p := startPool(t, cfg)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), Job{Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.TrySubmit(Job{Run: func(context.Context) error { return nil }}))
	require.ErrorIs(t, p.TrySubmit(Job{Run: func(context.Context) error { return nil }}), ErrQueueFull)
	close(block)
}

func TestPoolStopDrainsRunningJobs(t *testing.T) {
	t.Parallel()
	p := NewPool(fastConfig(), logx.Nop(), nil)
	p.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, p.Submit(context.Background(), Job{
		Category: category.Crafting,
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return ctx.Err()
		},
		Done: func(err error) { done <- err },
	}))
	<-started

	stopped := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	<-stopped
	require.EqualValues(t, 1, p.Snapshot().Completed)
}

func TestPoolStopCancelsJobsAfterDeadline(t *testing.T) {
	t.Parallel()
	p := NewPool(fastConfig(), logx.Nop(), nil)
	p.Start(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, p.Submit(context.Background(), Job{
		Category: category.Crafting,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Done: func(err error) { done <- err },
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p.Stop(ctx)
	// The retry wait sees both the stop and the cancellation.
	err := <-done
	require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrPoolStopped), err)
}
