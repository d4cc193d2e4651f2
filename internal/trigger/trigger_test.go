package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/broker"
	"tickd/internal/broker/membroker"
	"tickd/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "*/30 * * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every: 00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				require.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "00:75", "cron:", "61 * * * *", "interval:-1m"} {
		_, err := ParseSchedule(raw)
		require.Error(t, err, raw)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Config{Collect: "1m", Sweep: "*/5 * * * *"}.Validate())
	require.NoError(t, Config{}.Validate())
	require.Error(t, Config{Sweep: "sometimes"}.Validate())
	require.Error(t, Config{Collect: "1m", Timezone: "Mars/Olympus"}.Validate())
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "collect")
	require.GreaterOrEqual(t, jitter, time.Duration(0))
	require.Less(t, jitter, 30*time.Second)
	first := sched.Next(now)
	require.Equal(t, now.Add(time.Minute+jitter), first)
	require.Equal(t, first.Add(time.Minute), sched.Next(first))
}

func TestServiceSendsCommands(t *testing.T) {
	t.Parallel()
	br := membroker.New()
	s := New(Config{Enabled: true, Collect: "20ms"}, br, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return br.Len(broker.CommandQueue) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cmd, err := broker.DecodeCommand(br.Bodies(broker.CommandQueue)[0])
	require.NoError(t, err)
	require.Equal(t, broker.CommandRunCollector, cmd.Name)

	snap := s.Snapshot()
	require.True(t, snap.Running)
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, "collect", snap.Schedules[0].Name)
}

func TestFireSkipsWhenNothingDue(t *testing.T) {
	t.Parallel()
	br := membroker.New()
	due := false
	s := New(Config{Enabled: true, Collect: "1h", Sweep: "1h", SkipWhenIdle: true}, br, logx.Nop(),
		WithProbe(func(context.Context) (bool, error) { return due, nil }))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.NoError(t, s.Fire("collect"))
	require.Zero(t, br.Len(broker.CommandQueue))

	// The sweep is not gated by the probe.
	require.NoError(t, s.Fire("sweep"))
	require.Equal(t, 1, br.Len(broker.CommandQueue))

	due = true
	require.NoError(t, s.Fire("collect"))
	require.Equal(t, 2, br.Len(broker.CommandQueue))
	require.Error(t, s.Fire("nope"))

	snap := s.Snapshot()
	require.EqualValues(t, 2, snap.Fired)
	require.EqualValues(t, 1, snap.Skipped)
}

func TestFireCountsSendFailures(t *testing.T) {
	t.Parallel()
	br := membroker.New()
	br.FailPublish(func(string, []byte) error { return errors.New("connection reset") })
	s := New(Config{Enabled: true, Collect: "1h"}, br, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.NoError(t, s.Fire("collect"))
	require.EqualValues(t, 1, s.Snapshot().Failed)
}

func TestApplyReschedules(t *testing.T) {
	t.Parallel()
	br := membroker.New()
	s := New(Config{Enabled: false, Collect: "1h"}, br, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	require.False(t, s.Snapshot().Running)

	require.NoError(t, s.Apply(Config{Enabled: true, Collect: "1h", Sweep: "*/10 * * * *"}))
	snap := s.Snapshot()
	require.True(t, snap.Running)
	require.Len(t, snap.Schedules, 2)
	require.False(t, snap.Schedules[1].Next.IsZero())

	require.Error(t, s.Apply(Config{Enabled: true, Collect: "whenever"}))
	require.Len(t, s.Snapshot().Schedules, 2)

	require.NoError(t, s.Apply(Config{Enabled: false}))
	require.False(t, s.Snapshot().Running)
}

func TestApplyWaitsForRunningJobUnlocked(t *testing.T) {
	t.Parallel()
	br := membroker.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	probe := func(context.Context) (bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return true, nil
	}
	s := New(Config{Enabled: true, Collect: "10ms", SkipWhenIdle: true}, br, logx.Nop(), WithProbe(probe))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	<-entered

	applied := make(chan error, 1)
	go func() { applied <- s.Apply(Config{Enabled: true, Collect: "1h"}) }()
	time.Sleep(20 * time.Millisecond)

	snapped := make(chan Snapshot, 1)
	go func() { snapped <- s.Snapshot() }()
	select {
	case <-snapped:
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked while Apply waited for the running job")
	}

	close(release)
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Apply did not return")
	}
	snap := s.Snapshot()
	require.True(t, snap.Running)
	require.Equal(t, "1h", snap.Schedules[0].Spec)
}
