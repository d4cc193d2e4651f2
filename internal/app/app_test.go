package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/batch"
	"tickd/internal/batch/memstore"
	"tickd/internal/broker"
	"tickd/internal/broker/membroker"
	"tickd/internal/category"
	"tickd/internal/config"
	"tickd/internal/coordinator"
	"tickd/internal/lease"
	"tickd/internal/storage"
	"tickd/internal/worker"
	"tickd/pkg/logx"
)

const baseConfig = `{
  "trigger": {"enabled": false},
  "worker": {"workers": 2, "retry_base": "1ms", "retry_max_delay": "5ms"}
}`

type harness struct {
	app  *App
	due  *storage.Memory
	br   *membroker.Broker
	path string
}

func newHarness(t *testing.T, body string, roles ...Role) *harness {
	t.Helper()
	return newHarnessWith(t, body, nil, roles...)
}

// newHarnessWith builds the app with handlers, or the default tick
// handlers when handlers is nil.
func newHarnessWith(t *testing.T, body string, handlers *worker.Handlers, roles ...Role) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickd.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	require.NoError(t, err)

	h := &harness{due: storage.NewMemory(), br: membroker.New(), path: path}
	cl := &Clients{Store: h.due, Batches: memstore.New(), Broker: h.br, Lease: lease.Nop{}}
	hs := worker.DefaultHandlers(h.due)
	if handlers != nil {
		hs = *handlers
	}
	h.app = build(cfgm, cfg, nil, logx.Nop(), cl, roles, hs)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.app.Stop(ctx, StopAppStop)
	})
}

func (h *harness) seed(t *testing.T, c category.Category, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.due.Upsert(context.Background(), storage.DueEntity{
			EntityID: fmt.Sprintf("%s-%d", c, i), Category: c, NextDueAt: time.Now().Add(-time.Minute),
		}))
	}
}

func TestParseRoles(t *testing.T) {
	t.Parallel()
	all, err := ParseRoles(nil)
	require.NoError(t, err)
	require.Equal(t, []Role{RoleCoordinator, RoleWorker}, all)

	one, err := ParseRoles([]string{" Worker "})
	require.NoError(t, err)
	require.Equal(t, []Role{RoleWorker}, one)

	_, err = ParseRoles([]string{"scheduler"})
	require.Error(t, err)
}

func TestRunCollectorCommandFlowsToWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig)
	h.seed(t, category.Training, 5)
	h.seed(t, category.Crafting, 3)
	h.start(t)

	require.NoError(t, broker.SendCommand(context.Background(), h.br, broker.CommandRunCollector))

	require.Eventually(t, func() bool {
		return h.due.Ticks() == 8 && len(h.due.Passes()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 8, h.due.Passes()[0].Collected)
	require.Equal(t, 2, h.due.Passes()[0].Batches)
}

func TestShutdownCommandStopsApp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig)
	h.start(t)

	require.NoError(t, broker.SendCommand(context.Background(), h.br, broker.CommandShutdown))
	select {
	case <-h.app.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop after shutdown command")
	}
	require.True(t, h.app.ShutdownRequested())
	require.Equal(t, coordinator.StateShuttingDown, h.app.Coordinator().State())
}

func TestShutdownCommandLetsRunningBatchFinish(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	itemErr := make(chan error, 1)
	h := newHarnessWith(t, baseConfig, &worker.Handlers{
		Training: func(ctx context.Context, _ batch.WorkItem) error {
			close(started)
			<-release
			itemErr <- ctx.Err()
			return nil
		},
	})
	h.seed(t, category.Training, 1)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, broker.SendCommand(ctx, h.br, broker.CommandRunCollector))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("batch did not start")
	}
	all, err := h.app.Batches().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	id := all[0].ID

	require.NoError(t, broker.SendCommand(ctx, h.br, broker.CommandShutdown))
	select {
	case <-h.app.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop after shutdown command")
	}

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stopped <- h.app.Stop(stopCtx, StopCommand)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-itemErr)
	require.NoError(t, <-stopped)

	r, err := h.app.Batches().GetReport(ctx, id)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCompleted, r.Status)
	require.Equal(t, 1, r.Generated)
}

func TestWorkerOnlyHasNoCoordinator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig, RoleWorker)
	require.Nil(t, h.app.Coordinator())
	require.Equal(t, []Role{RoleWorker}, h.app.Roles())
	h.start(t)
	require.False(t, h.app.ShutdownRequested())
}

func TestReloadAppliesHotSectionsOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseConfig)
	h.start(t)
	ctx := context.Background()

	hot := `{
  "trigger": {"enabled": false},
  "worker": {"workers": 2, "retry_base": "1ms", "retry_max_delay": "5ms"},
  "dispatcher": {"rate": 50, "burst": 5}
}`
	require.NoError(t, os.WriteFile(h.path, []byte(hot), 0o600))
	changed, err := h.app.cfgm.Reload(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 50.0, h.app.Config().Dispatcher.Rate)

	cold := `{
  "trigger": {"enabled": false},
  "worker": {"workers": 8, "retry_base": "1ms", "retry_max_delay": "5ms"},
  "dispatcher": {"rate": 50, "burst": 5}
}`
	require.NoError(t, os.WriteFile(h.path, []byte(cold), 0o600))
	_, err = h.app.cfgm.Reload(ctx)
	require.ErrorContains(t, err, "restart required to change worker")
	require.Equal(t, 2, h.app.Config().Worker.Workers)
}

func TestMappersFollowConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Collector.Categories = []string{"training"}
	cfg.Worker.Categories = []string{"generation"}
	cfg.Coordinator.SweepInterval = "2m"

	cc := mapCollectorConfig(cfg)
	require.Equal(t, 6*time.Minute, cc.Interval)
	require.True(t, cc.Allowed.Has(category.Training))
	require.False(t, cc.Allowed.Has(category.Crafting))

	require.True(t, mapConsumerConfig(cfg).Categories.Has(category.Generation))
	require.Equal(t, 2*time.Minute, mapCoordinatorConfig(cfg).SweepInterval)
	require.Equal(t, time.Hour, mapBatcherConfig(cfg).TTL)

	_, ok := mapKafkaConfig(cfg)
	require.False(t, ok)
	cfg.Events.Kafka = &config.KafkaConfig{Enabled: true, Brokers: []string{"k:9092"}, Topic: "tickd", WriteTimeout: "3s"}
	kc, ok := mapKafkaConfig(cfg)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, kc.WriteTimeout)
}

func TestRequireShared(t *testing.T) {
	t.Parallel()
	require.NoError(t, RequireShared("broker", "Redis"))
	require.Error(t, RequireShared("broker", "memory"))
}
