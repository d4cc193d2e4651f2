package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "memory", cfg.Broker.Driver)
	require.Equal(t, 100, cfg.Batcher.Size)
	require.True(t, cfg.TriggerConfig().Enabled)
	require.Equal(t, []string{"exploration", "training", "crafting"}, cfg.Collector.Categories)
	require.Equal(t, 6*time.Minute, Duration(cfg.Collector.Interval, 0))
	require.Equal(t, 5*time.Minute, Duration(cfg.Broker.Reclaim, 0))
}

func TestLoadFormats(t *testing.T) {
	t.Parallel()
	files := map[string]string{
		"tickd.json": `{"logging":{"level":"debug"},"batcher":{"size":50},"trigger":{"enabled":false}}`,
		"tickd.yaml": "logging:\n  level: debug\nbatcher:\n  size: 50\ntrigger:\n  enabled: false\n",
		"tickd.toml": "[logging]\nlevel = \"debug\"\n[batcher]\nsize = 50\n[trigger]\nenabled = false\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			m := NewManager(write(t, name, body))
			cfg, err := m.Load()
			require.NoError(t, err)
			require.Equal(t, "debug", cfg.Logging.Level)
			require.Equal(t, 50, cfg.Batcher.Size)
			require.False(t, cfg.TriggerConfig().Enabled)
			require.Same(t, cfg, m.Get())
		})
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("x.json", []byte(`{"batcher":{"size":5,"chunk":3}}`))
	require.ErrorContains(t, err, "chunk")
	_, err = Decode("x.json", []byte(`{} {}`))
	require.ErrorContains(t, err, "trailing")
	_, err = Decode("x.yaml", []byte("worker:\n  threads: 3\n"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := map[string]func(c *Config){
		"bad driver":         func(c *Config) { c.Broker.Driver = "rabbit" },
		"redis without addr": func(c *Config) { c.BatchStore.Driver = "redis" },
		"sqlite without path": func(c *Config) {
			c.Storage.Driver = "sqlite"
		},
		"bad duration":        func(c *Config) { c.Collector.Interval = "soon" },
		"negative duration":   func(c *Config) { c.BatchStore.TTL = "-1h" },
		"bad category":        func(c *Config) { c.Worker.Categories = []string{"fishing"} },
		"bad schedule":        func(c *Config) { c.Trigger.Collect = "whenever" },
		"stale within dedup":  func(c *Config) { c.Coordinator.StaleAfter = "5m" },
		"bad level":           func(c *Config) { c.Logging.Level = "loud" },
		"kafka without topic": func(c *Config) { c.Events.Kafka = &KafkaConfig{Enabled: true, Brokers: []string{"k:9092"}} },
		"flock without path":  func(c *Config) { c.Lease.Driver = "flock" },
		"redis without reclaim": func(c *Config) {
			c.Broker.Driver = "redis"
			c.Redis = &RedisConfig{Addrs: []string{"localhost:6379"}}
			c.Broker.Reclaim = "0s"
		},
		"reclaim within worker timeout": func(c *Config) {
			c.Broker.Driver = "redis"
			c.Redis = &RedisConfig{Addrs: []string{"localhost:6379"}}
			c.Worker.Timeout = "10m"
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Broker.Driver = "redis"
	cfg.Redis = &RedisConfig{Addrs: []string{"localhost:6379"}}
	require.NoError(t, cfg.Validate())
}

func TestChanged(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	require.Empty(t, Changed(a, b))

	b.Logging.Level = "debug"
	b.Worker.Workers = 8
	b.Redis = &RedisConfig{Addrs: []string{"r:6379"}}
	changed := Changed(a, b)
	require.Equal(t, []string{"logging", "redis", "worker"}, changed)
	require.Equal(t, []string{"redis", "worker"}, NeedsRestart(changed))
}

func TestReloadPublishesValidChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := write(t, "tickd.json", `{"dispatcher":{"rate":5}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	changed, err := m.Reload(ctx)
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(`{"dispatcher":{"rate":"fast"}}`), 0o644))
	_, err = m.Reload(ctx)
	require.Error(t, err)
	require.Equal(t, float64(5), m.Get().Dispatcher.Rate)

	require.NoError(t, os.WriteFile(path, []byte(`{"dispatcher":{"rate":20}}`), 0o644))
	m.SetValidator(func(context.Context, *Config) error { return nil })
	changed, err = m.Reload(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	got := <-sub
	require.Equal(t, float64(20), got.Dispatcher.Rate)

	m.Unsubscribe(sub)
	_, ok := <-sub
	require.False(t, ok)
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	path := write(t, "tickd.yaml", "batcher:\n  size: 10\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("batcher:\n  size: 20\n"), 0o644)
		select {
		case cfg := <-sub:
			return cfg.Batcher.Size == 20
		case <-time.After(600 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}
