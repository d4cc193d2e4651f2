package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tickd/internal/category"
	"tickd/internal/trigger"
	"tickd/pkg/logx"
)

// ParseDuration parses a duration field. Empty means 0; negatives are rejected.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration is ParseDuration for values already validated; invalid input
// yields def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDuration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func oneOf(path, v string, allowed ...string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (want one of %s)", path, v, strings.Join(allowed, ", "))
}

// Validate reports every problem in c, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDuration(path, raw)
		add(err)
	}

	if c.Logging.Level != "" {
		if _, ok := logx.ParseLevel(c.Logging.Level); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
		}
	}

	add(oneOf("storage.driver", c.Storage.Driver, "memory", "sqlite", "sqlite3"))
	if d := strings.ToLower(c.Storage.Driver); (d == "sqlite" || d == "sqlite3") && strings.TrimSpace(c.Storage.Path) == "" {
		add(errors.New("storage.path: required for sqlite"))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	add(oneOf("batch_store.driver", c.BatchStore.Driver, "memory", "redis"))
	dur("batch_store.ttl", c.BatchStore.TTL)
	dur("batch_store.failed_ttl", c.BatchStore.FailedTTL)
	dur("batch_store.report_ttl", c.BatchStore.ReportTTL)

	add(oneOf("broker.driver", c.Broker.Driver, "memory", "redis"))
	dur("broker.block", c.Broker.Block)
	dur("broker.reclaim", c.Broker.Reclaim)
	if c.Broker.MaxDeliveries < 0 {
		add(errors.New("broker.max_deliveries: must be >= 0"))
	}

	add(oneOf("lease.driver", c.Lease.Driver, "none", "flock", "redis"))
	if strings.EqualFold(c.Lease.Driver, "flock") && strings.TrimSpace(c.Lease.Path) == "" {
		add(errors.New("lease.path: required for flock"))
	}
	dur("lease.ttl", c.Lease.TTL)

	if c.UsesRedis() {
		if c.Redis == nil || len(c.Redis.Addrs) == 0 {
			add(errors.New("redis.addrs: required by a redis driver"))
		} else {
			dur("redis.dial_timeout", c.Redis.DialTimeout)
		}
	}

	dur("collector.interval", c.Collector.Interval)
	if _, err := category.ParseSet(c.Collector.Categories); err != nil {
		add(fmt.Errorf("collector.categories: %w", err))
	}
	if c.Batcher.Size < 0 {
		add(errors.New("batcher.size: must be >= 0"))
	}
	if c.Dispatcher.Rate < 0 || c.Dispatcher.Burst < 0 {
		add(errors.New("dispatcher: rate and burst must be >= 0"))
	}
	dur("dispatcher.dedup_window", c.Dispatcher.DedupWindow)

	dur("coordinator.pass_timeout", c.Coordinator.PassTimeout)
	dur("coordinator.sweep_interval", c.Coordinator.SweepInterval)
	dur("coordinator.stale_after", c.Coordinator.StaleAfter)
	dedup := Duration(c.Dispatcher.DedupWindow, 10*time.Minute)
	if stale := Duration(c.Coordinator.StaleAfter, 15*time.Minute); stale <= dedup {
		add(fmt.Errorf("coordinator.stale_after (%s) must exceed dispatcher.dedup_window (%s)", stale, dedup))
	}

	add(c.TriggerConfig().Validate())

	if _, err := category.ParseSet(c.Worker.Categories); err != nil {
		add(fmt.Errorf("worker.categories: %w", err))
	}
	if c.Worker.Workers < 0 || c.Worker.QueueSize < 0 || c.Worker.PerQueue < 0 {
		add(errors.New("worker: workers, queue_size and per_queue must be >= 0"))
	}
	dur("worker.timeout", c.Worker.Timeout)
	if strings.EqualFold(c.Broker.Driver, "redis") {
		reclaim, err := ParseDuration("broker.reclaim", c.Broker.Reclaim)
		timeout := Duration(c.Worker.Timeout, 0)
		switch {
		case err != nil:
		case reclaim <= 0:
			add(errors.New("broker.reclaim: must be > 0 for redis; pending deliveries of a dead worker are never redelivered otherwise"))
		case timeout > 0 && reclaim <= timeout:
			add(fmt.Errorf("broker.reclaim (%s) must exceed worker.timeout (%s)", reclaim, timeout))
		}
	}
	dur("worker.retry_base", c.Worker.RetryBase)
	dur("worker.retry_max_delay", c.Worker.RetryMaxDelay)
	dur("worker.circuit_base_delay", c.Worker.CircuitBaseDelay)
	dur("worker.circuit_max_delay", c.Worker.CircuitMaxDelay)

	if k := c.Events.Kafka; k != nil && k.Enabled {
		if len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "" {
			add(errors.New("events.kafka: brokers and topic are required"))
		}
		dur("events.kafka.write_timeout", k.WriteTimeout)
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any driver needs the redis client.
func (c *Config) UsesRedis() bool {
	return strings.EqualFold(c.BatchStore.Driver, "redis") ||
		strings.EqualFold(c.Broker.Driver, "redis") ||
		strings.EqualFold(c.Lease.Driver, "redis")
}

// TriggerConfig maps the trigger section.
func (c *Config) TriggerConfig() trigger.Config {
	t := c.Trigger
	return trigger.Config{
		Enabled:      t.Enabled == nil || *t.Enabled,
		Timezone:     t.Timezone,
		Collect:      t.Collect,
		Sweep:        t.Sweep,
		SkipWhenIdle: t.SkipWhenIdle,
	}
}
