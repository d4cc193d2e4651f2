package app

import (
	"time"

	"tickd/internal/batch"
	"tickd/internal/batcher"
	"tickd/internal/category"
	"tickd/internal/collector"
	"tickd/internal/config"
	"tickd/internal/coordinator"
	"tickd/internal/dispatcher"
	"tickd/internal/eventbus"
	"tickd/internal/lease"
	"tickd/internal/storage"
	"tickd/internal/worker"
	"tickd/pkg/logx"
)

// The mappers below run on a validated config, so duration parse errors
// cannot happen here and fall back to the component defaults.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Color:   cfg.Logging.Color,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      driver(cfg.Storage.Driver),
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, time.Second),
	}
}

func mapLeaseConfig(cfg *config.Config) lease.Config {
	return lease.Config{
		Driver: driver(cfg.Lease.Driver),
		Path:   cfg.Lease.Path,
		Key:    cfg.Lease.Key,
		TTL:    config.Duration(cfg.Lease.TTL, lease.DefaultTTL),
	}
}

func mapCollectorConfig(cfg *config.Config) collector.Config {
	allowed, _ := category.ParseSet(cfg.Collector.Categories)
	return collector.Config{
		Interval:   config.Duration(cfg.Collector.Interval, collector.DefaultInterval),
		Allowed:    allowed,
		MaxPerPass: cfg.Collector.MaxPerPass,
	}
}

func mapBatcherConfig(cfg *config.Config) batcher.Config {
	return batcher.Config{
		Size: cfg.Batcher.Size,
		TTL:  config.Duration(cfg.BatchStore.TTL, batch.DefaultTTL),
	}
}

func mapDispatcherConfig(cfg *config.Config) dispatcher.Config {
	return dispatcher.Config{
		Rate:        cfg.Dispatcher.Rate,
		Burst:       cfg.Dispatcher.Burst,
		DedupWindow: config.Duration(cfg.Dispatcher.DedupWindow, dispatcher.DefaultDedupWindow),
		Parallelism: cfg.Dispatcher.Parallelism,
	}
}

func mapCoordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		BatchSize:     cfg.Batcher.Size,
		PassTimeout:   config.Duration(cfg.Coordinator.PassTimeout, coordinator.DefaultPassTimeout),
		SweepInterval: config.Duration(cfg.Coordinator.SweepInterval, 0),
		StaleAfter:    config.Duration(cfg.Coordinator.StaleAfter, coordinator.DefaultStaleAfter),
	}
}

func mapPoolConfig(cfg *config.Config) worker.Config {
	w := cfg.Worker
	return worker.Config{
		Workers:             w.Workers,
		QueueSize:           w.QueueSize,
		Timeout:             config.Duration(w.Timeout, 0),
		RetryMax:            w.RetryMax,
		RetryBase:           config.Duration(w.RetryBase, 0),
		RetryMaxDelay:       config.Duration(w.RetryMaxDelay, 0),
		CategoryLimit:       w.CategoryLimit,
		CircuitTripFailures: w.CircuitTripFailures,
		CircuitBaseDelay:    config.Duration(w.CircuitBaseDelay, 0),
		CircuitMaxDelay:     config.Duration(w.CircuitMaxDelay, 0),
	}
}

func mapProcessorConfig(cfg *config.Config) worker.ProcessorConfig {
	return worker.ProcessorConfig{
		FailedTTL: config.Duration(cfg.BatchStore.FailedTTL, worker.DefaultFailedTTL),
		ReportTTL: config.Duration(cfg.BatchStore.ReportTTL, worker.DefaultReportTTL),
	}
}

func mapConsumerConfig(cfg *config.Config) worker.ConsumerConfig {
	cats, _ := category.ParseSet(cfg.Worker.Categories)
	return worker.ConsumerConfig{Categories: cats, PerQueue: cfg.Worker.PerQueue}
}

// mapKafkaConfig reports false when the exporter is off.
func mapKafkaConfig(cfg *config.Config) (eventbus.KafkaConfig, bool) {
	k := cfg.Events.Kafka
	if k == nil || !k.Enabled {
		return eventbus.KafkaConfig{}, false
	}
	return eventbus.KafkaConfig{
		Brokers:      k.Brokers,
		Topic:        k.Topic,
		Prefixes:     k.Prefixes,
		WriteTimeout: config.Duration(k.WriteTimeout, 0),
	}, true
}
