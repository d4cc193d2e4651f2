package config

// Config is the tickd process configuration.
//
// Durations are Go duration strings ("500ms", "10s", "6m"). WithDefaults
// fills every omitted field; Validate parses and checks the result.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Redis       *RedisConfig      `json:"redis,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	BatchStore  BatchStoreConfig  `json:"batch_store"`
	Broker      BrokerConfig      `json:"broker"`
	Collector   CollectorConfig   `json:"collector"`
	Batcher     BatcherConfig     `json:"batcher"`
	Dispatcher  DispatcherConfig  `json:"dispatcher"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Trigger     TriggerConfig     `json:"trigger"`
	Worker      WorkerConfig      `json:"worker"`
	Lease       LeaseConfig       `json:"lease"`
	Events      EventsConfig      `json:"events"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Color   string      `json:"color,omitempty"` // auto | always | never
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RedisConfig is shared by every redis driver. A single address connects
// directly; several addresses select a cluster client.
type RedisConfig struct {
	Addrs       []string `json:"addrs"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	DB          int      `json:"db,omitempty"`
	PoolSize    int      `json:"pool_size,omitempty"`
	DialTimeout string   `json:"dial_timeout,omitempty"`
}

// StorageConfig selects the due-entity store.
//
//	"storage": { "driver": "sqlite", "path": "./tickd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type BatchStoreConfig struct {
	Driver    string `json:"driver"` // memory | redis
	Prefix    string `json:"prefix,omitempty"`
	TTL       string `json:"ttl"`
	FailedTTL string `json:"failed_ttl"`
	ReportTTL string `json:"report_ttl"`
}

type BrokerConfig struct {
	Driver        string `json:"driver"` // memory | redis
	Prefix        string `json:"prefix,omitempty"`
	Group         string `json:"group,omitempty"`
	Block         string `json:"block,omitempty"`
	Reclaim       string `json:"reclaim,omitempty"` // pending time before another consumer takes a delivery over
	MaxDeliveries int    `json:"max_deliveries"`
}

type CollectorConfig struct {
	Interval   string   `json:"interval"`
	Categories []string `json:"categories"`
	MaxPerPass int      `json:"max_per_pass,omitempty"`
}

type BatcherConfig struct {
	Size int `json:"size"`
}

type DispatcherConfig struct {
	Rate        float64 `json:"rate,omitempty"` // publishes per second; 0 is unlimited
	Burst       int     `json:"burst,omitempty"`
	DedupWindow string  `json:"dedup_window"`
	Parallelism int     `json:"parallelism,omitempty"`
}

type CoordinatorConfig struct {
	PassTimeout   string `json:"pass_timeout"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	StaleAfter    string `json:"stale_after"`
}

// TriggerConfig schedules control commands. Enabled defaults to true when
// omitted.
type TriggerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	Collect      string `json:"collect"`
	Sweep        string `json:"sweep,omitempty"`
	SkipWhenIdle bool   `json:"skip_when_idle,omitempty"`
}

// WorkerConfig controls the consumers and the execution pool.
//
// Defaults (when omitted): workers 4, queue_size 64, per_queue 1,
// retry_max 3, retry_base "500ms", retry_max_delay "15s",
// circuit_trip_failures 5.
type WorkerConfig struct {
	Categories          []string `json:"categories,omitempty"`
	Workers             int      `json:"workers"`
	QueueSize           int      `json:"queue_size"`
	PerQueue            int      `json:"per_queue"`
	Timeout             string   `json:"timeout,omitempty"`
	RetryMax            int      `json:"retry_max"`
	RetryBase           string   `json:"retry_base"`
	RetryMaxDelay       string   `json:"retry_max_delay"`
	CategoryLimit       int      `json:"category_limit,omitempty"`
	CircuitTripFailures int      `json:"circuit_trip_failures"`
	CircuitBaseDelay    string   `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string   `json:"circuit_max_delay,omitempty"`
}

type LeaseConfig struct {
	Driver string `json:"driver"` // none | flock | redis
	Path   string `json:"path,omitempty"`
	Key    string `json:"key,omitempty"`
	TTL    string `json:"ttl,omitempty"`
}

type EventsConfig struct {
	Kafka *KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Enabled      bool     `json:"enabled"`
	Brokers      []string `json:"brokers"`
	Topic        string   `json:"topic"`
	Prefixes     []string `json:"prefixes,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
}

// Default returns a configuration that runs every role in one process
// on in-memory drivers.
func Default() *Config {
	c := &Config{}
	c.WithDefaults()
	return c
}

// WithDefaults fills omitted fields in place and returns c.
func (c *Config) WithDefaults() *Config {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}

	def := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	defInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}

	def(&c.Storage.Driver, "memory")
	def(&c.BatchStore.Driver, "memory")
	def(&c.BatchStore.TTL, "1h")
	def(&c.BatchStore.FailedTTL, "24h")
	def(&c.BatchStore.ReportTTL, "24h")
	def(&c.Broker.Driver, "memory")
	def(&c.Broker.Reclaim, "5m")
	defInt(&c.Broker.MaxDeliveries, 5)

	def(&c.Collector.Interval, "6m")
	if len(c.Collector.Categories) == 0 {
		c.Collector.Categories = []string{"exploration", "training", "crafting"}
	}
	defInt(&c.Batcher.Size, 100)
	def(&c.Dispatcher.DedupWindow, "10m")

	def(&c.Coordinator.PassTimeout, "5m")
	def(&c.Coordinator.StaleAfter, "15m")
	if c.Trigger.Enabled == nil {
		on := true
		c.Trigger.Enabled = &on
	}
	def(&c.Trigger.Collect, "1m")

	defInt(&c.Worker.Workers, 4)
	defInt(&c.Worker.QueueSize, 64)
	defInt(&c.Worker.PerQueue, 1)
	defInt(&c.Worker.RetryMax, 3)
	def(&c.Worker.RetryBase, "500ms")
	def(&c.Worker.RetryMaxDelay, "15s")
	defInt(&c.Worker.CircuitTripFailures, 5)

	def(&c.Lease.Driver, "none")
	return c
}
