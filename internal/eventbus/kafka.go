package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	logx "tickd/pkg/logx"
)

// MessageWriter is the part of *kafka.Writer the exporter needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the lifecycle event exporter.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Prefixes     []string // event type prefixes to forward; empty forwards everything
	WriteTimeout time.Duration
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.LeastBytes{},
	}
}

// Exporter forwards bus events to Kafka as JSON, keyed by event type.
type Exporter struct {
	cfg    KafkaConfig
	writer MessageWriter
	log    logx.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewExporter(cfg KafkaConfig, w MessageWriter, log logx.Logger) *Exporter {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Exporter{cfg: cfg, writer: w, log: log}
}

// Run drains bus events until ctx is done. Write failures drop the event.
func (x *Exporter) Run(ctx context.Context, bus Bus) error {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !x.wants(e.Type) {
				continue
			}
			x.export(ctx, e)
		}
	}
}

func (x *Exporter) wants(typ string) bool {
	if len(x.cfg.Prefixes) == 0 {
		return true
	}
	for _, p := range x.cfg.Prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

func (x *Exporter) export(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		x.dropped.Add(1)
		x.log.Warn("event encode failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, x.cfg.WriteTimeout)
	defer cancel()
	err = x.writer.WriteMessages(wctx, kafka.Message{Key: []byte(e.Type), Value: value, Time: e.Time})
	if err != nil {
		x.dropped.Add(1)
		x.log.Warn("event export failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	x.sent.Add(1)
}

// Stats returns (sent, dropped) counters.
func (x *Exporter) Stats() (uint64, uint64) { return x.sent.Load(), x.dropped.Load() }

func (x *Exporter) Close() error { return x.writer.Close() }
