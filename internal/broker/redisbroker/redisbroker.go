// Package redisbroker implements broker.Broker on Redis Streams.
//
// Each queue is a stream read through one consumer group, so every message
// goes to exactly one consumer and stays pending until acknowledged.
// Nack re-appends the message with a bumped attempt counter; dead letters go
// to a sibling stream named by broker.DeadLetterQueue.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tickd/internal/broker"
)

const (
	DefaultPrefix = "tickd:"
	DefaultGroup  = "tickd"

	// DefaultReclaim is the pending time after which a delivery is taken
	// over by another consumer.
	DefaultReclaim = 5 * time.Minute


	fieldBody    = "body"
	fieldAttempt = "attempt"
	fieldReason  = "reason"
)

type Option func(*Broker)

func WithPrefix(p string) Option {
	return func(b *Broker) {
		if p != "" {
			b.prefix = p
		}
	}
}

func WithGroup(g string) Option {
	return func(b *Broker) {
		if g != "" {
			b.group = g
		}
	}
}

// WithBlock bounds one XREADGROUP wait. Close takes effect within it.
func WithBlock(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithReclaim sets how long a delivery may stay pending before another
// consumer's Receive takes it over. It must exceed the longest batch run.
func WithReclaim(idle time.Duration) Option {
	return func(b *Broker) {
		if idle > 0 {
			b.reclaim = idle
		}
	}
}

func WithMaxDeliveries(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

func WithConsumer(name string) Option {
	return func(b *Broker) {
		if name != "" {
			b.consumer = name
		}
	}
}

type Broker struct {
	client        redis.UniversalClient
	prefix        string
	group         string
	consumer      string
	block         time.Duration
	reclaim       time.Duration
	maxDeliveries int

	groups sync.Map // stream -> struct{}
	closed atomic.Bool
}

var _ broker.Broker = (*Broker)(nil)

// New wraps client. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Broker {
	host, _ := os.Hostname()
	b := &Broker{
		client:        client,
		prefix:        DefaultPrefix,
		group:         DefaultGroup,
		consumer:      fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		block:         2 * time.Second,
		reclaim:       DefaultReclaim,
		maxDeliveries: broker.DefaultMaxDeliveries,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) stream(queue string) string { return b.prefix + "q:" + queue }

func (b *Broker) ensureGroup(ctx context.Context, stream string) error {
	if _, ok := b.groups.Load(stream); ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker/redis: create group on %s: %w", stream, err)
	}
	b.groups.Store(stream, struct{}{})
	return nil
}

func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(queue),
		Values: map[string]any{fieldBody: body, fieldAttempt: 1},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker/redis: publish %s: %w", queue, err)
	}
	return nil
}

func (b *Broker) Receive(ctx context.Context, queue string) (broker.Delivery, error) {
	stream := b.stream(queue)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}
	for {
		if b.closed.Load() {
			return nil, broker.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Deliveries left pending by a dead consumer come first.
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.reclaim,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, b.readErr(ctx, queue, err)
		}
		if len(msgs) > 0 {
			return b.delivery(queue, msgs[0]), nil
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, b.readErr(ctx, queue, err)
		}
		for _, s := range res {
			if len(s.Messages) > 0 {
				return b.delivery(queue, s.Messages[0]), nil
			}
		}
	}
}

func (b *Broker) readErr(ctx context.Context, queue string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if b.closed.Load() {
		return broker.ErrClosed
	}
	return fmt.Errorf("broker/redis: receive %s: %w", queue, err)
}

func (b *Broker) delivery(queue string, m redis.XMessage) *delivery {
	d := &delivery{b: b, queue: queue, id: m.ID, attempt: 1}
	if v, ok := m.Values[fieldBody].(string); ok {
		d.body = []byte(v)
	}
	if v, ok := m.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.attempt = n
		}
	}
	return d
}

// Close stops Receive and Publish. The client stays open.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

// DeadLetter is one entry of a dead-letter stream.
type DeadLetter struct {
	ID      string
	Body    []byte
	Reason  string
	Attempt int
}

// DeadLetters lists up to n entries dead-lettered from queue.
func (b *Broker) DeadLetters(ctx context.Context, queue string, n int64) ([]DeadLetter, error) {
	msgs, err := b.client.XRangeN(ctx, b.stream(broker.DeadLetterQueue(queue)), "-", "+", n).Result()
	if err != nil {
		return nil, fmt.Errorf("broker/redis: dead letters %s: %w", queue, err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		d := b.delivery(queue, m)
		reason, _ := m.Values[fieldReason].(string)
		out = append(out, DeadLetter{ID: m.ID, Body: d.body, Reason: reason, Attempt: d.attempt})
	}
	return out, nil
}

// Depth is the number of entries currently in queue's stream.
func (b *Broker) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.XLen(ctx, b.stream(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker/redis: depth %s: %w", queue, err)
	}
	return n, nil
}

type delivery struct {
	b       *Broker
	queue   string
	id      string
	body    []byte
	attempt int
}

func (d *delivery) Queue() string { return d.queue }
func (d *delivery) Body() []byte  { return d.body }
func (d *delivery) Attempt() int  { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	stream := d.b.stream(d.queue)
	pipe := d.b.client.TxPipeline()
	pipe.XAck(ctx, stream, d.b.group, d.id)
	pipe.XDel(ctx, stream, d.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker/redis: ack %s/%s: %w", d.queue, d.id, err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context, reason string) error {
	if d.attempt >= d.b.maxDeliveries {
		return d.DeadLetter(ctx, reason)
	}
	stream := d.b.stream(d.queue)
	pipe := d.b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{fieldBody: d.body, fieldAttempt: d.attempt + 1},
	})
	pipe.XAck(ctx, stream, d.b.group, d.id)
	pipe.XDel(ctx, stream, d.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker/redis: nack %s/%s: %w", d.queue, d.id, err)
	}
	return nil
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	stream := d.b.stream(d.queue)
	pipe := d.b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: d.b.stream(broker.DeadLetterQueue(d.queue)),
		Values: map[string]any{fieldBody: d.body, fieldAttempt: d.attempt, fieldReason: reason},
	})
	pipe.XAck(ctx, stream, d.b.group, d.id)
	pipe.XDel(ctx, stream, d.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker/redis: dead-letter %s/%s: %w", d.queue, d.id, err)
	}
	return nil
}
