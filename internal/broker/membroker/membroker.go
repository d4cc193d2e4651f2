// Package membroker is an in-process broker.Broker for tests and
// single-binary deployments. Messages do not survive a restart.
//
// There is no visibility timeout: a delivery stays in flight until it is
// settled. Consumers share the process with the broker, so a consumer that
// never settles is a process that is going away with every message anyway.
package membroker

import (
	"context"
	"sync"

	"tickd/internal/broker"
)

type message struct {
	body    []byte
	attempt int
}

type queue struct {
	pending  []message
	inflight int
	dead     []DeadMessage
}

// DeadMessage is a dead-lettered body with the reason it was given.
type DeadMessage struct {
	Body   []byte
	Reason string
}

type Broker struct {
	mu            sync.Mutex
	queues        map[string]*queue
	wake          chan struct{}
	closed        bool
	done          chan struct{}
	maxDeliveries int

	publishHook func(queue string, body []byte) error
	published   int
}

type Option func(*Broker)

// WithMaxDeliveries sets the Nack dead-letter threshold.
func WithMaxDeliveries(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		queues:        map[string]*queue{},
		wake:          make(chan struct{}),
		done:          make(chan struct{}),
		maxDeliveries: broker.DefaultMaxDeliveries,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ broker.Broker = (*Broker)(nil)

// FailPublish installs a hook consulted before each publish; a non-nil
// return fails that publish.
func (b *Broker) FailPublish(fn func(queue string, body []byte) error) {
	b.mu.Lock()
	b.publishHook = fn
	b.mu.Unlock()
}

func (b *Broker) q(name string) *queue {
	q := b.queues[name]
	if q == nil {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

// broadcast wakes every waiting receiver. Call with b.mu held.
func (b *Broker) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Broker) Publish(ctx context.Context, name string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	if b.publishHook != nil {
		if err := b.publishHook(name, body); err != nil {
			return err
		}
	}
	cp := append([]byte(nil), body...)
	b.q(name).pending = append(b.q(name).pending, message{body: cp})
	b.published++
	b.broadcast()
	return nil
}

func (b *Broker) Receive(ctx context.Context, name string) (broker.Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, broker.ErrClosed
		}
		q := b.q(name)
		if len(q.pending) > 0 {
			m := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight++
			b.mu.Unlock()
			m.attempt++
			return &delivery{b: b, queue: name, msg: m}, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, broker.ErrClosed
		case <-wake:
		}
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// Len is the number of messages waiting on name.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q(name).pending)
}

// Bodies returns copies of the waiting messages on name in order.
func (b *Broker) Bodies(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, 0, len(b.q(name).pending))
	for _, m := range b.q(name).pending {
		out = append(out, append([]byte(nil), m.body...))
	}
	return out
}

// Inflight counts delivered but unsettled messages on name.
func (b *Broker) Inflight(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q(name).inflight
}

func (b *Broker) Dead(name string) []DeadMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadMessage(nil), b.q(name).dead...)
}

func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

type delivery struct {
	b       *Broker
	queue   string
	msg     message
	settled bool
}

func (d *delivery) Queue() string { return d.queue }
func (d *delivery) Body() []byte  { return d.msg.body }
func (d *delivery) Attempt() int  { return d.msg.attempt }

// settle runs fn once under the broker lock.
func (d *delivery) settle(fn func(q *queue)) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	q := d.b.q(d.queue)
	q.inflight--
	fn(q)
	return nil
}

func (d *delivery) Ack(context.Context) error {
	return d.settle(func(*queue) {})
}

func (d *delivery) Nack(_ context.Context, reason string) error {
	return d.settle(func(q *queue) {
		if d.msg.attempt >= d.b.maxDeliveries {
			q.dead = append(q.dead, DeadMessage{Body: d.msg.body, Reason: reason})
			return
		}
		q.pending = append(q.pending, d.msg)
		d.b.broadcast()
	})
}

func (d *delivery) DeadLetter(_ context.Context, reason string) error {
	return d.settle(func(q *queue) {
		q.dead = append(q.dead, DeadMessage{Body: d.msg.body, Reason: reason})
	})
}
