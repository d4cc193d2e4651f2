package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Batch and pass lifecycle event types.
const (
	PassStarted  = "pass.started"
	PassFinished = "pass.finished"
	PassSkipped  = "pass.skipped"

	BatchCreated      = "batch.created"
	BatchWriteFailed  = "batch.write_failed"
	BatchDispatched   = "batch.dispatched"
	BatchPublishError = "batch.publish_failed"
	BatchStarted      = "batch.started"
	BatchCompleted    = "batch.completed"
	BatchFailed       = "batch.failed"
	BatchMissing      = "batch.missing"
	BatchRedispatched = "batch.redispatched"

	JobFinished = "job.finished"
	JobFailed   = "job.failed"
)

// Event is an in-memory signal between components.
//
// Publish never blocks; a slow subscriber loses events.
// Data should be small and JSON-serializable, since exporters forward it.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
