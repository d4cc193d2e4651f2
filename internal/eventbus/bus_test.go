package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	logx "tickd/pkg/logx"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Emit(b, BatchCreated, map[string]string{"batch_id": "x"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			require.Equal(t, BatchCreated, e.Type)
			require.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Equal(t, "a", (<-ch).Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestExporterForwardsMatchingEvents(t *testing.T) {
	b := New()
	w := &fakeWriter{}
	x := NewExporter(KafkaConfig{Topic: "tickd.events", Prefixes: []string{"batch."}}, w, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = x.Run(ctx, b)
	}()

	// Wait for the exporter subscription before publishing.
	require.Eventually(t, func() bool {
		Emit(b, BatchCompleted, map[string]int{"generated": 9})
		return w.count() > 0
	}, time.Second, 10*time.Millisecond)
	Emit(b, PassStarted, nil)
	cancel()
	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.msgs {
		require.Equal(t, BatchCompleted, string(m.Key))
		var e struct {
			Type string         `json:"type"`
			Data map[string]int `json:"data"`
		}
		require.NoError(t, json.Unmarshal(m.Value, &e))
		require.Equal(t, 9, e.Data["generated"])
	}
}

func TestExporterCountsDrops(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	x := NewExporter(KafkaConfig{Topic: "t"}, w, logx.Nop())
	x.export(context.Background(), Event{Type: BatchFailed, Time: time.Now()})
	sent, dropped := x.Stats()
	require.Zero(t, sent)
	require.EqualValues(t, 1, dropped)
}
