package membroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/broker"
)

func TestPublishReceiveAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Publish(ctx, "q", []byte("one")))
	require.NoError(t, b.Publish(ctx, "q", []byte("two")))
	require.Equal(t, 2, b.Len("q"))

	d, err := b.Receive(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "one", string(d.Body()))
	require.Equal(t, 1, d.Attempt())
	require.Equal(t, 1, b.Inflight("q"))
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, d.Ack(ctx))
	require.Zero(t, b.Inflight("q"))
	require.Equal(t, 1, b.Len("q"))
}

func TestNackRequeuesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New(WithMaxDeliveries(2))
	require.NoError(t, b.Publish(ctx, "q", []byte("x")))

	d, err := b.Receive(ctx, "q")
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, "transient"))
	require.Equal(t, 1, b.Len("q"))

	d, err = b.Receive(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 2, d.Attempt())
	require.NoError(t, d.Nack(ctx, "still broken"))
	require.Zero(t, b.Len("q"))

	dead := b.Dead("q")
	require.Len(t, dead, 1)
	require.Equal(t, "still broken", dead[0].Reason)
}

func TestReceiveBlocksUntilPublish(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b := New()

	const n = 3
	var wg sync.WaitGroup
	got := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := b.Receive(ctx, "q")
			if err != nil {
				return
			}
			got <- string(d.Body())
			_ = d.Ack(ctx)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, "q", []byte{byte('a' + i)}))
	}
	wg.Wait()
	require.Len(t, got, n)
}

func TestReceiveHonoursContextAndClose(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx, "q")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background(), "q")
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	require.ErrorIs(t, <-errc, broker.ErrClosed)
	require.ErrorIs(t, b.Publish(context.Background(), "q", nil), broker.ErrClosed)
}

func TestFailPublish(t *testing.T) {
	t.Parallel()
	b := New()
	boom := errors.New("boom")
	b.FailPublish(func(q string, _ []byte) error {
		if q == "bad" {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, b.Publish(context.Background(), "bad", nil), boom)
	require.NoError(t, b.Publish(context.Background(), "good", nil))
	require.Equal(t, 1, b.Published())
}

func TestUnsettledDeliveryStaysInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Publish(ctx, "q", []byte("x")))

	d, err := b.Receive(ctx, "q")
	require.NoError(t, err)

	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Receive(rctx, "q")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, b.Inflight("q"))

	require.NoError(t, d.Nack(ctx, "retry"))
	d, err = b.Receive(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 2, d.Attempt())
}
