package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/batch"
	"tickd/internal/batch/memstore"
	"tickd/internal/category"
	"tickd/internal/eventbus"
	"tickd/pkg/logx"
)

func items(c category.Category, n int) []batch.WorkItem {
	out := make([]batch.WorkItem, n)
	for i := range out {
		out[i] = batch.WorkItem{EntityID: fmt.Sprintf("%s-%d", c, i), Category: c}
	}
	return out
}

func TestBuildChunksAndConserves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	b := New(st, Config{}, logx.Nop())

	refs := b.Build(ctx, map[category.Category][]batch.WorkItem{
		category.Exploration: items(category.Exploration, 250),
	}, 100)
	require.Len(t, refs, 3)

	var sizes []int
	total := 0
	for _, r := range refs {
		require.Equal(t, category.Exploration, r.Category)
		got, err := st.Get(ctx, r.BatchID)
		require.NoError(t, err)
		require.Equal(t, batch.StatusInitiation, got.Status)
		require.Equal(t, len(got.Items), got.TargetCount)
		require.Zero(t, got.GeneratedCount)
		sizes = append(sizes, got.TargetCount)
		total += got.TargetCount
	}
	require.Equal(t, []int{100, 100, 50}, sizes)
	require.Equal(t, 250, total)
}

func TestBuildStableCategoryOrder(t *testing.T) {
	t.Parallel()
	var seq atomic.Int64
	b := New(memstore.New(), Config{Size: 2}, logx.Nop(), WithIDs(func() string {
		return fmt.Sprintf("id-%d", seq.Add(1))
	}))
	refs := b.Build(context.Background(), map[category.Category][]batch.WorkItem{
		category.Crafting:    items(category.Crafting, 1),
		category.Generation:  items(category.Generation, 1),
		category.Exploration: items(category.Exploration, 3),
		category.Training:    nil,
	}, 0)
	require.Equal(t, []batch.Ref{
		{BatchID: "id-1", Category: category.Exploration},
		{BatchID: "id-2", Category: category.Exploration},
		{BatchID: "id-3", Category: category.Crafting},
		{BatchID: "id-4", Category: category.Generation},
	}, refs)
}

func TestBuildEmpty(t *testing.T) {
	t.Parallel()
	b := New(memstore.New(), Config{}, logx.Nop())
	require.Empty(t, b.Build(context.Background(), nil, 10))
}

// flakyStore fails the nth Create call.
type flakyStore struct {
	batch.Store
	calls  atomic.Int64
	failOn int64
}

func (f *flakyStore) Create(ctx context.Context, b *batch.Batch, ttl time.Duration) error {
	if f.calls.Add(1) == f.failOn {
		return errors.New("connection reset")
	}
	return f.Store.Create(ctx, b, ttl)
}

func TestBuildDropsFailedWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := memstore.New()
	st := &flakyStore{Store: mem, failOn: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	b := New(st, Config{}, logx.Nop(), WithBus(bus))
	refs := b.Build(ctx, map[category.Category][]batch.WorkItem{
		category.Training: items(category.Training, 30),
	}, 10)
	require.Len(t, refs, 2)
	require.EqualValues(t, 3, st.calls.Load(), "failed write is not retried")
	require.Equal(t, 2, mem.Len())

	var created, failed int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.BatchCreated:
			created++
		case eventbus.BatchWriteFailed:
			failed++
		}
	}
	require.Equal(t, 2, created)
	require.Equal(t, 1, failed)
}

func TestBuildUsesTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()
	b := New(st, Config{TTL: 5 * time.Minute}, logx.Nop())
	refs := b.Build(ctx, map[category.Category][]batch.WorkItem{category.Crafting: items(category.Crafting, 1)}, 0)
	require.Len(t, refs, 1)
	got, err := st.Get(ctx, refs[0].BatchID)
	require.NoError(t, err)
	require.LessOrEqual(t, got.TTL, 5*time.Minute)
}
