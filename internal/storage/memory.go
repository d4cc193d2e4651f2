package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"tickd/internal/category"
)

type dueKey struct {
	entity string
	cat    category.Category
}

type tickKey struct {
	dueKey
	due int64
}

// Memory is the in-process driver.
type Memory struct {
	mu     sync.Mutex
	closed bool
	due    map[dueKey]DueEntity
	ticks  map[tickKey]struct{}
	passes []PassEntry
}

func NewMemory() *Memory {
	return &Memory{due: map[dueKey]DueEntity{}, ticks: map[tickKey]struct{}{}}
}

var _ Store = (*Memory)(nil)

func (m *Memory) ListDue(_ context.Context, now time.Time, limit int, only category.Set) ([]DueEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []DueEntity
	for _, e := range m.due {
		if !e.NextDueAt.After(now) && selected(only, e.Category) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDueAt.Equal(out[j].NextDueAt) {
			return out[i].NextDueAt.Before(out[j].NextDueAt)
		}
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Category < out[j].Category
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) HasDue(_ context.Context, now time.Time, only category.Set) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	for _, e := range m.due {
		if !e.NextDueAt.After(now) && selected(only, e.Category) {
			return true, nil
		}
	}
	return false, nil
}

func selected(only category.Set, c category.Category) bool {
	return only.Empty() || only.Has(c)
}

func (m *Memory) Advance(_ context.Context, e DueEntity, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	k := dueKey{e.EntityID, e.Category}
	cur, ok := m.due[k]
	if !ok || !cur.NextDueAt.Equal(e.NextDueAt) {
		return false, nil
	}
	cur.LastProcessedAt = cur.NextDueAt
	cur.NextDueAt = next
	m.due[k] = cur
	return true, nil
}

func (m *Memory) Upsert(_ context.Context, e DueEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.due[dueKey{e.EntityID, e.Category}] = e
	return nil
}

func (m *Memory) Get(_ context.Context, entityID string, c category.Category) (DueEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return DueEntity{}, ErrClosed
	}
	e, ok := m.due[dueKey{entityID, c}]
	if !ok {
		return DueEntity{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) RecordTick(_ context.Context, entityID string, c category.Category, dueAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	k := tickKey{dueKey{entityID, c}, dueAt.UnixMilli()}
	if _, ok := m.ticks[k]; ok {
		return false, nil
	}
	m.ticks[k] = struct{}{}
	return true, nil
}

// Ticks counts recorded ticks.
func (m *Memory) Ticks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks)
}

func (m *Memory) AppendPass(_ context.Context, e PassEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.passes = append(m.passes, e)
	return nil
}

// Passes returns the recorded pass log.
func (m *Memory) Passes() []PassEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PassEntry(nil), m.passes...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
