package storage

import (
	"context"
	"errors"
	"time"

	"tickd/internal/category"
)

var (
	ErrClosed   = errors.New("storage: closed")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
}

// DueEntity is one entity's schedule for one category.
type DueEntity struct {
	EntityID        string
	Category        category.Category
	LastProcessedAt time.Time
	NextDueAt       time.Time
}

// PassEntry records one coordinator pass.
type PassEntry struct {
	At        time.Time
	Trigger   string
	Collected int
	Batches   int
	Published int
	Failed    int
	Error     string
	TookMS    int64
}

// Store is the persistence API used by the collector, the worker and the
// coordinator.
type Store interface {
	// ListDue returns entities with NextDueAt <= now in the categories of
	// only, oldest first. An empty only means every category; limit <= 0
	// means no limit. The limit applies after the category filter.
	ListDue(ctx context.Context, now time.Time, limit int, only category.Set) ([]DueEntity, error)
	HasDue(ctx context.Context, now time.Time, only category.Set) (bool, error)
	// Advance sets LastProcessedAt to e.NextDueAt and NextDueAt to next, but
	// only if the stored NextDueAt still equals e.NextDueAt. It reports
	// whether the row was advanced.
	Advance(ctx context.Context, e DueEntity, next time.Time) (bool, error)
	Upsert(ctx context.Context, e DueEntity) error
	Get(ctx context.Context, entityID string, c category.Category) (DueEntity, error)
	// RecordTick marks (entityID, c, dueAt) as applied. It reports false if
	// it was already recorded.
	RecordTick(ctx context.Context, entityID string, c category.Category, dueAt time.Time) (bool, error)
	AppendPass(ctx context.Context, e PassEntry) error
	Close() error
}
