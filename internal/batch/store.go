package batch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("batch: not found")
	ErrMalformed         = errors.New("batch: malformed record")
	ErrInvalidTransition = errors.New("batch: invalid status transition")
	ErrExists            = errors.New("batch: already exists")
)

// DefaultTTL bounds the lifetime of an unprocessed batch record.
const DefaultTTL = time.Hour

// Store keeps one record per batch with an expiry.
//
// Implementations must make Create atomic (all fields and the TTL, or
// nothing) and SetStatus monotonic per CanTransition.
type Store interface {
	// Create writes a new record in status initiation with the given TTL.
	Create(ctx context.Context, b *Batch, ttl time.Duration) error
	// Get returns ErrNotFound for missing or expired records. A malformed
	// record returns a partial batch and an error wrapping ErrMalformed.
	Get(ctx context.Context, id string) (*Batch, error)
	// SetStatus moves the record to status. errMsg is stored when non-empty;
	// ttl > 0 resets the expiry.
	SetStatus(ctx context.Context, id string, status Status, errMsg string, ttl time.Duration) error
	// AdvanceGenerated raises generated_count_in_chunk to n. It never lowers it,
	// so repeated calls for the same progress are harmless.
	AdvanceGenerated(ctx context.Context, id string, n int) error
	Delete(ctx context.Context, id string) error
	// List returns every live record, malformed ones included as partial batches.
	List(ctx context.Context) ([]*Batch, error)

	PutReport(ctx context.Context, r *Report, ttl time.Duration) error
	GetReport(ctx context.Context, id string) (*Report, error)
}
