// Package lease provides the optional cross-process exclusivity the
// coordinator holds around each collection pass.
//
// The in-process lock already serializes passes within one coordinator;
// a lease extends that to several coordinator processes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lease: not held")

// Lease is a non-blocking mutual exclusion primitive.
type Lease interface {
	// Acquire reports whether the caller now holds the lease.
	Acquire(ctx context.Context) (bool, error)
	// Release returns ErrNotHeld if the caller does not hold it.
	Release(ctx context.Context) error
}

type Config struct {
	// Driver is "none", "flock" or "redis".
	Driver string        `json:"driver"`
	Path   string        `json:"path"`
	Key    string        `json:"key"`
	TTL    time.Duration `json:"ttl"`
}

const (
	DefaultKey = "tickd:coordinator:lease"
	DefaultTTL = 2 * time.Minute
)

// Open builds the configured lease. client is required for the redis driver.
func Open(cfg Config, client redis.UniversalClient) (Lease, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Nop{}, nil
	case "flock":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("lease: flock driver requires path")
		}
		return NewFlock(cfg.Path), nil
	case "redis":
		if client == nil {
			return nil, errors.New("lease: redis driver requires a redis client")
		}
		return NewRedis(client, cfg.Key, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("lease: unknown driver %q", cfg.Driver)
	}
}

// Nop always grants the lease.
type Nop struct{}

func (Nop) Acquire(context.Context) (bool, error) { return true, nil }
func (Nop) Release(context.Context) error         { return nil }
