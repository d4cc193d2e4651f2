package lease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Flock is a lease backed by an advisory file lock. It only excludes
// processes on the same host.
type Flock struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

func NewFlock(path string) *Flock {
	return &Flock{path: path, lock: flock.New(path)}
}

func (f *Flock) Acquire(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock.Locked() {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	ok, err := f.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("lease: lock %s: %w", f.path, err)
	}
	return ok, nil
}

func (f *Flock) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lock.Locked() {
		return ErrNotHeld
	}
	if err := f.lock.Unlock(); err != nil {
		return fmt.Errorf("lease: unlock %s: %w", f.path, err)
	}
	return nil
}
