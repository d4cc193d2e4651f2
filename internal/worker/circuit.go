package worker

import (
	"sync"
	"time"

	"tickd/internal/category"
)

// circuitState tracks consecutive job failures for one category.
//
// On success the failures reset and the circuit closes. Once failures reach
// the trip threshold the circuit opens for an exponentially growing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func newCircuitCfg(cfg Config) circuitCfg {
	if cfg.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	return circuitCfg{
		enabled:    true,
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

type circuits struct {
	mu  sync.Mutex
	cfg circuitCfg
	m   map[category.Category]*circuitState
}

func newCircuits(cfg Config) *circuits {
	return &circuits{cfg: newCircuitCfg(cfg), m: map[category.Category]*circuitState{}}
}

// get returns the state for c. Call with mu held.
func (s *circuits) get(now time.Time, c category.Category) *circuitState {
	st := s.m[c]
	if st == nil {
		st = &circuitState{}
		s.m[c] = st
	}
	// A failure long ago no longer counts.
	if !st.lastFailure.IsZero() && s.cfg.resetAfter > 0 && now.Sub(st.lastFailure) > s.cfg.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	return st
}

func (s *circuits) open(now time.Time, c category.Category) (bool, time.Time) {
	if !s.cfg.enabled {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(now, c)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuits) record(now time.Time, c category.Category, err error) {
	if !s.cfg.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(now, c)
	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < s.cfg.trip {
		return
	}
	d := s.cfg.baseDelay
	for i := 0; i < st.fails-s.cfg.trip; i++ {
		d *= 2
		if d >= s.cfg.maxDelay {
			break
		}
	}
	st.openUntil = now.Add(min(d, s.cfg.maxDelay))
}

func (s *circuits) snapshot(now time.Time) (total, open int) {
	if !s.cfg.enabled {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.m {
		total++
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
