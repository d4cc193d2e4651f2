// Package memstore is an in-process batch.Store with lazy TTL expiry.
// It keeps records in the same field encoding as the Redis store.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"tickd/internal/batch"
)

type record struct {
	fields  map[string]string
	expires time.Time
}

type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	batches map[string]*record
	reports map[string]reportEntry
}

type reportEntry struct {
	data    []byte
	expires time.Time
}

type Option func(*Store)

// WithClock replaces time.Now; tests use it to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		batches: map[string]*record{},
		reports: map[string]reportEntry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ batch.Store = (*Store)(nil)

// live returns the record for id, dropping it if expired. Call with s.mu held.
func (s *Store) live(id string) *record {
	r := s.batches[id]
	if r == nil {
		return nil
	}
	if !r.expires.IsZero() && !s.now().Before(r.expires) {
		delete(s.batches, id)
		return nil
	}
	return r
}

func (s *Store) Create(_ context.Context, b *batch.Batch, ttl time.Duration) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("memstore: batch id required")
	}
	if ttl <= 0 {
		ttl = batch.DefaultTTL
	}
	fields, err := batch.EncodeFields(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(b.ID) != nil {
		return fmt.Errorf("memstore: %s: %w", b.ID, batch.ErrExists)
	}
	s.batches[b.ID] = &record{fields: fields, expires: s.now().Add(ttl)}
	return nil
}

// PutRaw stores raw fields without validation.
func (s *Store) PutRaw(id string, fields map[string]string, ttl time.Duration) {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &record{fields: cp}
	if ttl > 0 {
		r.expires = s.now().Add(ttl)
	}
	s.batches[id] = r
}

func (s *Store) Get(_ context.Context, id string) (*batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.live(id)
	if r == nil {
		return nil, batch.ErrNotFound
	}
	return s.decode(id, r)
}

func (s *Store) decode(id string, r *record) (*batch.Batch, error) {
	b, err := batch.DecodeFields(id, r.fields)
	if b != nil && !r.expires.IsZero() {
		b.TTL = r.expires.Sub(s.now())
	}
	return b, err
}

func (s *Store) SetStatus(_ context.Context, id string, status batch.Status, errMsg string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.live(id)
	if r == nil {
		return batch.ErrNotFound
	}
	cur := batch.Status(r.fields[batch.FieldStatus])
	if !batch.CanTransition(cur, status) {
		return fmt.Errorf("memstore: %s %s -> %s: %w", id, cur, status, batch.ErrInvalidTransition)
	}
	r.fields[batch.FieldStatus] = string(status)
	if errMsg != "" {
		r.fields[batch.FieldError] = batch.TruncateError(errMsg)
	}
	if ttl > 0 {
		r.expires = s.now().Add(ttl)
	}
	return nil
}

func (s *Store) AdvanceGenerated(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.live(id)
	if r == nil {
		return batch.ErrNotFound
	}
	cur, _ := strconv.Atoi(r.fields[batch.FieldGenerated])
	if n > cur {
		r.fields[batch.FieldGenerated] = strconv.Itoa(n)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.batches, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(_ context.Context) ([]*batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*batch.Batch, 0, len(ids))
	for _, id := range ids {
		r := s.live(id)
		if r == nil {
			continue
		}
		b, _ := s.decode(id, r)
		out = append(out, b)
	}
	return out, nil
}

// Len counts live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.batches {
		if s.live(id) != nil {
			n++
		}
	}
	return n
}

func (s *Store) PutReport(_ context.Context, r *batch.Report, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("memstore: encode report: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := reportEntry{data: data}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.reports[r.BatchID] = e
	return nil
}

func (s *Store) GetReport(_ context.Context, id string) (*batch.Report, error) {
	s.mu.Lock()
	e, ok := s.reports[id]
	if ok && !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.reports, id)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, batch.ErrNotFound
	}
	var r batch.Report
	if err := json.Unmarshal(e.data, &r); err != nil {
		return nil, fmt.Errorf("memstore: decode report: %w", err)
	}
	return &r, nil
}
