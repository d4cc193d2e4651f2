// Package redisstore implements batch.Store on Redis hashes.
//
// Each batch lives at <prefix>batch:{id} with the fields defined in the
// batch package and a key expiry. Status and progress updates run as Lua
// scripts so concurrent workers cannot regress a record.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tickd/internal/batch"
)

const DefaultPrefix = "tickd:"

type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ batch.Store = (*Store)(nil)

// New wraps client. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) batchKey(id string) string  { return s.prefix + "batch:" + id }
func (s *Store) reportKey(id string) string { return s.prefix + "report:" + id }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// setStatusScript returns -1 when the record is missing, 0 for a rejected
// transition and 1 on success.
var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local rank = {initiation=0, in_progress=1, completed=2, completed_with_warnings=2, failed=2}
local to = rank[ARGV[1]]
if to == nil then return 0 end
local cur = redis.call('HGET', KEYS[1], 'status')
local from = -1
if cur then from = rank[cur] or -1 end
if from == 2 then return 0 end
if cur ~= ARGV[1] and to <= from then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[2] ~= '' then redis.call('HSET', KEYS[1], 'error_message', ARGV[2]) end
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

var advanceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = tonumber(redis.call('HGET', KEYS[1], 'generated_count_in_chunk') or '0') or 0
local n = tonumber(ARGV[1])
if n > cur then redis.call('HSET', KEYS[1], 'generated_count_in_chunk', ARGV[1]) end
return 1
`)

func (s *Store) Create(ctx context.Context, b *batch.Batch, ttl time.Duration) error {
	if b == nil || b.ID == "" {
		return errors.New("batch/redis: batch id required")
	}
	if ttl <= 0 {
		ttl = batch.DefaultTTL
	}
	fields, err := batch.EncodeFields(b)
	if err != nil {
		return err
	}
	key := s.batchKey(b.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("batch/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("batch/redis: %s: %w", b.ID, batch.ErrExists)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch/redis: create %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*batch.Batch, error) {
	key := s.batchKey(id)
	pipe := s.client.TxPipeline()
	all := pipe.HGetAll(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch/redis: get %s: %w", id, err)
	}
	fields := all.Val()
	if len(fields) == 0 {
		return nil, batch.ErrNotFound
	}
	b, err := batch.DecodeFields(id, fields)
	if d := pttl.Val(); d > 0 {
		b.TTL = d
	}
	return b, err
}

func (s *Store) SetStatus(ctx context.Context, id string, status batch.Status, errMsg string, ttl time.Duration) error {
	res, err := setStatusScript.Run(ctx, s.client, []string{s.batchKey(id)},
		string(status), batch.TruncateError(errMsg), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("batch/redis: set status %s: %w", id, err)
	}
	switch res {
	case -1:
		return batch.ErrNotFound
	case 0:
		return fmt.Errorf("batch/redis: %s -> %s: %w", id, status, batch.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) AdvanceGenerated(ctx context.Context, id string, n int) error {
	res, err := advanceScript.Run(ctx, s.client, []string{s.batchKey(id)}, n).Int()
	if err != nil {
		return fmt.Errorf("batch/redis: advance %s: %w", id, err)
	}
	if res == -1 {
		return batch.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.batchKey(id)).Err(); err != nil {
		return fmt.Errorf("batch/redis: delete %s: %w", id, err)
	}
	return nil
}

// List scans every batch key. Records that vanish mid-scan are skipped.
func (s *Store) List(ctx context.Context) ([]*batch.Batch, error) {
	match := s.batchKey("*")
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("batch/redis: scan: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, s.batchKey("")))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)

	out := make([]*batch.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.Get(ctx, id)
		switch {
		case errors.Is(err, batch.ErrNotFound):
			continue
		case err != nil && !errors.Is(err, batch.ErrMalformed):
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) PutReport(ctx context.Context, r *batch.Report, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("batch/redis: encode report: %w", err)
	}
	if err := s.client.Set(ctx, s.reportKey(r.BatchID), data, ttl).Err(); err != nil {
		return fmt.Errorf("batch/redis: put report %s: %w", r.BatchID, err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*batch.Report, error) {
	raw, err := s.client.Get(ctx, s.reportKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, batch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("batch/redis: get report %s: %w", id, err)
	}
	var r batch.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("batch/redis: decode report %s: %w", id, err)
	}
	return &r, nil
}
