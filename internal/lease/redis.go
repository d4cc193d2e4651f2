package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a lease on a single key with an expiry, so a crashed holder
// frees it after TTL.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	token  string

	mu   sync.Mutex
	held bool
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, key: key, ttl: ttl, token: uuid.NewString()}
}

func (r *Redis) Acquire(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.client.SetNX(ctx, r.key, r.token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease/redis: setnx: %w", err)
	}
	if ok {
		r.held = true
		return true, nil
	}

	// Already ours: extend.
	cur, err := r.client.Get(ctx, r.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease/redis: get: %w", err)
	}
	if cur == r.token {
		if err := r.client.PExpire(ctx, r.key, r.ttl).Err(); err != nil {
			return false, fmt.Errorf("lease/redis: extend: %w", err)
		}
		r.held = true
		return true, nil
	}
	r.held = false
	return false, nil
}

func (r *Redis) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.held {
		return ErrNotHeld
	}
	r.held = false
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("lease/redis: release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
