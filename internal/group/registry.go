package group

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "conduit/pkg/errors"
)

// Registry hands out member ids from a counter shared by every process
// serving the group. Without a ttl the counter never resets, so ids stay
// consumed after the process that drew them exits.
type Registry interface {
	Next(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Current(ctx context.Context, key string) (int64, error)
	// Refresh pushes the counter's expiry out to ttl from now.
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}

type RedisRegistry struct {
	client redis.UniversalClient
}

func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// Next increments key and, when ttl is set, refreshes its expiry in the
// same transaction.
func (r *RedisRegistry) Next(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Transport("INCR", key, "", err)
	}
	return incr.Val(), nil
}

func (r *RedisRegistry) Current(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Transport("GET", key, "", err)
	}
	return n, nil
}

func (r *RedisRegistry) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return apperrors.Transport("EXPIRE", key, "", err)
	}
	return nil
}

// MemoryRegistry keeps counters in process, expiring them like Redis does.
type MemoryRegistry struct {
	mu       sync.Mutex
	counters map[string]int64
	expires  map[string]time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		counters: make(map[string]int64),
		expires:  make(map[string]time.Time),
	}
}

// expireLocked drops key once its deadline has passed. Callers hold r.mu.
func (r *MemoryRegistry) expireLocked(key string) {
	if at, ok := r.expires[key]; ok && !time.Now().Before(at) {
		delete(r.counters, key)
		delete(r.expires, key)
	}
}

func (r *MemoryRegistry) Next(_ context.Context, key string, ttl time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(key)
	r.counters[key]++
	if ttl > 0 {
		r.expires[key] = time.Now().Add(ttl)
	}
	return r.counters[key], nil
}

func (r *MemoryRegistry) Current(_ context.Context, key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(key)
	return r.counters[key], nil
}

func (r *MemoryRegistry) Refresh(_ context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(key)
	if _, ok := r.counters[key]; ok && ttl > 0 {
		r.expires[key] = time.Now().Add(ttl)
	}
	return nil
}
