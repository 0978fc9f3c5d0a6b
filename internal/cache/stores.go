package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries in Redis with native key expiry.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MemoryStore is an in-process store for single-instance deployments and tests.
type MemoryStore struct {
	cache *ristretto.Cache
}

// NewMemoryStore creates a ristretto-backed store bounded by maxCost bytes.
func NewMemoryStore(maxCost int64) (*MemoryStore, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &MemoryStore{cache: c}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrMiss
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	if !s.cache.SetWithTTL(key, stored, int64(len(stored))+int64(len(key)), ttl) {
		return fmt.Errorf("memory cache rejected key")
	}
	// make the entry visible to the next Get
	s.cache.Wait()
	return nil
}

func (s *MemoryStore) Close() {
	s.cache.Close()
}
