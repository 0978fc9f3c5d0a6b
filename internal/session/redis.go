package session

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "bqa:session:"

// RedisStore keeps each conversation as one JSON value with a sliding TTL.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	window int
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration, window int) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, window: window}
}

func (s *RedisStore) Load(ctx context.Context, conversationID string) (*core.ConversationState, error) {
	b, err := s.rdb.Get(ctx, keyPrefix+conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(b)
}

func (s *RedisStore) Save(ctx context.Context, state *core.ConversationState) error {
	b, err := encode(state, s.window)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyPrefix+state.ConversationID, b, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	return s.rdb.Del(ctx, keyPrefix+conversationID).Err()
}
