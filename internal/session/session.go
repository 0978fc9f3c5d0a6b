// Package session persists conversation state between turns.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no state is stored for a conversation.
var ErrNotFound = errors.New("session: conversation not found")

// Store loads and saves conversation state.
type Store interface {
	Load(ctx context.Context, conversationID string) (*core.ConversationState, error)
	Save(ctx context.Context, state *core.ConversationState) error
	Delete(ctx context.Context, conversationID string) error
}

type StoreType string

const (
	RedisStoreType  StoreType = "redis"
	MemoryStoreType StoreType = "memory"
)

// NewStore builds the store selected by cfg. rdb is required for the redis backend.
func NewStore(cfg config.SessionConfig, rdb *redis.Client) (Store, error) {
	switch StoreType(cfg.Backend) {
	case RedisStoreType:
		if rdb == nil {
			return nil, fmt.Errorf("session: redis backend requires a redis client")
		}
		return NewRedisStore(rdb, cfg.TTL, cfg.Window), nil
	case MemoryStoreType:
		return NewMemoryStore(cfg.MaxEntries, cfg.TTL, cfg.Window), nil
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", cfg.Backend)
	}
}

// encode trims the history to the newest window messages and serializes the state.
func encode(state *core.ConversationState, window int) ([]byte, error) {
	if state == nil || strings.TrimSpace(state.ConversationID) == "" {
		return nil, fmt.Errorf("session: conversation id is required")
	}
	out := *state
	if window > 0 && len(out.Messages) > window {
		out.Messages = out.Messages[len(out.Messages)-window:]
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now().UTC()
	}
	return json.Marshal(&out)
}

func decode(b []byte) (*core.ConversationState, error) {
	var st core.ConversationState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("session: decode state: %w", err)
	}
	return &st, nil
}
