package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
)

// MemoryStore keeps serialized states in a bounded LRU whose entries expire after ttl.
type MemoryStore struct {
	lru    *expirable.LRU[string, []byte]
	window int
}

func NewMemoryStore(maxEntries int, ttl time.Duration, window int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryStore{lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl), window: window}
}

func (s *MemoryStore) Load(_ context.Context, conversationID string) (*core.ConversationState, error) {
	b, ok := s.lru.Get(conversationID)
	if !ok {
		return nil, ErrNotFound
	}
	return decode(b)
}

func (s *MemoryStore) Save(_ context.Context, state *core.ConversationState) error {
	b, err := encode(state, s.window)
	if err != nil {
		return err
	}
	s.lru.Add(state.ConversationID, b)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.lru.Remove(conversationID)
	return nil
}
