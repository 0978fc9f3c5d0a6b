// Package cache memoizes expensive LLM and query results by content hash.
// Lookups fail open: a broken backend degrades to a miss, never to an error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
)

// ErrMiss is returned by stores when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// DefaultTTL is applied when Set is called with a non-positive TTL.
const DefaultTTL = time.Hour

// Store is a byte-oriented key/value backend with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key derives a namespaced cache key from the exact input text.
func Key(namespace, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "bqa:" + namespace + ":" + hex.EncodeToString(sum[:])
}

// PromptCache wraps a Store with logging, metrics and JSON helpers.
// A nil *PromptCache behaves as an always-miss cache.
type PromptCache struct {
	store   Store
	ttl     time.Duration
	logger  *log.Logger
	metrics *telemetry.Metrics
}

func New(store Store, ttl time.Duration, logger *log.Logger, metrics *telemetry.Metrics) *PromptCache {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PromptCache{store: store, ttl: ttl, logger: logger, metrics: metrics}
}

// Get returns the cached bytes for key. Backend failures are logged and reported as a miss.
func (c *PromptCache) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	val, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Printf("[CACHE] warn: get %s: %v", namespace, err)
		}
		c.metrics.ObserveCache(namespace, false)
		return nil, false
	}
	c.metrics.ObserveCache(namespace, true)
	return val, true
}

// Set stores value under key with the cache TTL. Failures are logged only.
func (c *PromptCache) Set(ctx context.Context, namespace, key string, value []byte) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Printf("[CACHE] warn: set %s: %v", namespace, err)
	}
}

// GetJSON decodes a cached JSON document into out.
func (c *PromptCache) GetJSON(ctx context.Context, namespace, key string, out interface{}) bool {
	raw, ok := c.Get(ctx, namespace, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Printf("[CACHE] warn: decode %s: %v", namespace, err)
		return false
	}
	return true
}

// SetJSON encodes v and stores it.
func (c *PromptCache) SetJSON(ctx context.Context, namespace, key string, v interface{}) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Printf("[CACHE] warn: encode %s: %v", namespace, err)
		return
	}
	c.Set(ctx, namespace, key, raw)
}
