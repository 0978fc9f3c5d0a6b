package cache

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestKeyIsStableAndNamespaced(t *testing.T) {
	a := Key("intent", "what is the temperature?")
	b := Key("intent", "what is the temperature?")
	c := Key("kg", "what is the temperature?")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.True(t, strings.HasPrefix(a, "bqa:intent:"))
	require.NotEqual(t, Key("intent", "a"), Key("intent", "a "))
}

func TestRedisStoreRoundTripAndExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.True(t, errors.Is(err, ErrMiss))

	require.NoError(t, store.Set(ctx, "k", []byte(`{"a":1}`), time.Hour))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(got))

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, "k")
	require.True(t, errors.Is(err, ErrMiss))
}

func TestPromptCacheFailsOpen(t *testing.T) {
	store, mr := newRedisStore(t)
	var buf bytes.Buffer
	c := New(store, time.Hour, log.New(&buf, "", 0), nil)
	ctx := context.Background()

	c.SetJSON(ctx, "intent", "key", map[string]string{"intent": "analytics"})
	var out map[string]string
	require.True(t, c.GetJSON(ctx, "intent", "key", &out))
	require.Equal(t, "analytics", out["intent"])

	mr.Close()
	_, ok := c.Get(ctx, "intent", "key")
	require.False(t, ok)
	c.Set(ctx, "intent", "key", []byte("x"))
	require.Contains(t, buf.String(), "[CACHE] warn")
}

func TestNilPromptCacheAlwaysMisses(t *testing.T) {
	var c *PromptCache
	c.Set(context.Background(), "ns", "k", []byte("v"))
	_, ok := c.Get(context.Background(), "ns", "k")
	require.False(t, ok)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store, err := NewMemoryStore(1 << 20)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	ctx := context.Background()

	val := []byte("hello")
	require.NoError(t, store.Set(ctx, "k", val, time.Hour))
	val[0] = 'j'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got[0] = 'y'
	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "hello", string(again))
}
