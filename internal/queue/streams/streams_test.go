package streams

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type auditPayload struct {
	UserQuery string `json:"user_query"`
}

func TestAppendAndFollow(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	s := New(client, "audit", 100)

	f, err := s.Follow(ctx, "tail", "cli", true)
	require.NoError(t, err)
	_, err = s.Follow(ctx, "tail", "cli-2", true)
	require.NoError(t, err, "joining an existing group must tolerate BUSYGROUP")

	ev, err := NewEvent("query_audit", "v1", "conv-1", auditPayload{UserQuery: "Which AHU serves room 5.04?"})
	require.NoError(t, err)
	id, err := s.Append(ctx, ev)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// entries without an event field are dropped
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "audit", Values: map[string]interface{}{"junk": "1"}}).Err())

	got, err := f.Next(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].EntryID)
	assert.Equal(t, "query_audit", got[0].Event.Type)
	assert.Equal(t, "conv-1", got[0].Event.ConversationID)
	assert.NotEmpty(t, got[0].Event.ID)
	assert.False(t, got[0].Event.At.IsZero())

	var payload auditPayload
	require.NoError(t, got[0].Event.Decode(&payload))
	assert.Equal(t, "Which AHU serves room 5.04?", payload.UserQuery)
	require.NoError(t, f.Ack(ctx, got[0].EntryID))

	pending, err := client.XPending(ctx, "audit", "tail").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestFollowFromTailSkipsHistory(t *testing.T) {
	ctx := context.Background()
	s := New(newRedis(t), "audit", 0)
	old, _ := NewEvent("query_audit", "v1", "conv-old", auditPayload{UserQuery: "old"})
	_, err := s.Append(ctx, old)
	require.NoError(t, err)

	f, err := s.Follow(ctx, "live", "cli", false)
	require.NoError(t, err)
	got, err := f.Next(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendValidation(t *testing.T) {
	_, err := New(nil, "", 0).Append(context.Background(), Event{})
	assert.Error(t, err)
	_, err = New(nil, "audit", 0).Append(context.Background(), Event{Type: "query_audit", Version: "v1"})
	assert.Error(t, err, "an empty payload must be rejected")
}
