package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const eventField = "event"

// Stream is one named Redis stream. MaxLen caps it approximately; zero leaves it unbounded.
type Stream struct {
	client *redis.Client
	name   string
	maxLen int64
}

func New(client *redis.Client, name string, maxLen int64) *Stream {
	return &Stream{client: client, name: name, maxLen: maxLen}
}

func (s *Stream) Name() string { return s.name }

// Append stamps ID and time when unset and adds the event. It returns the entry id.
func (s *Stream) Append(ctx context.Context, ev Event) (string, error) {
	if s.name == "" {
		return "", errors.New("stream name is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := ev.validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{Stream: s.name, Values: map[string]interface{}{eventField: raw}}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.name, err)
	}
	return id, nil
}

// Delivery is an event read by a follower together with its stream entry id.
type Delivery struct {
	EntryID string
	Event   Event
}

// Follower reads a stream as one consumer of a consumer group.
type Follower struct {
	stream   *Stream
	group    string
	consumer string
}

// Follow joins group as consumer, creating the group when missing. A new group starts at
// the beginning of the stream when fromStart is set and at its tail otherwise.
func (s *Stream) Follow(ctx context.Context, group, consumer string, fromStart bool) (*Follower, error) {
	if group == "" || consumer == "" {
		return nil, errors.New("consumer group and name are required")
	}
	start := "$"
	if fromStart {
		start = "0"
	}
	if err := s.client.XGroupCreateMkStream(ctx, s.name, group, start).Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("xgroup create %s: %w", s.name, err)
	}
	return &Follower{stream: s, group: group, consumer: consumer}, nil
}

// Next returns up to count new deliveries, waiting at most block for the first one. A
// non-positive block returns immediately. Entries that are not valid events are
// acknowledged and dropped.
func (f *Follower) Next(ctx context.Context, block time.Duration, count int64) ([]Delivery, error) {
	if block <= 0 {
		block = -1
	}
	res, err := f.stream.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.group,
		Consumer: f.consumer,
		Streams:  []string{f.stream.name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", f.stream.name, err)
	}
	var out []Delivery
	var junk []string
	for _, st := range res {
		for _, msg := range st.Messages {
			ev, err := parseEvent(msg.Values[eventField])
			if err != nil {
				junk = append(junk, msg.ID)
				continue
			}
			out = append(out, Delivery{EntryID: msg.ID, Event: ev})
		}
	}
	if err := f.Ack(ctx, junk...); err != nil {
		return out, err
	}
	return out, nil
}

// Ack marks entries as handled.
func (f *Follower) Ack(ctx context.Context, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if err := f.stream.client.XAck(ctx, f.stream.name, f.group, entryIDs...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", f.stream.name, err)
	}
	return nil
}
