package audit

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/buildingqa/internal/queue/streams"
)

const (
	// EventType is the stream event type of published audit records.
	EventType      = "query_audit"
	payloadVersion = "v1"
	streamMaxLen   = 10000
)

// StreamSink publishes records to a Redis stream so other processes can follow them.
type StreamSink struct {
	stream *streams.Stream
}

func NewStreamSink(stream *streams.Stream) *StreamSink {
	return &StreamSink{stream: stream}
}

func (s *StreamSink) Name() string { return "stream" }

func (s *StreamSink) Write(ctx context.Context, rec Record) error {
	prepare(&rec)
	ev, err := streams.NewEvent(EventType, payloadVersion, rec.ConversationID, rec)
	if err != nil {
		return err
	}
	ev.ID = rec.ID
	ev.At = rec.Timestamp
	_, err = s.stream.Append(ctx, ev)
	return err
}

// DecodeEvent returns the record carried by a stream event.
func DecodeEvent(ev streams.Event) (Record, error) {
	if ev.Type != EventType {
		return Record{}, fmt.Errorf("not an audit event: %s", ev.Type)
	}
	var rec Record
	err := ev.Decode(&rec)
	return rec, err
}
