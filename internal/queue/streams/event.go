// Package streams is an append-only event log on top of Redis Streams. Producers append
// events; followers read them through a consumer group and acknowledge what they handled.
package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is the JSON document stored in the "event" field of each stream entry.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Version        string          `json:"version"`
	ConversationID string          `json:"conversation_id,omitempty"`
	At             time.Time       `json:"at"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEvent encodes payload into an event of the given type and version.
func NewEvent(eventType, version, conversationID string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Version: version, ConversationID: conversationID, Payload: data}, nil
}

func (e Event) validate() error {
	switch {
	case e.ID == "":
		return errors.New("event id is required")
	case e.Type == "":
		return errors.New("event type is required")
	case e.Version == "":
		return errors.New("event version is required")
	case len(e.Payload) == 0:
		return errors.New("event payload is required")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

func parseEvent(raw interface{}) (Event, error) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return Event{}, fmt.Errorf("unexpected event field type %T", raw)
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	return ev, ev.validate()
}
