// Package event holds the decoded unit of data handed to topic handlers.
package event

import (
	"encoding/json"
	"time"
)

// Event is immutable once dispatched and is not retained by the client core.
type Event struct {
	Topic string
	// ID is the payload's "id" field when it carries one; used for dedup.
	ID         string
	Payload    any
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the raw payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Handler must not block: update local state and return.
type Handler func(Event)
