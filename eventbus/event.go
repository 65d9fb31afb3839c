// Package eventbus publishes one ChangeEvent per committed row mutation to
// every subscription whose filter matches. Delivery is at-least-once and
// best-effort; ordering is guaranteed only within a single entity's event
// stream, never across entities. Events are consumed once per subscriber and
// discarded, not persisted: a client that missed events resyncs instead of
// replaying.
package eventbus

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// TableWildcard subscribes to every table ("all operations" subscription).
const TableWildcard = "*"

// ChangeEvent describes one committed row mutation. Immutable once
// published.
type ChangeEvent struct {
	Schema   string         `json:"schema"`
	Table    string         `json:"table"`
	Type     EventType      `json:"eventType"`
	EntityID string         `json:"entity_id"`
	New      map[string]any `json:"new,omitempty"`
	Old      map[string]any `json:"old,omitempty"`
	// CommitTS is the commit timestamp in unix milliseconds. Consumers key
	// idempotent merges on (EntityID, CommitTS).
	CommitTS int64 `json:"commit_ts"`
	// Origin is the id of the client whose mutation produced this event, so
	// that client can tell its own echo from a peer's change. Empty for
	// server-initiated changes.
	Origin string `json:"origin,omitempty"`
}

// Topic returns the subscription topic, "schema.table".
func (e *ChangeEvent) Topic() string {
	return e.Schema + "." + e.Table
}

func (e *ChangeEvent) validate() error {
	if e.Table == "" {
		return fmt.Errorf("eventbus: event without table")
	}
	if e.EntityID == "" {
		return fmt.Errorf("eventbus: event without entity id")
	}
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete:
		return nil
	default:
		return fmt.Errorf("eventbus: unknown event type %q", e.Type)
	}
}

// Encode renders the wire envelope.
func (e *ChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire envelope.
func DecodeEvent(b []byte) (*ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
