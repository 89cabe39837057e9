// Package feed pushes session, slot, and transfer record changes to
// dashboard subscribers so external UIs can render live state without
// polling. Publication is best-effort: a failed publish is logged by the
// bus and never blocks the state transition that produced it.
package feed

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of record change.
type EventType string

const (
	SessionUpdated   EventType = "session.updated"
	SessionFinalized EventType = "session.finalized"
	SlotUpdated      EventType = "slot.updated"
	TransferUpdated  EventType = "transfer.updated"
	RingingUpdated   EventType = "ringing.updated"
)

// Event is one tenant-keyed record change.
type Event struct {
	// EventID is unique per event instance, for consumer deduplication.
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	EventTime time.Time `json:"event_time"`

	// Payload is the full record after the change, JSON-encoded.
	Payload json.RawMessage `json:"payload"`
}

// Subject returns the pub/sub channel for this event's tenant.
// Format: feed.tenant.<tenant_id>
func (e Event) Subject() string { return "feed.tenant." + e.TenantID }
