package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher is the contract state-changing services publish through.
//
// Implementations must be fire-and-forget: swallow and log failures rather
// than surfacing them to the caller.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, et EventType, payload any)
}

// NewEvent builds a tenant-keyed event with a fresh event id.
// Marshal failures yield a nil payload rather than an error; the record
// types in this module are all plain structs.
func NewEvent(tenantID string, et EventType, payload any, at time.Time) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		EventID:   uuid.NewString(),
		EventType: et,
		TenantID:  tenantID,
		EventTime: at,
		Payload:   raw,
	}
}

// NopPublisher drops every event. Useful when a service is wired without a
// dashboard feed.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, EventType, any) {}

// MemoryBus is an in-process publisher useful for tests.
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
	clock  func() time.Time
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{clock: time.Now} }

func (b *MemoryBus) Publish(_ context.Context, tenantID string, et EventType, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, NewEvent(tenantID, et, payload, b.clock().UTC()))
}

// Events returns a copy of everything published so far.
func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// ByType filters published events by type.
func (b *MemoryBus) ByType(et EventType) []Event {
	var out []Event
	for _, e := range b.Events() {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}
