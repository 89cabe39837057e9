package parking

import (
	"context"
	"time"
)

// Repository is the persistence contract for parking slots.
//
// Occupy must be check-then-set as a single atomic step (compare-and-set or
// a row-level lock), never read-then-write from the caller: two agents
// racing for the same free slot must see exactly one winner.
type Repository interface {
	// Get returns the slot, or session.ErrNotFound if it was never used.
	Get(ctx context.Context, tenantID string, number int) (Slot, error)

	// List returns every slot the tenant has touched, ordered by number.
	List(ctx context.Context, tenantID string) ([]Slot, error)

	// Occupy atomically binds a free (or unseen) slot to a session.
	// Returns session.ErrSlotConflict when the slot is already occupied.
	Occupy(ctx context.Context, tenantID string, number int, sessionID, agentID, conferenceName string, at time.Time) (Slot, error)

	// Release frees the slot. Returns session.ErrStateConflict when the
	// slot is not occupied or bound to a different session.
	Release(ctx context.Context, tenantID string, number int, sessionID string, at time.Time) (Slot, error)
}
