package parking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"switchdesk/internal/session"
)

// MemoryRepo is an in-memory slot repository with the same atomic
// check-then-set semantics as the Postgres implementation.
type MemoryRepo struct {
	mu    sync.Mutex
	slots map[string]Slot // tenant/number -> slot
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{slots: make(map[string]Slot)}
}

func slotKey(tenantID string, number int) string {
	return fmt.Sprintf("%s/%d", tenantID, number)
}

func (r *MemoryRepo) Get(_ context.Context, tenantID string, number int) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotKey(tenantID, number)]
	if !ok {
		return Slot{}, fmt.Errorf("%w: slot %d", session.ErrNotFound, number)
	}
	return s, nil
}

func (r *MemoryRepo) List(_ context.Context, tenantID string) ([]Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Slot
	for _, s := range r.slots {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r *MemoryRepo) Occupy(_ context.Context, tenantID string, number int, sessionID, agentID, conferenceName string, at time.Time) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey(tenantID, number)
	s, ok := r.slots[key]
	if !ok {
		// Lazily created on first use.
		s = Slot{TenantID: tenantID, Number: number, CreatedAt: at}
	}
	if s.Occupied {
		return Slot{}, fmt.Errorf("%w: slot %d", session.ErrSlotConflict, number)
	}

	s.Occupied = true
	s.SessionID = sessionID
	s.ParkedByAgentID = agentID
	s.ConferenceName = conferenceName
	parkedAt := at
	s.ParkedAt = &parkedAt
	s.UpdatedAt = at
	r.slots[key] = s
	return s, nil
}

func (r *MemoryRepo) Release(_ context.Context, tenantID string, number int, sessionID string, at time.Time) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey(tenantID, number)
	s, ok := r.slots[key]
	if !ok || !s.Occupied {
		return Slot{}, fmt.Errorf("%w: slot %d is not occupied", session.ErrStateConflict, number)
	}
	if s.SessionID != sessionID {
		return Slot{}, fmt.Errorf("%w: slot %d bound to a different session", session.ErrStateConflict, number)
	}

	s.Occupied = false
	s.SessionID = ""
	s.ParkedByAgentID = ""
	s.ConferenceName = ""
	s.ParkedAt = nil
	s.UpdatedAt = at
	r.slots[key] = s
	return s, nil
}
