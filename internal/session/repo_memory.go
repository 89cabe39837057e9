package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository with the same compare-and-set and
// finalize semantics as the Postgres implementation. It backs tests and
// single-node development.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session           // id -> session
	byCall   map[string]string            // tenant/providerCallID -> id
	history  map[string]CallHistoryRecord // sessionID -> record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions: make(map[string]Session),
		byCall:   make(map[string]string),
		history:  make(map[string]CallHistoryRecord),
	}
}

func callKey(tenantID, providerCallID string) string {
	return tenantID + "/" + providerCallID
}

func (r *MemoryRepo) Insert(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: session %s already exists", ErrInvalidArgument, s.ID)
	}
	key := callKey(s.TenantID, s.ProviderCallID)
	if _, exists := r.byCall[key]; exists {
		return fmt.Errorf("%w: provider call %s already tracked", ErrInvalidArgument, s.ProviderCallID)
	}
	r.sessions[s.ID] = s
	r.byCall[key] = s.ID
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, tenantID, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.TenantID != tenantID {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s, nil
}

func (r *MemoryRepo) GetByProviderCallID(_ context.Context, tenantID, providerCallID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCall[callKey(tenantID, providerCallID)]
	if !ok {
		return Session{}, fmt.Errorf("%w: provider call %s", ErrNotFound, providerCallID)
	}
	return r.sessions[id], nil
}

func (r *MemoryRepo) ListByTenant(_ context.Context, tenantID string) ([]Session, error) {
	return r.list(func(s Session) bool { return s.TenantID == tenantID })
}

func (r *MemoryRepo) ListByState(_ context.Context, tenantID string, state State) ([]Session, error) {
	return r.list(func(s Session) bool { return s.TenantID == tenantID && s.State == state })
}

func (r *MemoryRepo) ListByAgent(_ context.Context, tenantID, agentID string) ([]Session, error) {
	return r.list(func(s Session) bool { return s.TenantID == tenantID && s.AssignedAgentID == agentID })
}

func (r *MemoryRepo) ListExpiredRinging(_ context.Context, now time.Time) ([]Session, error) {
	return r.list(func(s Session) bool {
		return s.State == StateRinging && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
	})
}

func (r *MemoryRepo) list(keep func(Session) bool) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Update(_ context.Context, s Session, prev State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.ID]
	if !ok || cur.TenantID != s.TenantID {
		return fmt.Errorf("%w: session %s", ErrNotFound, s.ID)
	}
	if cur.State != prev {
		return fmt.Errorf("%w: session %s moved to %s concurrently", ErrStateConflict, s.ID, cur.State)
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepo) Finalize(_ context.Context, tenantID, sessionID string, rec CallHistoryRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[sessionID]
	if !ok || cur.TenantID != tenantID {
		// First transition to ended wins; the rest are no-ops.
		return false, nil
	}
	delete(r.sessions, sessionID)
	delete(r.byCall, callKey(cur.TenantID, cur.ProviderCallID))
	r.history[sessionID] = rec
	return true, nil
}

func (r *MemoryRepo) GetHistoryBySessionID(_ context.Context, tenantID, sessionID string) (CallHistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.history[sessionID]
	if !ok || rec.TenantID != tenantID {
		return CallHistoryRecord{}, fmt.Errorf("%w: history for session %s", ErrNotFound, sessionID)
	}
	return rec, nil
}

func (r *MemoryRepo) ListHistory(_ context.Context, tenantID string, from, to time.Time) ([]CallHistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CallHistoryRecord
	for _, rec := range r.history {
		if rec.TenantID != tenantID {
			continue
		}
		if rec.EndedAt.Before(from) || rec.EndedAt.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
