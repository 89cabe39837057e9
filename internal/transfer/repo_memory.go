package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"switchdesk/internal/session"
)

// MemoryRepo is the in-memory Repository used by unit tests.
type MemoryRepo struct {
	mu        sync.Mutex
	transfers map[string]PendingTransfer // "tenant/id"
	rings     map[string]TargetedRinging // "tenant/id"
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		transfers: make(map[string]PendingTransfer),
		rings:     make(map[string]TargetedRinging),
	}
}

func memKey(tenantID, id string) string { return tenantID + "/" + id }

func (r *MemoryRepo) Insert(ctx context.Context, t PendingTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey(t.TenantID, t.ID)
	if _, ok := r.transfers[key]; ok {
		return fmt.Errorf("%w: transfer %s", session.ErrStateConflict, t.ID)
	}
	r.transfers[key] = t
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, tenantID, id string) (PendingTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[memKey(tenantID, id)]
	if !ok {
		return PendingTransfer{}, fmt.Errorf("%w: transfer %s", session.ErrNotFound, id)
	}
	return t, nil
}

func (r *MemoryRepo) ListRinging(ctx context.Context, tenantID string) ([]PendingTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingTransfer
	for _, t := range r.transfers {
		if t.TenantID == tenantID && t.Status == StatusRinging {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) Resolve(ctx context.Context, tenantID, id string, status Status, at time.Time) (PendingTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey(tenantID, id)
	t, ok := r.transfers[key]
	if !ok {
		return PendingTransfer{}, fmt.Errorf("%w: transfer %s", session.ErrNotFound, id)
	}
	if t.Status != StatusRinging {
		return PendingTransfer{}, fmt.Errorf("%w: transfer %s already %s", session.ErrStateConflict, id, t.Status)
	}
	t.Status = status
	resolved := at
	t.ResolvedAt = &resolved
	r.transfers[key] = t
	return t, nil
}

func (r *MemoryRepo) ListExpired(ctx context.Context, now time.Time) ([]PendingTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingTransfer
	for _, t := range r.transfers {
		if t.Expired(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (r *MemoryRepo) InsertRinging(ctx context.Context, ring TargetedRinging) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey(ring.TenantID, ring.ID)
	if _, ok := r.rings[key]; ok {
		return fmt.Errorf("%w: ringing %s", session.ErrStateConflict, ring.ID)
	}
	r.rings[key] = ring
	return nil
}

func (r *MemoryRepo) GetRinging(ctx context.Context, tenantID, id string) (TargetedRinging, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.rings[memKey(tenantID, id)]
	if !ok {
		return TargetedRinging{}, fmt.Errorf("%w: ringing %s", session.ErrNotFound, id)
	}
	return ring, nil
}

func (r *MemoryRepo) ListRingingByAgent(ctx context.Context, tenantID, agentID string) ([]TargetedRinging, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TargetedRinging
	for _, ring := range r.rings {
		if ring.TenantID == tenantID && ring.AgentID == agentID && ring.Status == RingStatusRinging {
			out = append(out, ring)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) ResolveRinging(ctx context.Context, tenantID, id string, status RingStatus, at time.Time) (TargetedRinging, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey(tenantID, id)
	ring, ok := r.rings[key]
	if !ok {
		return TargetedRinging{}, fmt.Errorf("%w: ringing %s", session.ErrNotFound, id)
	}
	if ring.Status != RingStatusRinging {
		return TargetedRinging{}, fmt.Errorf("%w: ringing %s already %s", session.ErrStateConflict, id, ring.Status)
	}
	ring.Status = status
	resolved := at
	ring.ResolvedAt = &resolved
	r.rings[key] = ring
	return ring, nil
}

func (r *MemoryRepo) ListExpiredRinging(ctx context.Context, now time.Time) ([]TargetedRinging, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TargetedRinging
	for _, ring := range r.rings {
		if ring.Expired(now) {
			out = append(out, ring)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}
