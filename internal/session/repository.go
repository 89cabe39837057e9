package session

import (
	"context"
	"time"
)

// Repository is the persistence contract for live sessions and call history.
//
// Rules:
// - Every query is tenant-filtered.
// - Update is compare-and-set on the previous state so two racing
//   transitions cannot both win.
// - Finalize must be transactional: the history insert and the live-row
//   delete succeed or fail together, and a second finalize for the same
//   session reports applied=false instead of erroring.
type Repository interface {
	Insert(ctx context.Context, s Session) error

	GetByID(ctx context.Context, tenantID, id string) (Session, error)
	GetByProviderCallID(ctx context.Context, tenantID, providerCallID string) (Session, error)

	ListByTenant(ctx context.Context, tenantID string) ([]Session, error)
	ListByState(ctx context.Context, tenantID string, state State) ([]Session, error)
	ListByAgent(ctx context.Context, tenantID, agentID string) ([]Session, error)

	// ListExpiredRinging returns ringing sessions past their deadline,
	// across tenants, for the background sweep.
	ListExpiredRinging(ctx context.Context, now time.Time) ([]Session, error)

	// Update persists s only if the stored row is still in prev.
	// Returns ErrStateConflict otherwise.
	Update(ctx context.Context, s Session, prev State) error

	// Finalize atomically replaces the live session with rec.
	// applied is false when the session was already finalized.
	Finalize(ctx context.Context, tenantID, sessionID string, rec CallHistoryRecord) (applied bool, err error)

	GetHistoryBySessionID(ctx context.Context, tenantID, sessionID string) (CallHistoryRecord, error)
	ListHistory(ctx context.Context, tenantID string, from, to time.Time) ([]CallHistoryRecord, error)
}
