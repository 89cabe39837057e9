package transfer

import (
	"context"
	"time"
)

// Repository persists pending transfers and targeted-ringing records.
//
// Resolve and ResolveRinging are compare-and-set on the ringing status so
// that racing accept/decline/timeout callers settle each record exactly
// once; losers get session.ErrStateConflict.
type Repository interface {
	Insert(ctx context.Context, t PendingTransfer) error
	Get(ctx context.Context, tenantID, id string) (PendingTransfer, error)
	ListRinging(ctx context.Context, tenantID string) ([]PendingTransfer, error)
	Resolve(ctx context.Context, tenantID, id string, status Status, at time.Time) (PendingTransfer, error)

	// ListExpired returns still-ringing transfers past their deadline,
	// across all tenants, for the background sweep.
	ListExpired(ctx context.Context, now time.Time) ([]PendingTransfer, error)

	InsertRinging(ctx context.Context, r TargetedRinging) error
	GetRinging(ctx context.Context, tenantID, id string) (TargetedRinging, error)
	ListRingingByAgent(ctx context.Context, tenantID, agentID string) ([]TargetedRinging, error)
	ResolveRinging(ctx context.Context, tenantID, id string, status RingStatus, at time.Time) (TargetedRinging, error)
	ListExpiredRinging(ctx context.Context, now time.Time) ([]TargetedRinging, error)
}
