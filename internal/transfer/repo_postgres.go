package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"switchdesk/internal/session"
)

// PostgresRepo persists pending transfers and targeted-ringing records.
//
// Tables: pending_transfers (primary key id) and targeted_ringing
// (primary key id). Resolve uses a conditional UPDATE on status='ringing'
// so concurrent accept/decline/timeout callers settle each record once.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const transferColumns = `
	id, tenant_id, session_id, kind, from_agent_id, target_agent_id,
	target_leg_id, return_to_slot, status, created_at, expires_at, resolved_at`

func (r *PostgresRepo) Insert(ctx context.Context, t PendingTransfer) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.TenantID, t.SessionID, t.Kind, nullStr(t.FromAgentID),
		t.TargetAgentID, nullStr(t.TargetLegID), t.ReturnToSlot, t.Status,
		t.CreatedAt, t.ExpiresAt, t.ResolvedAt)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, tenantID, id string) (PendingTransfer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+`
		FROM pending_transfers WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanTransfer(row)
}

func (r *PostgresRepo) ListRinging(ctx context.Context, tenantID string) ([]PendingTransfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM pending_transfers
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at`, tenantID, StatusRinging)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (r *PostgresRepo) Resolve(ctx context.Context, tenantID, id string, status Status, at time.Time) (PendingTransfer, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE pending_transfers SET status = $1, resolved_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
		RETURNING `+transferColumns,
		status, at, tenantID, id, StatusRinging)
	out, err := scanTransfer(row)
	if errors.Is(err, session.ErrNotFound) {
		// Distinguish a missing record from a lost resolution race.
		if _, getErr := r.Get(ctx, tenantID, id); getErr != nil {
			return PendingTransfer{}, getErr
		}
		return PendingTransfer{}, fmt.Errorf("%w: transfer %s already resolved", session.ErrStateConflict, id)
	}
	return out, err
}

func (r *PostgresRepo) ListExpired(ctx context.Context, now time.Time) ([]PendingTransfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM pending_transfers
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at`, StatusRinging, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

const ringColumns = `
	id, tenant_id, session_id, agent_id, from_number, display_name,
	status, created_at, expires_at, resolved_at`

func (r *PostgresRepo) InsertRinging(ctx context.Context, ring TargetedRinging) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO targeted_ringing (`+ringColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ring.ID, ring.TenantID, ring.SessionID, ring.AgentID, ring.From,
		nullStr(ring.DisplayName), ring.Status, ring.CreatedAt, ring.ExpiresAt,
		ring.ResolvedAt)
	return err
}

func (r *PostgresRepo) GetRinging(ctx context.Context, tenantID, id string) (TargetedRinging, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ringColumns+`
		FROM targeted_ringing WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanRinging(row)
}

func (r *PostgresRepo) ListRingingByAgent(ctx context.Context, tenantID, agentID string) ([]TargetedRinging, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ringColumns+`
		FROM targeted_ringing
		WHERE tenant_id = $1 AND agent_id = $2 AND status = $3
		ORDER BY created_at`, tenantID, agentID, RingStatusRinging)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRinging(rows)
}

func (r *PostgresRepo) ResolveRinging(ctx context.Context, tenantID, id string, status RingStatus, at time.Time) (TargetedRinging, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE targeted_ringing SET status = $1, resolved_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
		RETURNING `+ringColumns,
		status, at, tenantID, id, RingStatusRinging)
	out, err := scanRinging(row)
	if errors.Is(err, session.ErrNotFound) {
		if _, getErr := r.GetRinging(ctx, tenantID, id); getErr != nil {
			return TargetedRinging{}, getErr
		}
		return TargetedRinging{}, fmt.Errorf("%w: ringing %s already resolved", session.ErrStateConflict, id)
	}
	return out, err
}

func (r *PostgresRepo) ListExpiredRinging(ctx context.Context, now time.Time) ([]TargetedRinging, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ringColumns+`
		FROM targeted_ringing
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at`, RingStatusRinging, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRinging(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (PendingTransfer, error) {
	var t PendingTransfer
	var from, leg sql.NullString
	var resolved sql.NullTime
	err := row.Scan(
		&t.ID, &t.TenantID, &t.SessionID, &t.Kind, &from, &t.TargetAgentID,
		&leg, &t.ReturnToSlot, &t.Status, &t.CreatedAt, &t.ExpiresAt, &resolved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingTransfer{}, fmt.Errorf("%w: transfer", session.ErrNotFound)
	}
	if err != nil {
		return PendingTransfer{}, err
	}
	t.FromAgentID = from.String
	t.TargetLegID = leg.String
	if resolved.Valid {
		at := resolved.Time
		t.ResolvedAt = &at
	}
	return t, nil
}

func collectTransfers(rows *sql.Rows) ([]PendingTransfer, error) {
	var out []PendingTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRinging(row rowScanner) (TargetedRinging, error) {
	var ring TargetedRinging
	var display sql.NullString
	var resolved sql.NullTime
	err := row.Scan(
		&ring.ID, &ring.TenantID, &ring.SessionID, &ring.AgentID, &ring.From,
		&display, &ring.Status, &ring.CreatedAt, &ring.ExpiresAt, &resolved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TargetedRinging{}, fmt.Errorf("%w: targeted ringing", session.ErrNotFound)
	}
	if err != nil {
		return TargetedRinging{}, err
	}
	ring.DisplayName = display.String
	if resolved.Valid {
		at := resolved.Time
		ring.ResolvedAt = &at
	}
	return ring, nil
}

func collectRinging(rows *sql.Rows) ([]TargetedRinging, error) {
	var out []TargetedRinging
	for rows.Next() {
		ring, err := scanRinging(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ring)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
