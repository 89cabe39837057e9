package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"switchdesk/pkg/utils"
)

// PostgresRepo persists sessions and call history.
//
// Tables:
//   call_sessions       one row per live session, deleted on finalize
//   call_history        append-only, unique on session_id
//
// Update is compare-and-set on the previous state column; Finalize runs the
// history insert and the live delete in one transaction.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const sessionColumns = `
	id, tenant_id, provider_call_id, direction, counterparty, display_name,
	state, assigned_agent_id, previous_agent_id, parking_slot,
	started_at, answered_at, hold_started_at, expires_at,
	recording, recording_url, created_at, updated_at`

func (r *PostgresRepo) Insert(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		s.ID, s.TenantID, s.ProviderCallID, s.Direction, s.Counterparty, s.DisplayName,
		s.State, nullStr(s.AssignedAgentID), nullStr(s.PreviousAgentID), s.ParkingSlot,
		s.StartedAt, nullTime(s.AnsweredAt), nullTime(s.HoldStartedAt), nullZeroTime(s.ExpiresAt),
		s.Recording, s.RecordingURL, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) GetByID(ctx context.Context, tenantID, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanSession(row)
}

func (r *PostgresRepo) GetByProviderCallID(ctx context.Context, tenantID, providerCallID string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions WHERE tenant_id = $1 AND provider_call_id = $2`, tenantID, providerCallID)
	return scanSession(row)
}

func (r *PostgresRepo) ListByTenant(ctx context.Context, tenantID string) ([]Session, error) {
	return r.query(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions WHERE tenant_id = $1 ORDER BY started_at`, tenantID)
}

func (r *PostgresRepo) ListByState(ctx context.Context, tenantID string, state State) ([]Session, error) {
	return r.query(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions WHERE tenant_id = $1 AND state = $2 ORDER BY started_at`, tenantID, state)
}

func (r *PostgresRepo) ListByAgent(ctx context.Context, tenantID, agentID string) ([]Session, error) {
	return r.query(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions WHERE tenant_id = $1 AND assigned_agent_id = $2 ORDER BY started_at`, tenantID, agentID)
}

func (r *PostgresRepo) ListExpiredRinging(ctx context.Context, now time.Time) ([]Session, error) {
	return r.query(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions WHERE state = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at`, StateRinging, now)
}

func (r *PostgresRepo) Update(ctx context.Context, s Session, prev State) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE call_sessions SET
			state = $1, assigned_agent_id = $2, previous_agent_id = $3,
			parking_slot = $4, answered_at = $5, hold_started_at = $6,
			recording = $7, recording_url = $8, updated_at = $9
		WHERE tenant_id = $10 AND id = $11 AND state = $12`,
		s.State, nullStr(s.AssignedAgentID), nullStr(s.PreviousAgentID),
		s.ParkingSlot, nullTime(s.AnsweredAt), nullTime(s.HoldStartedAt),
		s.Recording, s.RecordingURL, s.UpdatedAt,
		s.TenantID, s.ID, prev,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row moved state concurrently or it no longer exists.
		if _, getErr := r.GetByID(ctx, s.TenantID, s.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: session %s changed concurrently", ErrStateConflict, s.ID)
	}
	return nil
}

func (r *PostgresRepo) Finalize(ctx context.Context, tenantID, sessionID string, rec CallHistoryRecord) (bool, error) {
	applied := false
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM call_sessions WHERE tenant_id = $1 AND id = $2`, tenantID, sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Already finalized by a racing signal; leave history untouched.
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO call_history (
				id, tenant_id, session_id, provider_call_id, direction,
				counterparty, display_name, agent_id, outcome,
				started_at, answered_at, ended_at, talk_time_seconds,
				recording_url, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (session_id) DO NOTHING`,
			rec.ID, rec.TenantID, rec.SessionID, rec.ProviderCallID, rec.Direction,
			rec.Counterparty, rec.DisplayName, nullStr(rec.AgentID), rec.Outcome,
			rec.StartedAt, nullTime(rec.AnsweredAt), rec.EndedAt, rec.TalkTimeSeconds,
			rec.RecordingURL, rec.CreatedAt,
		)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *PostgresRepo) GetHistoryBySessionID(ctx context.Context, tenantID, sessionID string) (CallHistoryRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, provider_call_id, direction,
			counterparty, display_name, agent_id, outcome,
			started_at, answered_at, ended_at, talk_time_seconds,
			recording_url, created_at
		FROM call_history WHERE tenant_id = $1 AND session_id = $2`, tenantID, sessionID)
	return scanHistory(row)
}

func (r *PostgresRepo) ListHistory(ctx context.Context, tenantID string, from, to time.Time) ([]CallHistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, provider_call_id, direction,
			counterparty, display_name, agent_id, outcome,
			started_at, answered_at, ended_at, talk_time_seconds,
			recording_url, created_at
		FROM call_history
		WHERE tenant_id = $1 AND ended_at >= $2 AND ended_at <= $3
		ORDER BY ended_at`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var assigned, previous sql.NullString
	var answered, holdStarted, expires sql.NullTime
	err := row.Scan(
		&s.ID, &s.TenantID, &s.ProviderCallID, &s.Direction, &s.Counterparty, &s.DisplayName,
		&s.State, &assigned, &previous, &s.ParkingSlot,
		&s.StartedAt, &answered, &holdStarted, &expires,
		&s.Recording, &s.RecordingURL, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return Session{}, err
	}
	s.AssignedAgentID = assigned.String
	s.PreviousAgentID = previous.String
	if answered.Valid {
		t := answered.Time
		s.AnsweredAt = &t
	}
	if holdStarted.Valid {
		t := holdStarted.Time
		s.HoldStartedAt = &t
	}
	if expires.Valid {
		s.ExpiresAt = expires.Time
	}
	return s, nil
}

func scanHistory(row rowScanner) (CallHistoryRecord, error) {
	var rec CallHistoryRecord
	var agent sql.NullString
	var answered sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.SessionID, &rec.ProviderCallID, &rec.Direction,
		&rec.Counterparty, &rec.DisplayName, &agent, &rec.Outcome,
		&rec.StartedAt, &answered, &rec.EndedAt, &rec.TalkTimeSeconds,
		&rec.RecordingURL, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CallHistoryRecord{}, fmt.Errorf("%w: call history", ErrNotFound)
	}
	if err != nil {
		return CallHistoryRecord{}, err
	}
	rec.AgentID = agent.String
	if answered.Valid {
		t := answered.Time
		rec.AnsweredAt = &t
	}
	return rec, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullZeroTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
