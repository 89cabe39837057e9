package parking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"switchdesk/internal/session"
	"switchdesk/pkg/utils"
)

// PostgresRepo persists parking slots.
//
// Table: parking_slots, primary key (tenant_id, number).
//
// Occupy takes a row-level lock (SELECT ... FOR UPDATE) inside a
// transaction so two agents racing for the same free slot see exactly one
// winner instead of a lost update.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const slotColumns = `
	tenant_id, number, occupied, session_id, parked_by_agent_id,
	parked_at, conference_name, created_at, updated_at`

func (r *PostgresRepo) Get(ctx context.Context, tenantID string, number int) (Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+slotColumns+`
		FROM parking_slots WHERE tenant_id = $1 AND number = $2`, tenantID, number)
	return scanSlot(row)
}

func (r *PostgresRepo) List(ctx context.Context, tenantID string) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM parking_slots WHERE tenant_id = $1 ORDER BY number`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Occupy(ctx context.Context, tenantID string, number int, sessionID, agentID, conferenceName string, at time.Time) (Slot, error) {
	var out Slot
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lazily create the row, then lock it.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO parking_slots (tenant_id, number, occupied, created_at, updated_at)
			VALUES ($1, $2, FALSE, $3, $3)
			ON CONFLICT (tenant_id, number) DO NOTHING`, tenantID, number, at); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+slotColumns+`
			FROM parking_slots WHERE tenant_id = $1 AND number = $2 FOR UPDATE`, tenantID, number)
		cur, err := scanSlot(row)
		if err != nil {
			return err
		}
		if cur.Occupied {
			return fmt.Errorf("%w: slot %d", session.ErrSlotConflict, number)
		}

		row = tx.QueryRowContext(ctx, `
			UPDATE parking_slots SET
				occupied = TRUE, session_id = $1, parked_by_agent_id = $2,
				parked_at = $3, conference_name = $4, updated_at = $3
			WHERE tenant_id = $5 AND number = $6
			RETURNING `+slotColumns,
			sessionID, agentID, at, conferenceName, tenantID, number)
		out, err = scanSlot(row)
		return err
	})
	if err != nil {
		return Slot{}, err
	}
	return out, nil
}

func (r *PostgresRepo) Release(ctx context.Context, tenantID string, number int, sessionID string, at time.Time) (Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE parking_slots SET
			occupied = FALSE, session_id = NULL, parked_by_agent_id = NULL,
			parked_at = NULL, conference_name = NULL, updated_at = $1
		WHERE tenant_id = $2 AND number = $3 AND occupied = TRUE AND session_id = $4
		RETURNING `+slotColumns, at, tenantID, number, sessionID)
	out, err := scanSlot(row)
	if errors.Is(err, session.ErrNotFound) {
		return Slot{}, fmt.Errorf("%w: slot %d is not occupied by this session", session.ErrStateConflict, number)
	}
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (Slot, error) {
	var s Slot
	var sessionID, agentID, conference sql.NullString
	var parkedAt sql.NullTime
	err := row.Scan(
		&s.TenantID, &s.Number, &s.Occupied, &sessionID, &agentID,
		&parkedAt, &conference, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, fmt.Errorf("%w: parking slot", session.ErrNotFound)
	}
	if err != nil {
		return Slot{}, err
	}
	s.SessionID = sessionID.String
	s.ParkedByAgentID = agentID.String
	s.ConferenceName = conference.String
	if parkedAt.Valid {
		t := parkedAt.Time
		s.ParkedAt = &t
	}
	return s, nil
}
