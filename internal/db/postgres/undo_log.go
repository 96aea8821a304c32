package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"
)

// UndoLog is a participant.UndoLog kept in the participant's own database so
// undo records commit alongside the domain tables they describe. A closed
// row is the tombstone left by Claim.
type UndoLog struct {
	db  *sql.DB
	now func() time.Time
}

var _ participant.UndoLog = (*UndoLog)(nil)

// NewUndoLog constructs an undo log.
func NewUndoLog(db *sql.DB) *UndoLog {
	return &UndoLog{db: db, now: time.Now}
}

// NewUndoLogWithSchema initializes the schema then returns the log.
func NewUndoLogWithSchema(ctx context.Context, db *sql.DB) (*UndoLog, error) {
	log := NewUndoLog(db)
	if err := log.InitSchema(ctx); err != nil {
		return nil, err
	}
	return log, nil
}

// InitSchema creates the undo_records table if it does not exist.
func (u *UndoLog) InitSchema(ctx context.Context) error {
	return execAll(ctx, u.db, `CREATE TABLE IF NOT EXISTS undo_records (
			tx_id TEXT NOT NULL,
			step TEXT NOT NULL,
			participant TEXT NOT NULL DEFAULT '',
			undo JSONB,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tx_id, step)
		)`)
}

func (u *UndoLog) State(ctx context.Context, b txctx.Branch) (participant.BranchState, error) {
	var closed bool
	err := u.db.QueryRowContext(ctx, `SELECT closed FROM undo_records WHERE tx_id = $1 AND step = $2`, b.TxID, b.Step).
		Scan(&closed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return participant.BranchUnknown, nil
	case err != nil:
		return participant.BranchUnknown, err
	case closed:
		return participant.BranchClosed, nil
	default:
		return participant.BranchRecorded, nil
	}
}

func (u *UndoLog) Record(ctx context.Context, rec participant.UndoRecord) error {
	undo, err := json.Marshal(rec.Undo)
	if err != nil {
		return err
	}
	res, err := u.db.ExecContext(ctx, `
		INSERT INTO undo_records (tx_id, step, participant, undo, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_id, step) DO NOTHING`,
		rec.Branch.TxID, rec.Branch.Step, rec.Participant, undo, u.createdAt(rec),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	state, err := u.State(ctx, rec.Branch)
	if err != nil {
		return err
	}
	if state == participant.BranchClosed {
		return participant.ErrBranchClosed
	}
	return participant.ErrBranchExists
}

func (u *UndoLog) Claim(ctx context.Context, b txctx.Branch) (participant.UndoRecord, bool, error) {
	res, err := u.db.ExecContext(ctx, `
		INSERT INTO undo_records (tx_id, step, closed, created_at)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (tx_id, step) DO NOTHING`,
		b.TxID, b.Step, u.now().UTC(),
	)
	if err != nil {
		return participant.UndoRecord{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return participant.UndoRecord{}, false, err
	}
	if affected > 0 {
		return participant.UndoRecord{}, false, nil
	}

	rec := participant.UndoRecord{Branch: b}
	var undo []byte
	err = u.db.QueryRowContext(ctx, `
		UPDATE undo_records SET closed = TRUE
		WHERE tx_id = $1 AND step = $2 AND NOT closed
		RETURNING participant, undo, created_at`,
		b.TxID, b.Step,
	).Scan(&rec.Participant, &undo, &rec.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return participant.UndoRecord{}, false, nil
	case err != nil:
		return participant.UndoRecord{}, false, err
	}
	if err := json.Unmarshal(undo, &rec.Undo); err != nil {
		return participant.UndoRecord{}, false, fmt.Errorf("decode undo record %s: %w", b, err)
	}
	return rec, true, nil
}

func (u *UndoLog) Release(ctx context.Context, rec participant.UndoRecord) error {
	undo, err := json.Marshal(rec.Undo)
	if err != nil {
		return err
	}
	_, err = u.db.ExecContext(ctx, `
		INSERT INTO undo_records (tx_id, step, participant, undo, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_id, step) DO UPDATE
		SET closed = FALSE, participant = EXCLUDED.participant, undo = EXCLUDED.undo`,
		rec.Branch.TxID, rec.Branch.Step, rec.Participant, undo, u.createdAt(rec),
	)
	return err
}

func (u *UndoLog) createdAt(rec participant.UndoRecord) time.Time {
	if rec.CreatedAt.IsZero() {
		return u.now().UTC()
	}
	return rec.CreatedAt
}
