package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cartwheel/internal/participant"
	"cartwheel/internal/saga"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// SagaLog persists saga progress in Postgres. A partial unique index on
// order_id over non-terminal sagas keeps one saga per order in flight.
type SagaLog struct {
	db  *sql.DB
	now func() time.Time
}

var _ saga.Log = (*SagaLog)(nil)

// NewSagaLog constructs a saga log backed by Postgres.
func NewSagaLog(db *sql.DB) *SagaLog {
	return &SagaLog{db: db, now: time.Now}
}

// NewSagaLogWithSchema initializes the schema then returns the log.
func NewSagaLogWithSchema(ctx context.Context, db *sql.DB) (*SagaLog, error) {
	log := NewSagaLog(db)
	if err := log.InitSchema(ctx); err != nil {
		return nil, err
	}
	return log, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaLog) InitSchema(ctx context.Context) error {
	return execAll(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS sagas (
			tx_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			order_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sagas_one_active_per_order
			ON sagas (order_id)
			WHERE status NOT IN ('committed', 'rolled_back', 'rollback_incomplete')`,
		`CREATE TABLE IF NOT EXISTS saga_steps (
			id BIGSERIAL PRIMARY KEY,
			tx_id TEXT NOT NULL,
			participant TEXT NOT NULL,
			branch TEXT NOT NULL,
			mutation TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (tx_id) REFERENCES sagas(tx_id) ON DELETE CASCADE
		)`,
	)
}

func (s *SagaLog) Start(ctx context.Context, rec saga.Record) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sagas (tx_id, kind, order_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		rec.TxID, rec.Kind, rec.OrderID, saga.StatusStarted, now,
	)
	if pgCode(err) == pgUniqueViolation {
		return saga.ErrSagaInProgress
	}
	return err
}

func (s *SagaLog) UpdateStatus(ctx context.Context, txID string, status saga.Status, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET status = $2, reason = COALESCE(NULLIF($3, ''), reason), updated_at = $4
		WHERE tx_id = $1`,
		txID, status, reason, s.now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireAffected(res, saga.ErrUnknownSaga)
}

func (s *SagaLog) AddStep(ctx context.Context, txID string, step saga.Step) error {
	if step.At.IsZero() {
		step.At = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_steps (tx_id, participant, branch, mutation, status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txID, step.Participant, step.Branch, step.Mutation, step.Status, step.Detail, step.At,
	)
	if pgCode(err) == pgForeignKeyViolation {
		return saga.ErrUnknownSaga
	}
	return err
}

func (s *SagaLog) Get(ctx context.Context, txID string) (saga.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_id, kind, order_id, status, reason, created_at, updated_at
		FROM sagas
		WHERE tx_id = $1`,
		txID,
	)
	rec, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Record{}, saga.ErrUnknownSaga
	}
	if err != nil {
		return saga.Record{}, err
	}
	if rec.Steps, err = s.steps(ctx, txID); err != nil {
		return saga.Record{}, err
	}
	return rec, nil
}

func (s *SagaLog) Active(ctx context.Context) ([]saga.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, kind, order_id, status, reason, created_at, updated_at
		FROM sagas
		WHERE status NOT IN ('committed', 'rolled_back', 'rollback_incomplete')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var out []saga.Record
	for rows.Next() {
		rec, err := scanSaga(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Steps, err = s.steps(ctx, out[i].TxID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SagaLog) steps(ctx context.Context, txID string) ([]saga.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant, branch, mutation, status, detail, created_at
		FROM saga_steps
		WHERE tx_id = $1
		ORDER BY id`,
		txID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Step
	for rows.Next() {
		var step saga.Step
		var mutation, status string
		if err := rows.Scan(&step.Participant, &step.Branch, &mutation, &status, &step.Detail, &step.At); err != nil {
			return nil, err
		}
		step.Mutation = participant.Mutation(mutation)
		step.Status = saga.StepStatus(status)
		out = append(out, step)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(row scanner) (saga.Record, error) {
	var rec saga.Record
	var kind, status string
	if err := row.Scan(&rec.TxID, &kind, &rec.OrderID, &status, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return saga.Record{}, err
	}
	rec.Kind = saga.Kind(kind)
	rec.Status = saga.Status(status)
	return rec, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
