package outbox

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_records (
	tenant_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	unit_of_work_id TEXT NOT NULL,
	step_id TEXT,
	operation_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL,
	next_attempt_at TIMESTAMP,
	reason_code TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS outbox_due
	ON outbox_records (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS outbox_uow
	ON outbox_records (tenant_id, unit_of_work_id);
`

// Init creates the outbox table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, outboxSchema)
	return err
}

// Enqueue implements Store. ON CONFLICT DO NOTHING plus a read-back makes
// the call idempotent under concurrent enqueues of the same key.
func (s *SQLStore) Enqueue(ctx context.Context, rec Record) (Record, error) {
	now := time.Now().UTC()
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_records
			(tenant_id, idempotency_key, unit_of_work_id, step_id, operation_id, payload,
			 status, attempt_count, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 0, $7, $8, $8)
		 ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		rec.TenantID, rec.IdempotencyKey, rec.UnitOfWorkID, string(rec.StepID),
		rec.OperationID, string(rec.Payload), rec.NextAttemptAt, now,
	)
	if err != nil {
		return Record{}, fmt.Errorf("outbox: enqueue: %w", err)
	}

	stored, err := s.Get(ctx, rec.TenantID, rec.IdempotencyKey)
	if err != nil {
		return Record{}, err
	}
	if !bytes.Equal(stored.Payload, rec.Payload) {
		return Record{}, ErrPayloadImmutable
	}
	return stored, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, tenant contracts.TenantID, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, idempotency_key, unit_of_work_id, step_id, operation_id, payload,
				status, attempt_count, next_attempt_at, reason_code, created_at, updated_at
		 FROM outbox_records
		 WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenant, key,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// Due implements Store. This scan is also the whole of restart recovery.
func (s *SQLStore) Due(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, idempotency_key, unit_of_work_id, step_id, operation_id, payload,
				status, attempt_count, next_attempt_at, reason_code, created_at, updated_at
		 FROM outbox_records
		 WHERE status IN ('PENDING', 'FAILED') AND next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC, idempotency_key ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ByUnitOfWork implements Store.
func (s *SQLStore) ByUnitOfWork(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, idempotency_key, unit_of_work_id, step_id, operation_id, payload,
				status, attempt_count, next_attempt_at, reason_code, created_at, updated_at
		 FROM outbox_records
		 WHERE tenant_id = $1 AND unit_of_work_id = $2
		 ORDER BY idempotency_key ASC`,
		tenant, uow,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSent implements Store.
func (s *SQLStore) MarkSent(ctx context.Context, tenant contracts.TenantID, key string) error {
	return s.setStatus(ctx, tenant, key,
		`UPDATE outbox_records SET status = 'SENT', updated_at = $3
		 WHERE tenant_id = $1 AND idempotency_key = $2`)
}

// MarkConfirmed implements Store.
func (s *SQLStore) MarkConfirmed(ctx context.Context, tenant contracts.TenantID, key string) error {
	return s.setStatus(ctx, tenant, key,
		`UPDATE outbox_records SET status = 'CONFIRMED', updated_at = $3
		 WHERE tenant_id = $1 AND idempotency_key = $2`)
}

// MarkFailed implements Store.
func (s *SQLStore) MarkFailed(ctx context.Context, tenant contracts.TenantID, key string, attemptCount int, nextAttemptAt time.Time, reason contracts.ReasonCode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_records
		 SET status = 'FAILED', attempt_count = $3, next_attempt_at = $4, reason_code = $5, updated_at = $6
		 WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenant, key, attemptCount, nextAttemptAt, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return checkAffected(res)
}

// MarkDeadLetter implements Store. next_attempt_at is cleared so no
// future Due scan ever picks the record up again.
func (s *SQLStore) MarkDeadLetter(ctx context.Context, tenant contracts.TenantID, key string, reason contracts.ReasonCode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_records
		 SET status = 'DEAD_LETTER', reason_code = $3, next_attempt_at = NULL, updated_at = $4
		 WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenant, key, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("outbox: mark dead letter: %w", err)
	}
	return checkAffected(res)
}

func (s *SQLStore) setStatus(ctx context.Context, tenant contracts.TenantID, key, query string) error {
	res, err := s.db.ExecContext(ctx, query, tenant, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("outbox: update status: %w", err)
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var stepID, reason sql.NullString
	var nextAttempt sql.NullTime
	var payload string
	err := row.Scan(&rec.TenantID, &rec.IdempotencyKey, &rec.UnitOfWorkID, &stepID,
		&rec.OperationID, &payload, &rec.Status, &rec.AttemptCount, &nextAttempt,
		&reason, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.StepID = contracts.StepID(stepID.String)
	rec.ReasonCode = contracts.ReasonCode(reason.String)
	rec.NextAttemptAt = nextAttempt.Time
	rec.Payload = []byte(payload)
	return rec, nil
}
