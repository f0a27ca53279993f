package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	event_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	unit_of_work_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	global_sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	step_id TEXT,
	attempt_index INTEGER,
	idempotency_key TEXT,
	reason_code TEXT,
	payload TEXT,
	recorded_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_uow_seq
	ON ledger_events (tenant_id, unit_of_work_id, sequence);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_global_seq
	ON ledger_events (global_sequence);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_idempotency
	ON ledger_events (tenant_id, unit_of_work_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ledger_creation_key
	ON ledger_events (tenant_id, idempotency_key)
	WHERE event_type = 'CREATED' AND idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS ledger_correlation
	ON ledger_events (tenant_id, correlation_id);

CREATE TABLE IF NOT EXISTS uow_projections (
	tenant_id TEXT NOT NULL,
	unit_of_work_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	fields TEXT NOT NULL,
	evidence_refs TEXT NOT NULL,
	step_attempts TEXT NOT NULL,
	turn_count BIGINT NOT NULL,
	confirmed BOOLEAN NOT NULL,
	canceled BOOLEAN NOT NULL,
	last_sequence BIGINT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, unit_of_work_id)
);
`

// Init creates the ledger tables if they do not exist.
func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ledgerSchema)
	return err
}

// appendAttempts bounds conflict retries. The unique indexes serialize
// concurrent appends; the loser's insert fails and the next attempt
// re-reads the fresh projection, where a racing duplicate key resolves
// through the dedupe lookup as a no-op.
const appendAttempts = 3

// Append implements Ledger. The event insert and the projection upsert
// share one transaction; the unique (tenant, uow, sequence) and global
// sequence indexes detect concurrent appends, and the transaction is
// retried on that conflict.
func (s *SQLLedger) Append(ctx context.Context, ev Event) (AppendResult, error) {
	var res AppendResult
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		res, err = s.tryAppend(ctx, ev)
		if err == nil || !isUniqueViolation(err) {
			return res, err
		}
	}
	return res, err
}

func (s *SQLLedger) tryAppend(ctx context.Context, ev Event) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ev.IdempotencyKey != "" {
		var priorID, priorType string
		var priorSeq int64
		err := tx.QueryRowContext(ctx,
			`SELECT event_id, sequence, event_type FROM ledger_events
			 WHERE tenant_id = $1 AND unit_of_work_id = $2 AND idempotency_key = $3`,
			ev.TenantID, ev.UnitOfWorkID, ev.IdempotencyKey,
		).Scan(&priorID, &priorSeq, &priorType)
		switch {
		case err == nil:
			if EventType(priorType) != ev.Type {
				return AppendResult{}, fmt.Errorf(
					"%w: idempotency key %q already recorded a %s event",
					ErrAppendOnlyViolation, ev.IdempotencyKey, priorType)
			}
			return AppendResult{EventID: contracts.EventID(priorID), Sequence: priorSeq, Duplicate: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return AppendResult{}, fmt.Errorf("ledger: dedupe lookup: %w", err)
		}

		if ev.Type == EventCreated {
			var priorUow string
			err := tx.QueryRowContext(ctx,
				`SELECT unit_of_work_id FROM ledger_events
				 WHERE tenant_id = $1 AND idempotency_key = $2 AND event_type = 'CREATED'`,
				ev.TenantID, ev.IdempotencyKey,
			).Scan(&priorUow)
			switch {
			case err == nil:
				return AppendResult{}, fmt.Errorf(
					"%w: creation key %q already bound to %s",
					ErrAppendOnlyViolation, ev.IdempotencyKey, priorUow)
			case !errors.Is(err, sql.ErrNoRows):
				return AppendResult{}, fmt.Errorf("ledger: creation lookup: %w", err)
			}
		}
	}

	proj, err := s.projectionTx(ctx, tx, ev.TenantID, ev.UnitOfWorkID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return AppendResult{}, err
	}
	var projPtr *Projection
	if err == nil {
		projPtr = &proj
	}

	if err := validateNext(projPtr, ev); err != nil {
		return AppendResult{}, err
	}

	if ev.EventID == "" {
		ev.EventID = contracts.NewEventID()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	ev.Sequence = 1
	if projPtr != nil {
		ev.Sequence = projPtr.LastSequence + 1
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_sequence), 0) + 1 FROM ledger_events`,
	).Scan(&ev.GlobalSequence); err != nil {
		return AppendResult{}, fmt.Errorf("ledger: next global sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_events
			(event_id, tenant_id, correlation_id, unit_of_work_id, sequence, global_sequence,
			 event_type, step_id, attempt_index, idempotency_key, reason_code, payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.EventID, ev.TenantID, ev.CorrelationID, ev.UnitOfWorkID, ev.Sequence, ev.GlobalSequence,
		ev.Type, nullable(string(ev.StepID)), ev.AttemptIndex, nullable(ev.IdempotencyKey),
		nullable(string(ev.ReasonCode)), string(ev.Payload), ev.RecordedAt,
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("ledger: insert event: %w", err)
	}

	// Fold the new event into the projection inside the same transaction.
	var next Projection
	if projPtr == nil {
		next = Projection{
			Fields:       make(map[string]string),
			StepAttempts: make(map[contracts.StepID]int),
			EvidenceRefs: make([]string, 0),
		}
	} else {
		next = projPtr.Clone()
	}
	if err := apply(&next, ev); err != nil {
		return AppendResult{}, err
	}
	if err := s.upsertProjectionTx(ctx, tx, next); err != nil {
		return AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return AppendResult{EventID: ev.EventID, Sequence: ev.Sequence}, nil
}

// Events implements Ledger.
func (s *SQLLedger) Events(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, tenant_id, correlation_id, unit_of_work_id, sequence, global_sequence,
				event_type, step_id, attempt_index, idempotency_key, reason_code, payload, recorded_at
		 FROM ledger_events
		 WHERE tenant_id = $1 AND unit_of_work_id = $2
		 ORDER BY sequence ASC`,
		tenant, uow,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

// EventsByCorrelation implements Ledger.
func (s *SQLLedger) EventsByCorrelation(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, tenant_id, correlation_id, unit_of_work_id, sequence, global_sequence,
				event_type, step_id, attempt_index, idempotency_key, reason_code, payload, recorded_at
		 FROM ledger_events
		 WHERE tenant_id = $1 AND correlation_id = $2
		 ORDER BY global_sequence ASC`,
		tenant, correlation,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// FindCreation implements Ledger.
func (s *SQLLedger) FindCreation(ctx context.Context, tenant contracts.TenantID, key string) (contracts.UnitOfWorkID, error) {
	if key == "" {
		return "", ErrNotFound
	}
	var uow string
	err := s.db.QueryRowContext(ctx,
		`SELECT unit_of_work_id FROM ledger_events
		 WHERE tenant_id = $1 AND idempotency_key = $2 AND event_type = 'CREATED'`,
		tenant, key,
	).Scan(&uow)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ledger: creation lookup: %w", err)
	}
	return contracts.UnitOfWorkID(uow), nil
}

// Projection implements Ledger.
func (s *SQLLedger) Projection(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Projection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Projection{}, err
	}
	defer func() { _ = tx.Rollback() }()
	return s.projectionTx(ctx, tx, tenant, uow)
}

// Rebuild implements Ledger.
func (s *SQLLedger) Rebuild(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Projection, error) {
	events, err := s.Events(ctx, tenant, uow)
	if err != nil {
		return Projection{}, err
	}
	return Fold(events)
}

// Open implements Ledger.
func (s *SQLLedger) Open(ctx context.Context, limit int) ([]Projection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, unit_of_work_id, correlation_id, status, fields, evidence_refs,
				step_attempts, turn_count, confirmed, canceled, last_sequence, updated_at
		 FROM uow_projections
		 WHERE status NOT IN ('DONE', 'REFUSED', 'FAILED') AND NOT canceled
		 ORDER BY tenant_id ASC, unit_of_work_id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Projection, 0)
	for rows.Next() {
		var p Projection
		var fields, evidence, attempts string
		if err := rows.Scan(&p.TenantID, &p.UnitOfWorkID, &p.CorrelationID, &p.Status,
			&fields, &evidence, &attempts, &p.TurnCount, &p.Confirmed, &p.Canceled,
			&p.LastSequence, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
			return nil, fmt.Errorf("ledger: corrupt projection fields: %w", err)
		}
		if err := json.Unmarshal([]byte(evidence), &p.EvidenceRefs); err != nil {
			return nil, fmt.Errorf("ledger: corrupt projection evidence: %w", err)
		}
		if err := json.Unmarshal([]byte(attempts), &p.StepAttempts); err != nil {
			return nil, fmt.Errorf("ledger: corrupt projection attempts: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLLedger) projectionTx(ctx context.Context, tx *sql.Tx, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Projection, error) {
	var p Projection
	var fields, evidence, attempts string
	err := tx.QueryRowContext(ctx,
		`SELECT tenant_id, unit_of_work_id, correlation_id, status, fields, evidence_refs,
				step_attempts, turn_count, confirmed, canceled, last_sequence, updated_at
		 FROM uow_projections
		 WHERE tenant_id = $1 AND unit_of_work_id = $2`,
		tenant, uow,
	).Scan(&p.TenantID, &p.UnitOfWorkID, &p.CorrelationID, &p.Status, &fields, &evidence,
		&attempts, &p.TurnCount, &p.Confirmed, &p.Canceled, &p.LastSequence, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Projection{}, ErrNotFound
		}
		return Projection{}, err
	}
	if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
		return Projection{}, fmt.Errorf("ledger: corrupt projection fields: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &p.EvidenceRefs); err != nil {
		return Projection{}, fmt.Errorf("ledger: corrupt projection evidence: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &p.StepAttempts); err != nil {
		return Projection{}, fmt.Errorf("ledger: corrupt projection attempts: %w", err)
	}
	return p, nil
}

func (s *SQLLedger) upsertProjectionTx(ctx context.Context, tx *sql.Tx, p Projection) error {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(p.EvidenceRefs)
	if err != nil {
		return err
	}
	attempts, err := json.Marshal(p.StepAttempts)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO uow_projections
			(tenant_id, unit_of_work_id, correlation_id, status, fields, evidence_refs,
			 step_attempts, turn_count, confirmed, canceled, last_sequence, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (tenant_id, unit_of_work_id) DO UPDATE SET
			status = $4, fields = $5, evidence_refs = $6, step_attempts = $7,
			turn_count = $8, confirmed = $9, canceled = $10, last_sequence = $11, updated_at = $12`,
		p.TenantID, p.UnitOfWorkID, p.CorrelationID, p.Status, string(fields), string(evidence),
		string(attempts), p.TurnCount, p.Confirmed, p.Canceled, p.LastSequence, p.UpdatedAt,
	)
	return err
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var stepID, idemKey, reason sql.NullString
		var payload string
		if err := rows.Scan(&ev.EventID, &ev.TenantID, &ev.CorrelationID, &ev.UnitOfWorkID,
			&ev.Sequence, &ev.GlobalSequence, &ev.Type, &stepID, &ev.AttemptIndex,
			&idemKey, &reason, &payload, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.StepID = contracts.StepID(stepID.String)
		ev.IdempotencyKey = idemKey.String
		ev.ReasonCode = contracts.ReasonCode(reason.String)
		if payload != "" {
			ev.Payload = []byte(payload)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches unique index conflicts across the Postgres
// and SQLite drivers by message text; neither exposes a shared error type
// through database/sql.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
