package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
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

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL,
	tenant_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	turn_id BIGINT NOT NULL,
	unit_of_work_id TEXT,
	component_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	severity TEXT NOT NULL,
	payload TEXT,
	evidence_ref TEXT,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS audit_sequence ON audit_events (sequence);
CREATE INDEX IF NOT EXISTS audit_correlation ON audit_events (tenant_id, correlation_id);
`

// Init creates the audit table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

// recordAttempts bounds conflict retries when concurrent recorders race
// for the same chain position.
const recordAttempts = 3

// Record implements Recorder. The sequence read and the insert share a
// transaction; the unique sequence index detects concurrent recorders,
// and the loser re-reads the chain head and tries again.
func (s *SQLStore) Record(ctx context.Context, ev Event) (Event, error) {
	if err := validate(ev); err != nil {
		return Event{}, err
	}

	var out Event
	var err error
	for attempt := 0; attempt < recordAttempts; attempt++ {
		out, err = s.tryRecord(ctx, ev)
		if err == nil || !isUniqueViolation(err) {
			return out, err
		}
	}
	return out, err
}

func (s *SQLStore) tryRecord(ctx context.Context, ev Event) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	var lastHash sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM audit_events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("audit: chain head: %w", err)
	}

	ev.EventID = contracts.NewEventID()
	ev.Sequence = lastSeq + 1
	ev.CreatedAt = time.Now().UTC()
	ev.PreviousHash = "genesis"
	if lastHash.Valid {
		ev.PreviousHash = lastHash.String
	}
	hash, err := entryHash(ev)
	if err != nil {
		return Event{}, err
	}
	ev.EntryHash = hash

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events
			(event_id, sequence, tenant_id, correlation_id, turn_id, unit_of_work_id,
			 component_id, event_type, reason_code, severity, payload, evidence_ref,
			 previous_hash, entry_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.EventID, ev.Sequence, ev.TenantID, ev.CorrelationID, ev.TurnID, string(ev.UnitOfWorkID),
		ev.ComponentID, ev.EventType, ev.ReasonCode, ev.Severity, string(ev.Payload), ev.EvidenceRef,
		ev.PreviousHash, ev.EntryHash, ev.CreatedAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("audit: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("audit: commit: %w", err)
	}
	return ev, nil
}

// ByCorrelation implements Store.
func (s *SQLStore) ByCorrelation(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, sequence, tenant_id, correlation_id, turn_id, unit_of_work_id,
				component_id, event_type, reason_code, severity, payload, evidence_ref,
				previous_hash, entry_hash, created_at
		 FROM audit_events
		 WHERE tenant_id = $1 AND correlation_id = $2
		 ORDER BY sequence ASC`,
		tenant, correlation,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyChain implements Store.
func (s *SQLStore) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, sequence, tenant_id, correlation_id, turn_id, unit_of_work_id,
				component_id, event_type, reason_code, severity, payload, evidence_ref,
				previous_hash, entry_hash, created_at
		 FROM audit_events ORDER BY sequence ASC`,
	)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prev := "genesis"
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if ev.PreviousHash != prev {
			return fmt.Errorf("%w: sequence %d previous hash mismatch", ErrChainBroken, ev.Sequence)
		}
		recomputed, err := entryHash(ev)
		if err != nil {
			return err
		}
		if recomputed != ev.EntryHash {
			return fmt.Errorf("%w: sequence %d hash mismatch", ErrChainBroken, ev.Sequence)
		}
		prev = ev.EntryHash
	}
	return rows.Err()
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

func scanEvent(rows *sql.Rows) (Event, error) {
	var ev Event
	var uow, payload, evidence sql.NullString
	err := rows.Scan(&ev.EventID, &ev.Sequence, &ev.TenantID, &ev.CorrelationID, &ev.TurnID, &uow,
		&ev.ComponentID, &ev.EventType, &ev.ReasonCode, &ev.Severity, &payload, &evidence,
		&ev.PreviousHash, &ev.EntryHash, &ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.UnitOfWorkID = contracts.UnitOfWorkID(uow.String)
	ev.EvidenceRef = evidence.String
	if payload.String != "" {
		ev.Payload = []byte(payload.String)
	}
	return ev, nil
}
