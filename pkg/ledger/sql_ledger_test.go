package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/ledger"
)

// TestSQLAppendDuplicateIsNoOp verifies the dedupe fast path: a known
// idempotency key answers from the prior row without inserting anything.
func TestSQLAppendDuplicateIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT event_id, sequence, event_type FROM ledger_events").
		WithArgs("tenant-a", "uow-1", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence", "event_type"}).
			AddRow("prior-event", 4, "FIELD_SET"))
	mock.ExpectRollback()

	l := ledger.NewSQLLedger(db)
	res, err := l.Append(context.Background(), ledger.Event{
		TenantID:       "tenant-a",
		CorrelationID:  "corr-1",
		UnitOfWorkID:   "uow-1",
		Type:           ledger.EventFieldSet,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, contracts.EventID("prior-event"), res.EventID)
	assert.Equal(t, int64(4), res.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLAppendRetriesOnConflict verifies the conflict path: when a
// concurrent append wins the unique index race, the losing transaction
// rolls back and the retry resolves the key through the dedupe lookup as
// a no-op.
func TestSQLAppendRetriesOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// First attempt: nothing stored under the key yet, but the insert
	// collides with the concurrent winner.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT event_id, sequence, event_type FROM ledger_events").
		WithArgs("tenant-a", "uow-1", "create-key").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence", "event_type"}))
	mock.ExpectQuery("SELECT unit_of_work_id FROM ledger_events").
		WithArgs("tenant-a", "create-key").
		WillReturnRows(sqlmock.NewRows([]string{"unit_of_work_id"}))
	mock.ExpectQuery("SELECT tenant_id, unit_of_work_id").
		WithArgs("tenant-a", "uow-1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(1))
	mock.ExpectExec("INSERT INTO ledger_events").
		WillReturnError(errors.New("UNIQUE constraint failed: ledger_events.tenant_id, ledger_events.unit_of_work_id, ledger_events.idempotency_key"))
	mock.ExpectRollback()

	// Second attempt: the winner's row is visible and answers as the
	// prior event.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT event_id, sequence, event_type FROM ledger_events").
		WithArgs("tenant-a", "uow-1", "create-key").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence", "event_type"}).
			AddRow("winner-event", 1, "CREATED"))
	mock.ExpectRollback()

	l := ledger.NewSQLLedger(db)
	res, err := l.Append(context.Background(), ledger.Event{
		TenantID:       "tenant-a",
		CorrelationID:  "corr-1",
		UnitOfWorkID:   "uow-1",
		Type:           ledger.EventCreated,
		IdempotencyKey: "create-key",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, contracts.EventID("winner-event"), res.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLAppendKeyReuseRejected verifies a key that already recorded a
// different event type is a violation, never a silent no-op.
func TestSQLAppendKeyReuseRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT event_id, sequence, event_type FROM ledger_events").
		WithArgs("tenant-a", "uow-1", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "sequence", "event_type"}).
			AddRow("prior-event", 4, "FIELD_SET"))
	mock.ExpectRollback()

	l := ledger.NewSQLLedger(db)
	_, err = l.Append(context.Background(), ledger.Event{
		TenantID:       "tenant-a",
		CorrelationID:  "corr-1",
		UnitOfWorkID:   "uow-1",
		Type:           ledger.EventStepStarted,
		IdempotencyKey: "key-1",
	})
	assert.ErrorIs(t, err, ledger.ErrAppendOnlyViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLFindCreation verifies creation lookup by (tenant, key) and the
// not-found sentinel.
func TestSQLFindCreation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT unit_of_work_id FROM ledger_events").
		WithArgs("tenant-a", "create-key").
		WillReturnRows(sqlmock.NewRows([]string{"unit_of_work_id"}).AddRow("uow-1"))
	mock.ExpectQuery("SELECT unit_of_work_id FROM ledger_events").
		WithArgs("tenant-a", "other-key").
		WillReturnRows(sqlmock.NewRows([]string{"unit_of_work_id"}))

	l := ledger.NewSQLLedger(db)
	uow, err := l.FindCreation(context.Background(), "tenant-a", "create-key")
	require.NoError(t, err)
	assert.Equal(t, contracts.UnitOfWorkID("uow-1"), uow)

	_, err = l.FindCreation(context.Background(), "tenant-a", "other-key")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLEventsNotFound verifies an unknown unit of work maps to the
// sentinel rather than an empty slice.
func TestSQLEventsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT event_id, tenant_id").
		WithArgs("tenant-a", "uow-missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "tenant_id", "correlation_id", "unit_of_work_id", "sequence",
			"global_sequence", "event_type", "step_id", "attempt_index",
			"idempotency_key", "reason_code", "payload", "recorded_at",
		}))

	l := ledger.NewSQLLedger(db)
	_, err = l.Events(context.Background(), "tenant-a", "uow-missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
