package kernel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/kernel"
	"github.com/tidemark-labs/keel/pkg/lease"
	"github.com/tidemark-labs/keel/pkg/ledger"
	"github.com/tidemark-labs/keel/pkg/outbox"
)

// seedExecuting writes the minimal history of a dispatched unit of work:
// created, then moved to EXECUTING.
func seedExecuting(t *testing.T, l *ledger.InMemoryLedger, uow contracts.UnitOfWorkID) {
	t.Helper()
	ctx := context.Background()

	_, err := l.Append(ctx, ledger.Event{
		TenantID: tenant, CorrelationID: corr, UnitOfWorkID: uow, Type: ledger.EventCreated,
	})
	require.NoError(t, err)

	payload, err := json.Marshal(ledger.StatusChange{From: contracts.StatusDraft, To: contracts.StatusExecuting})
	require.NoError(t, err)
	_, err = l.Append(ctx, ledger.Event{
		TenantID: tenant, CorrelationID: corr, UnitOfWorkID: uow,
		Type: ledger.EventStatusChanged, Payload: payload,
	})
	require.NoError(t, err)
}

func stepRecord(uow contracts.UnitOfWorkID, key string) outbox.Record {
	return outbox.Record{
		TenantID:       tenant,
		IdempotencyKey: key,
		UnitOfWorkID:   uow,
		StepID:         contracts.StepID(key),
		OperationID:    "payments.charge",
		Payload:        json.RawMessage(`{"amount":100}`),
	}
}

func eventCount(t *testing.T, l *ledger.InMemoryLedger, uow contracts.UnitOfWorkID, typ ledger.EventType) int {
	t.Helper()
	events, err := l.Events(context.Background(), tenant, uow)
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// TestReconcileConfirmedStepsComplete verifies the close of the loop:
// all steps confirmed folds the unit of work to DONE, and reconciling a
// finished unit again writes nothing.
func TestReconcileConfirmedStepsComplete(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ob := outbox.NewInMemoryStore()
	ex := kernel.NewExecutor(l, ob, lease.NewInMemoryManager(), "worker-1", time.Minute)
	ctx := context.Background()
	uow := contracts.UnitOfWorkID("uow-1")

	seedExecuting(t, l, uow)
	_, err := ob.Enqueue(ctx, stepRecord(uow, "step-key-1"))
	require.NoError(t, err)
	require.NoError(t, ob.MarkSent(ctx, tenant, "step-key-1"))
	require.NoError(t, ob.MarkConfirmed(ctx, tenant, "step-key-1"))

	require.NoError(t, ex.Reconcile(ctx, tenant, uow))

	proj, err := l.Projection(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDone, proj.Status)
	assert.Equal(t, 1, eventCount(t, l, uow, ledger.EventStepFinished))

	before, err := l.Events(ctx, tenant, uow)
	require.NoError(t, err)
	require.NoError(t, ex.Reconcile(ctx, tenant, uow))
	after, err := l.Events(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "reconciling a terminal unit is a no-op")
}

// TestReconcileDeadLetterFailsUnit verifies a dead-lettered step drags
// the unit of work to FAILED carrying the step's reason.
func TestReconcileDeadLetterFailsUnit(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ob := outbox.NewInMemoryStore()
	ex := kernel.NewExecutor(l, ob, lease.NewInMemoryManager(), "worker-1", time.Minute)
	ctx := context.Background()
	uow := contracts.UnitOfWorkID("uow-1")

	seedExecuting(t, l, uow)
	_, err := ob.Enqueue(ctx, stepRecord(uow, "step-key-1"))
	require.NoError(t, err)
	require.NoError(t, ob.MarkDeadLetter(ctx, tenant, "step-key-1", contracts.ReasonMaxRetriesExceeded))

	require.NoError(t, ex.Reconcile(ctx, tenant, uow))

	proj, err := l.Projection(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, proj.Status)
	assert.Equal(t, 1, eventCount(t, l, uow, ledger.EventStepFailed))

	events, err := l.Events(ctx, tenant, uow)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, ledger.EventStatusChanged, last.Type)
	assert.Equal(t, contracts.ReasonMaxRetriesExceeded, last.ReasonCode)
}

// TestReconcileInFlightKeepsExecuting verifies pending dispatches leave
// the unit of work open.
func TestReconcileInFlightKeepsExecuting(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ob := outbox.NewInMemoryStore()
	ex := kernel.NewExecutor(l, ob, lease.NewInMemoryManager(), "worker-1", time.Minute)
	ctx := context.Background()
	uow := contracts.UnitOfWorkID("uow-1")

	seedExecuting(t, l, uow)
	_, err := ob.Enqueue(ctx, stepRecord(uow, "step-pending"))
	require.NoError(t, err)
	_, err = ob.Enqueue(ctx, stepRecord(uow, "step-done"))
	require.NoError(t, err)
	require.NoError(t, ob.MarkSent(ctx, tenant, "step-done"))
	require.NoError(t, ob.MarkConfirmed(ctx, tenant, "step-done"))

	require.NoError(t, ex.Reconcile(ctx, tenant, uow))

	proj, err := l.Projection(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuting, proj.Status, "one step is still in flight")
}

// TestReconcileRecordsRetryPlanOnce verifies the retry plan is a ledger
// fact recorded exactly once per planned attempt, however often the
// reconcile loop runs.
func TestReconcileRecordsRetryPlanOnce(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ob := outbox.NewInMemoryStore()
	ex := kernel.NewExecutor(l, ob, lease.NewInMemoryManager(), "worker-1", time.Minute)
	ctx := context.Background()
	uow := contracts.UnitOfWorkID("uow-1")

	seedExecuting(t, l, uow)
	_, err := ob.Enqueue(ctx, stepRecord(uow, "step-key-1"))
	require.NoError(t, err)
	require.NoError(t, ob.MarkSent(ctx, tenant, "step-key-1"))
	require.NoError(t, ob.MarkFailed(ctx, tenant, "step-key-1", 1,
		time.Now().UTC().Add(time.Second), contracts.ReasonDownstreamError))

	require.NoError(t, ex.Reconcile(ctx, tenant, uow))
	require.NoError(t, ex.Reconcile(ctx, tenant, uow))

	assert.Equal(t, 1, eventCount(t, l, uow, ledger.EventRetryScheduled))

	proj, err := l.Projection(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuting, proj.Status)
}

// TestReconcileLeaseHeldByOther verifies mutual exclusion: a live lease
// by another owner means no reconcile and no ledger writes.
func TestReconcileLeaseHeldByOther(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ob := outbox.NewInMemoryStore()
	leases := lease.NewInMemoryManager()
	ex := kernel.NewExecutor(l, ob, leases, "worker-1", time.Minute)
	ctx := context.Background()
	uow := contracts.UnitOfWorkID("uow-1")

	seedExecuting(t, l, uow)
	_, err := leases.Acquire(ctx, tenant, uow, "worker-2", time.Minute)
	require.NoError(t, err)

	before, err := l.Events(ctx, tenant, uow)
	require.NoError(t, err)
	assert.ErrorIs(t, ex.Reconcile(ctx, tenant, uow), kernel.ErrNotOwner)
	after, err := l.Events(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

// TestReconcileSkipsCanceled verifies canceled units of work are left
// alone.
func TestReconcileSkipsCanceled(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ob := outbox.NewInMemoryStore()
	ex := kernel.NewExecutor(l, ob, lease.NewInMemoryManager(), "worker-1", time.Minute)
	ctx := context.Background()
	uow := contracts.UnitOfWorkID("uow-1")

	seedExecuting(t, l, uow)
	_, err := l.Append(ctx, ledger.Event{
		TenantID: tenant, CorrelationID: corr, UnitOfWorkID: uow,
		Type: ledger.EventCanceled, ReasonCode: contracts.ReasonWorkOrderCanceled,
	})
	require.NoError(t, err)

	before, err := l.Events(ctx, tenant, uow)
	require.NoError(t, err)
	require.NoError(t, ex.Reconcile(ctx, tenant, uow))
	after, err := l.Events(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}
