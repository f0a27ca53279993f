package ledger_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/ledger"
)

const (
	tenantA = contracts.TenantID("tenant-a")
	tenantB = contracts.TenantID("tenant-b")
	corr1   = contracts.CorrelationID("corr-1")
	uow1    = contracts.UnitOfWorkID("uow-1")
)

func created(uow contracts.UnitOfWorkID) ledger.Event {
	return ledger.Event{
		TenantID:      tenantA,
		CorrelationID: corr1,
		UnitOfWorkID:  uow,
		Type:          ledger.EventCreated,
	}
}

func statusChange(t *testing.T, uow contracts.UnitOfWorkID, from, to contracts.Status) ledger.Event {
	t.Helper()
	payload, err := json.Marshal(ledger.StatusChange{From: from, To: to})
	require.NoError(t, err)
	return ledger.Event{
		TenantID:      tenantA,
		CorrelationID: corr1,
		UnitOfWorkID:  uow,
		Type:          ledger.EventStatusChanged,
		Payload:       payload,
	}
}

func fieldSet(t *testing.T, uow contracts.UnitOfWorkID, name, value string) ledger.Event {
	t.Helper()
	payload, err := json.Marshal(ledger.FieldSet{Name: name, Value: value})
	require.NoError(t, err)
	return ledger.Event{
		TenantID:      tenantA,
		CorrelationID: corr1,
		UnitOfWorkID:  uow,
		Type:          ledger.EventFieldSet,
		Payload:       payload,
	}
}

func fieldSetRaw(uow contracts.UnitOfWorkID, name, value string) ledger.Event {
	payload, _ := json.Marshal(ledger.FieldSet{Name: name, Value: value})
	return ledger.Event{
		TenantID:      tenantA,
		CorrelationID: corr1,
		UnitOfWorkID:  uow,
		Type:          ledger.EventFieldSet,
		Payload:       payload,
	}
}

// TestAppendCreated verifies the birth of a unit of work: CREATED yields
// a Draft projection with turn count 1 and sequence 1.
func TestAppendCreated(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	res, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Sequence)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.EventID)

	proj, err := l.Projection(ctx, tenantA, uow1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDraft, proj.Status)
	assert.Equal(t, int64(1), proj.TurnCount)
	assert.Equal(t, int64(1), proj.LastSequence)
}

// TestFirstEventMustBeCreated verifies that nothing precedes CREATED.
func TestFirstEventMustBeCreated(t *testing.T) {
	l := ledger.NewInMemoryLedger()

	_, err := l.Append(context.Background(), fieldSet(t, uow1, "name", "x"))
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

// TestSecondCreatedRejected verifies a unit of work is created once.
func TestSecondCreatedRejected(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)
	_, err = l.Append(ctx, created(uow1))
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

// TestDuplicateIdempotencyKey verifies the no-op success contract: the
// second append with the same key writes nothing and returns the prior
// event id marked Duplicate.
func TestDuplicateIdempotencyKey(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)

	ev := fieldSet(t, uow1, "amount", "100")
	ev.IdempotencyKey = "key-1"
	first, err := l.Append(ctx, ev)
	require.NoError(t, err)

	second, err := l.Append(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.Sequence, second.Sequence)

	events, err := l.Events(ctx, tenantA, uow1)
	require.NoError(t, err)
	assert.Len(t, events, 2, "duplicate append must not add an event")
}

// TestFindCreation verifies creation lookup: the key used by a CREATED
// event resolves to its unit of work within the tenant, and nothing else.
func TestFindCreation(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	ev := created(uow1)
	ev.IdempotencyKey = "create-key"
	_, err := l.Append(ctx, ev)
	require.NoError(t, err)

	uow, err := l.FindCreation(ctx, tenantA, "create-key")
	require.NoError(t, err)
	assert.Equal(t, uow1, uow)

	_, err = l.FindCreation(ctx, tenantA, "other-key")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.FindCreation(ctx, tenantB, "create-key")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "creation keys are tenant scoped")
}

// TestCreationKeyBindsOneUnitOfWork verifies a creation key can never
// mint a second unit of work within the tenant.
func TestCreationKeyBindsOneUnitOfWork(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	ev := created(uow1)
	ev.IdempotencyKey = "create-key"
	_, err := l.Append(ctx, ev)
	require.NoError(t, err)

	other := created("uow-2")
	other.IdempotencyKey = "create-key"
	_, err = l.Append(ctx, other)
	assert.ErrorIs(t, err, ledger.ErrAppendOnlyViolation)
}

// TestIdempotencyKeyTypeMismatchRejected verifies reusing a key for a
// different event type is a violation, not a silent no-op.
func TestIdempotencyKeyTypeMismatchRejected(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)

	ev := fieldSet(t, uow1, "amount", "100")
	ev.IdempotencyKey = "key-1"
	_, err = l.Append(ctx, ev)
	require.NoError(t, err)

	reuse := statusChange(t, uow1, contracts.StatusDraft, contracts.StatusExecuting)
	reuse.IdempotencyKey = "key-1"
	_, err = l.Append(ctx, reuse)
	assert.ErrorIs(t, err, ledger.ErrAppendOnlyViolation)

	events, err := l.Events(ctx, tenantA, uow1)
	require.NoError(t, err)
	assert.Len(t, events, 2, "the rejected reuse must not append")
}

// TestIllegalTransitions verifies the DAG is enforced at append: a jump
// outside the graph and a stale From declaration are both rejected.
func TestIllegalTransitions(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)

	_, err = l.Append(ctx, statusChange(t, uow1, contracts.StatusDraft, contracts.StatusDone))
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition, "DRAFT -> DONE is outside the DAG")

	_, err = l.Append(ctx, statusChange(t, uow1, contracts.StatusExecuting, contracts.StatusDone))
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition, "declared From must match current status")
}

// TestTerminalIsImmutable verifies no event may follow a terminal status.
func TestTerminalIsImmutable(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)
	_, err = l.Append(ctx, statusChange(t, uow1, contracts.StatusDraft, contracts.StatusRefused))
	require.NoError(t, err)

	_, err = l.Append(ctx, fieldSet(t, uow1, "late", "value"))
	assert.ErrorIs(t, err, ledger.ErrIllegalTransition)
}

// TestTenantScope verifies an event for another tenant can never append
// into an existing unit of work.
func TestTenantScope(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)

	ev := fieldSet(t, uow1, "name", "x")
	ev.TenantID = tenantB
	_, err = l.Append(ctx, ev)
	assert.Error(t, err)
}

// TestUnknownReasonRejected verifies the closed reason registry gates
// appends.
func TestUnknownReasonRejected(t *testing.T) {
	l := ledger.NewInMemoryLedger()

	ev := created(uow1)
	ev.ReasonCode = "MADE_UP_REASON"
	_, err := l.Append(context.Background(), ev)
	assert.ErrorIs(t, err, ledger.ErrUnknownReason)
}

// TestRebuildEqualsProjection verifies the core equivalence: folding the
// stored events reproduces the live projection exactly.
func TestRebuildEqualsProjection(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)
	_, err = l.Append(ctx, fieldSet(t, uow1, "amount", "100"))
	require.NoError(t, err)
	_, err = l.Append(ctx, statusChange(t, uow1, contracts.StatusDraft, contracts.StatusClarifying))
	require.NoError(t, err)
	_, err = l.Append(ctx, fieldSet(t, uow1, "currency", "EUR"))
	require.NoError(t, err)
	_, err = l.Append(ctx, statusChange(t, uow1, contracts.StatusClarifying, contracts.StatusExecuting))
	require.NoError(t, err)

	live, err := l.Projection(ctx, tenantA, uow1)
	require.NoError(t, err)
	rebuilt, err := l.Rebuild(ctx, tenantA, uow1)
	require.NoError(t, err)

	assert.Equal(t, live, rebuilt)
	assert.Equal(t, contracts.StatusExecuting, live.Status)
	assert.Equal(t, int64(2), live.TurnCount, "one clarify turn on top of creation")
	assert.Equal(t, map[string]string{"amount": "100", "currency": "EUR"}, live.Fields)
}

// TestCanceledFlag verifies cancellation is an ordinary fact that flips
// the projection flag.
func TestCanceledFlag(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created(uow1))
	require.NoError(t, err)

	cancel := ledger.Event{
		TenantID:      tenantA,
		CorrelationID: corr1,
		UnitOfWorkID:  uow1,
		Type:          ledger.EventCanceled,
		ReasonCode:    contracts.ReasonWorkOrderCanceled,
	}
	_, err = l.Append(ctx, cancel)
	require.NoError(t, err)

	proj, err := l.Projection(ctx, tenantA, uow1)
	require.NoError(t, err)
	assert.True(t, proj.Canceled)
}

// TestOpenListsNonTerminal verifies the reconcile feed excludes finished
// and canceled units of work.
func TestOpenListsNonTerminal(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created("uow-open"))
	require.NoError(t, err)

	_, err = l.Append(ctx, created("uow-done"))
	require.NoError(t, err)
	_, err = l.Append(ctx, statusChange(t, "uow-done", contracts.StatusDraft, contracts.StatusRefused))
	require.NoError(t, err)

	open, err := l.Open(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, contracts.UnitOfWorkID("uow-open"), open[0].UnitOfWorkID)
}

// TestEventsByCorrelation verifies cross-uow retrieval ordered by global
// sequence.
func TestEventsByCorrelation(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, created("uow-x"))
	require.NoError(t, err)
	_, err = l.Append(ctx, created("uow-y"))
	require.NoError(t, err)
	_, err = l.Append(ctx, fieldSet(t, "uow-x", "k", "v"))
	require.NoError(t, err)

	events, err := l.EventsByCorrelation(ctx, tenantA, corr1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].GlobalSequence, events[i-1].GlobalSequence)
	}
}
