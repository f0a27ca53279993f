package outbox_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/outbox"
)

const tenant = contracts.TenantID("tenant-a")

func record(key string) outbox.Record {
	return outbox.Record{
		TenantID:       tenant,
		IdempotencyKey: key,
		UnitOfWorkID:   "uow-1",
		StepID:         "step-1",
		OperationID:    "payments.charge",
		Payload:        json.RawMessage(`{"amount":100}`),
	}
}

// TestEnqueueIdempotent verifies re-enqueuing an existing key returns
// the original record with no second row.
func TestEnqueueIdempotent(t *testing.T) {
	s := outbox.NewInMemoryStore()
	ctx := context.Background()

	first, err := s.Enqueue(ctx, record("key-1"))
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, first.Status)
	assert.Equal(t, 0, first.AttemptCount)

	second, err := s.Enqueue(ctx, record("key-1"))
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	due, err := s.Due(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

// TestEnqueuePayloadImmutable verifies a key reuse with a different
// payload is rejected, leaving the original record standing.
func TestEnqueuePayloadImmutable(t *testing.T) {
	s := outbox.NewInMemoryStore()
	ctx := context.Background()

	_, err := s.Enqueue(ctx, record("key-1"))
	require.NoError(t, err)

	altered := record("key-1")
	altered.Payload = json.RawMessage(`{"amount":999}`)
	_, err = s.Enqueue(ctx, altered)
	assert.ErrorIs(t, err, outbox.ErrPayloadImmutable)

	stored, err := s.Get(ctx, tenant, "key-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":100}`, string(stored.Payload))
}

// TestDueSelection verifies the due scan: pending and failed-with-due
// retry records surface, confirmed and future retries do not.
func TestDueSelection(t *testing.T) {
	s := outbox.NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Enqueue(ctx, record("pending"))
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, record("confirmed"))
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, tenant, "confirmed"))
	require.NoError(t, s.MarkConfirmed(ctx, tenant, "confirmed"))

	_, err = s.Enqueue(ctx, record("retry-later"))
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, tenant, "retry-later", 1,
		now.Add(time.Hour), contracts.ReasonDownstreamError))

	_, err = s.Enqueue(ctx, record("retry-now"))
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, tenant, "retry-now", 1,
		now.Add(-time.Second), contracts.ReasonDownstreamError))

	due, err := s.Due(ctx, now.Add(time.Millisecond), 10)
	require.NoError(t, err)

	keys := make([]string, 0, len(due))
	for _, rec := range due {
		keys = append(keys, rec.IdempotencyKey)
	}
	assert.ElementsMatch(t, []string{"pending", "retry-now"}, keys)
}

// TestDeadLetterLeavesDueForever verifies a dead-lettered record never
// surfaces in a due scan again.
func TestDeadLetterLeavesDueForever(t *testing.T) {
	s := outbox.NewInMemoryStore()
	ctx := context.Background()

	_, err := s.Enqueue(ctx, record("doomed"))
	require.NoError(t, err)
	require.NoError(t, s.MarkDeadLetter(ctx, tenant, "doomed", contracts.ReasonMaxRetriesExceeded))

	due, err := s.Due(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	rec, err := s.Get(ctx, tenant, "doomed")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDeadLetter, rec.Status)
	assert.Equal(t, contracts.ReasonMaxRetriesExceeded, rec.ReasonCode)
}

// TestByUnitOfWork verifies per-uow listing in stable key order.
func TestByUnitOfWork(t *testing.T) {
	s := outbox.NewInMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"b-key", "a-key"} {
		_, err := s.Enqueue(ctx, record(key))
		require.NoError(t, err)
	}
	other := record("other-uow-key")
	other.UnitOfWorkID = "uow-2"
	_, err := s.Enqueue(ctx, other)
	require.NoError(t, err)

	recs, err := s.ByUnitOfWork(ctx, tenant, "uow-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a-key", recs[0].IdempotencyKey)
	assert.Equal(t, "b-key", recs[1].IdempotencyKey)
}

// TestMarkUnknownKey verifies status updates on unknown keys report
// not found.
func TestMarkUnknownKey(t *testing.T) {
	s := outbox.NewInMemoryStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.MarkSent(ctx, tenant, "missing"), outbox.ErrNotFound)
	assert.ErrorIs(t, s.MarkConfirmed(ctx, tenant, "missing"), outbox.ErrNotFound)
	_, err := s.Get(ctx, tenant, "missing")
	assert.ErrorIs(t, err, outbox.ErrNotFound)
}
