package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/lease"
)

const (
	tenant = contracts.TenantID("tenant-a")
	uow    = contracts.UnitOfWorkID("uow-1")
)

// TestAcquireExclusive verifies at most one active lease per unit of
// work: a second owner is denied while the first holds it.
func TestAcquireExclusive(t *testing.T) {
	m := lease.NewInMemoryManager()
	ctx := context.Background()

	l1, err := m.Acquire(ctx, tenant, uow, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, lease.StateActive, l1.State)
	assert.NotEmpty(t, l1.Token)

	_, err = m.Acquire(ctx, tenant, uow, "owner-2", time.Minute)
	assert.ErrorIs(t, err, lease.ErrHeldByOther)

	// A different unit of work is unaffected.
	_, err = m.Acquire(ctx, tenant, "uow-other", "owner-2", time.Minute)
	assert.NoError(t, err)
}

// TestTakeoverAfterExpiry verifies an expired lease is reclaimable by a
// new owner, and the old token is then dead.
func TestTakeoverAfterExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := lease.NewInMemoryManager().WithClock(func() time.Time { return now })
	ctx := context.Background()

	old, err := m.Acquire(ctx, tenant, uow, "owner-1", 30*time.Second)
	require.NoError(t, err)

	// TTL elapses without renewal.
	now = now.Add(31 * time.Second)

	got, err := m.Get(ctx, tenant, uow)
	require.NoError(t, err)
	assert.Equal(t, lease.StateExpired, got.State)

	taken, err := m.Acquire(ctx, tenant, uow, "owner-2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "owner-2", taken.OwnerID)
	assert.NotEqual(t, old.Token, taken.Token)

	// The previous owner's token no longer renews or releases.
	_, err = m.Renew(ctx, tenant, uow, old.Token, 30*time.Second)
	assert.ErrorIs(t, err, lease.ErrTokenInvalid)
	assert.ErrorIs(t, m.Release(ctx, tenant, uow, old.Token), lease.ErrTokenInvalid)
}

// TestRenewExtendsTTL verifies renewal with the current token pushes the
// expiry forward; renewal of an expired lease is refused.
func TestRenewExtendsTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := lease.NewInMemoryManager().WithClock(func() time.Time { return now })
	ctx := context.Background()

	l, err := m.Acquire(ctx, tenant, uow, "owner-1", 30*time.Second)
	require.NoError(t, err)

	now = now.Add(20 * time.Second)
	renewed, err := m.Renew(ctx, tenant, uow, l.Token, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), renewed.ExpiresAt)

	now = now.Add(31 * time.Second)
	_, err = m.Renew(ctx, tenant, uow, l.Token, 30*time.Second)
	assert.ErrorIs(t, err, lease.ErrTokenInvalid, "expired leases do not renew")
}

// TestReleaseRequiresToken verifies release is by possession: the right
// token releases, anything else is refused, and release frees the slot.
func TestReleaseRequiresToken(t *testing.T) {
	m := lease.NewInMemoryManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, tenant, uow, "owner-1", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release(ctx, tenant, uow, "wrong-token"), lease.ErrTokenInvalid)
	require.NoError(t, m.Release(ctx, tenant, uow, l.Token))

	_, err = m.Acquire(ctx, tenant, uow, "owner-2", time.Minute)
	assert.NoError(t, err, "released slot is immediately reclaimable")
}

// TestRenewUnknownLease verifies renewal of a never-acquired unit of
// work reports not found.
func TestRenewUnknownLease(t *testing.T) {
	m := lease.NewInMemoryManager()

	_, err := m.Renew(context.Background(), tenant, "uow-none", "token", time.Minute)
	assert.ErrorIs(t, err, lease.ErrNotFound)
}
