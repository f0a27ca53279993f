package lease

import (
	"context"
	"sync"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// InMemoryManager is the reference implementation, used in tests and
// single-process deployments. The mutex plays the role the row-level
// uniqueness constraint plays in the SQL store.
type InMemoryManager struct {
	mu     sync.Mutex
	leases map[key]*Lease
	now    func() time.Time
}

type key struct {
	tenant contracts.TenantID
	uow    contracts.UnitOfWorkID
}

// NewInMemoryManager creates an empty lease manager.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		leases: make(map[key]*Lease),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Tests use this to expire leases
// without sleeping.
func (m *InMemoryManager) WithClock(now func() time.Time) *InMemoryManager {
	m.now = now
	return m
}

// Acquire implements Manager.
func (m *InMemoryManager) Acquire(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, ownerID string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := key{tenant, uow}
	if cur, ok := m.leases[k]; ok && cur.State == StateActive && !cur.Expired(now) {
		return Lease{}, ErrHeldByOther
	}

	l := &Lease{
		TenantID:     tenant,
		UnitOfWorkID: uow,
		OwnerID:      ownerID,
		Token:        contracts.NewLeaseToken(),
		State:        StateActive,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
	m.leases[k] = l
	return *l, nil
}

// Renew implements Manager.
func (m *InMemoryManager) Renew(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, token contracts.LeaseToken, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key{tenant, uow}]
	if !ok {
		return Lease{}, ErrNotFound
	}
	now := m.now()
	if cur.Token != token || cur.State != StateActive || cur.Expired(now) {
		return Lease{}, ErrTokenInvalid
	}
	cur.ExpiresAt = now.Add(ttl)
	return *cur, nil
}

// Release implements Manager.
func (m *InMemoryManager) Release(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, token contracts.LeaseToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key{tenant, uow}]
	if !ok || cur.Token != token {
		return ErrTokenInvalid
	}
	cur.State = StateReleased
	return nil
}

// Get implements Manager.
func (m *InMemoryManager) Get(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key{tenant, uow}]
	if !ok {
		return Lease{}, ErrNotFound
	}
	out := *cur
	if out.State == StateActive && out.Expired(m.now()) {
		out.State = StateExpired
	}
	return out, nil
}
