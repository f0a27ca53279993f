// Package lease grants exclusive execution ownership of one unit of work
// to one executor at a time. Ownership is by possession: renewal and
// release require presenting the current token, not just an owner id.
// Expiry is wall-clock based; an expired lease is reclaimable by anyone,
// and the new owner must resume from persisted ledger state only.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// State is the lifecycle of one lease row.
type State string

const (
	StateActive   State = "ACTIVE"
	StateExpired  State = "EXPIRED"
	StateReleased State = "RELEASED"
)

// Lease is one grant of exclusive execution ownership.
type Lease struct {
	TenantID     contracts.TenantID     `json:"tenant_id"`
	UnitOfWorkID contracts.UnitOfWorkID `json:"unit_of_work_id"`
	OwnerID      string                 `json:"owner_id"`
	Token        contracts.LeaseToken   `json:"token"`
	State        State                  `json:"state"`
	AcquiredAt   time.Time              `json:"acquired_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

// Expired reports whether the lease TTL has elapsed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Denials. Callers treat these as handoff signals, never as overridable.
var (
	ErrHeldByOther  = errors.New("lease: held by another owner")
	ErrTokenInvalid = errors.New("lease: token invalid")
	ErrNotFound     = errors.New("lease: not found")
)

// Manager grants, renews and releases leases. At most one Active lease
// exists per unit of work at any instant, enforced by the store's
// uniqueness constraint rather than by application-level coordination.
type Manager interface {
	Acquire(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, ownerID string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, token contracts.LeaseToken, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, token contracts.LeaseToken) error

	// Get returns the current lease row for inspection, with State
	// reflecting expiry at call time.
	Get(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Lease, error)
}
