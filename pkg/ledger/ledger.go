package ledger

import (
	"context"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Ledger is the append-only unit-of-work store plus its projection.
//
// Append validates the event against the current projection (status DAG,
// tenant scope, terminal-state immutability), assigns sequence numbers,
// writes the event and updates the projection atomically. A duplicate
// idempotency key within (tenant, uow) is resolved as a no-op success
// carrying the previously assigned event id.
type Ledger interface {
	Append(ctx context.Context, ev Event) (AppendResult, error)

	// Events returns every event for one unit of work in ledger order.
	Events(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) ([]Event, error)

	// EventsByCorrelation returns every event sharing a correlation id,
	// across units of work, ordered by global sequence.
	EventsByCorrelation(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID) ([]Event, error)

	// FindCreation resolves the unit of work whose CREATED event carried
	// the given idempotency key, scoped to the tenant. A retried creation
	// envelope lands on the prior unit of work through this lookup instead
	// of minting a second one. ErrNotFound when no creation used the key.
	FindCreation(ctx context.Context, tenant contracts.TenantID, key string) (contracts.UnitOfWorkID, error)

	// Projection returns the live materialized view.
	Projection(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Projection, error)

	// Rebuild folds the stored events from scratch. It must equal the
	// live projection; divergence is a storage-level defect.
	Rebuild(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Projection, error)

	// Open returns projections of units of work that are neither terminal
	// nor canceled. Reconciliation loops feed from this.
	Open(ctx context.Context, limit int) ([]Projection, error)
}
