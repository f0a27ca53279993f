package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// SQLManager implements Manager using database/sql. One row per unit of
// work; the primary key is the uniqueness constraint that makes "at most
// one Active lease" hold across concurrent executors without any
// application-level lock.
type SQLManager struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLManager(db *sql.DB) *SQLManager {
	return &SQLManager{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source for tests.
func (m *SQLManager) WithClock(now func() time.Time) *SQLManager {
	m.now = now
	return m
}

const leaseSchema = `
CREATE TABLE IF NOT EXISTS uow_leases (
	tenant_id TEXT NOT NULL,
	unit_of_work_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	token TEXT NOT NULL,
	state TEXT NOT NULL,
	acquired_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, unit_of_work_id)
);
`

// Init creates the lease table if it does not exist.
func (m *SQLManager) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, leaseSchema)
	return err
}

// Acquire implements Manager. The guarded UPDATE (or first INSERT) only
// succeeds when no live Active row exists; zero rows affected means the
// lease is held by someone else.
func (m *SQLManager) Acquire(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, ownerID string, ttl time.Duration) (Lease, error) {
	now := m.now()
	l := Lease{
		TenantID:     tenant,
		UnitOfWorkID: uow,
		OwnerID:      ownerID,
		Token:        contracts.NewLeaseToken(),
		State:        StateActive,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}

	res, err := m.db.ExecContext(ctx,
		`INSERT INTO uow_leases (tenant_id, unit_of_work_id, owner_id, token, state, acquired_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, unit_of_work_id) DO UPDATE SET
			owner_id = $3, token = $4, state = $5, acquired_at = $6, expires_at = $7
		 WHERE uow_leases.state != 'ACTIVE' OR uow_leases.expires_at <= $6`,
		tenant, uow, ownerID, l.Token, l.State, l.AcquiredAt, l.ExpiresAt,
	)
	if err != nil {
		return Lease{}, fmt.Errorf("lease: acquire: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("lease: acquire rows affected: %w", err)
	}
	if rows == 0 {
		return Lease{}, ErrHeldByOther
	}
	return l, nil
}

// Renew implements Manager.
func (m *SQLManager) Renew(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, token contracts.LeaseToken, ttl time.Duration) (Lease, error) {
	now := m.now()
	res, err := m.db.ExecContext(ctx,
		`UPDATE uow_leases SET expires_at = $1
		 WHERE tenant_id = $2 AND unit_of_work_id = $3 AND token = $4
		   AND state = 'ACTIVE' AND expires_at > $5`,
		now.Add(ttl), tenant, uow, token, now,
	)
	if err != nil {
		return Lease{}, fmt.Errorf("lease: renew: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("lease: renew rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish "no such lease" from "wrong token or expired".
		if _, getErr := m.Get(ctx, tenant, uow); errors.Is(getErr, ErrNotFound) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, ErrTokenInvalid
	}
	return m.Get(ctx, tenant, uow)
}

// Release implements Manager.
func (m *SQLManager) Release(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID, token contracts.LeaseToken) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE uow_leases SET state = 'RELEASED'
		 WHERE tenant_id = $1 AND unit_of_work_id = $2 AND token = $3`,
		tenant, uow, token,
	)
	if err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lease: release rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTokenInvalid
	}
	return nil
}

// Get implements Manager.
func (m *SQLManager) Get(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Lease, error) {
	var l Lease
	err := m.db.QueryRowContext(ctx,
		`SELECT tenant_id, unit_of_work_id, owner_id, token, state, acquired_at, expires_at
		 FROM uow_leases WHERE tenant_id = $1 AND unit_of_work_id = $2`,
		tenant, uow,
	).Scan(&l.TenantID, &l.UnitOfWorkID, &l.OwnerID, &l.Token, &l.State, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, err
	}
	if l.State == StateActive && l.Expired(m.now()) {
		l.State = StateExpired
	}
	return l, nil
}
