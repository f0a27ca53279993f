// Package contracts defines the typed identifiers, the request envelope,
// and the result shapes every kernel component communicates through.
// Components never call each other directly; everything crosses this
// boundary as an envelope and comes back as a result.
package contracts

import "github.com/google/uuid"

// TenantID scopes every row the kernel persists. Nothing crosses tenants.
type TenantID string

// CorrelationID links every event produced while handling one caller
// interaction, across turns and across units of work.
type CorrelationID string

// UnitOfWorkID identifies one task record (UoW) end-to-end.
type UnitOfWorkID string

// StepID identifies one step inside a unit of work.
type StepID string

// CapabilityID names the template a request is addressed to.
type CapabilityID string

// LeaseToken is an opaque proof of lease ownership. Renewal and release
// require presenting it; identity alone is not enough.
type LeaseToken string

// SnapshotVersion identifies one compiled, immutable policy snapshot.
type SnapshotVersion string

// EventID identifies one appended ledger or audit row.
type EventID string

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() CorrelationID { return CorrelationID(uuid.New().String()) }

// NewUnitOfWorkID returns a fresh unit-of-work id.
func NewUnitOfWorkID() UnitOfWorkID { return UnitOfWorkID(uuid.New().String()) }

// NewStepID returns a fresh step id.
func NewStepID() StepID { return StepID(uuid.New().String()) }

// NewLeaseToken returns a fresh opaque lease token.
func NewLeaseToken() LeaseToken { return LeaseToken(uuid.New().String()) }

// NewEventID returns a fresh event id.
func NewEventID() EventID { return EventID(uuid.New().String()) }
