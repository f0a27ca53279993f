// Package audit is the canonical append-only record of everything that
// happened and why. Every row carries a mandatory reason code; there are
// no silent events. Entries are hash-chained so tampering is detectable,
// and the replay engine reads this ledger alongside the unit-of-work
// ledger to reconstruct decision timelines.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Severity classifies an event for operators. It never changes semantics.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event is one immutable audit fact.
type Event struct {
	EventID       contracts.EventID       `json:"event_id"`
	TenantID      contracts.TenantID      `json:"tenant_id"`
	CorrelationID contracts.CorrelationID `json:"correlation_id"`
	TurnID        int64                   `json:"turn_id"`
	UnitOfWorkID  contracts.UnitOfWorkID  `json:"unit_of_work_id,omitempty"`
	ComponentID   string                  `json:"component_id"`
	EventType     string                  `json:"event_type"`
	ReasonCode    contracts.ReasonCode    `json:"reason_code"`
	Severity      Severity                `json:"severity"`
	Payload       json.RawMessage         `json:"payload,omitempty"`
	EvidenceRef   string                  `json:"evidence_ref,omitempty"`

	// Assigned by the store at append.
	Sequence     int64     `json:"sequence"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	ErrReasonRequired = errors.New("audit: reason code is mandatory")
	ErrUnknownReason  = errors.New("audit: unknown reason code")
	ErrChainBroken    = errors.New("audit: hash chain is broken")
	ErrNotFound       = errors.New("audit: no events")
)

// Recorder appends audit events. Append assigns sequence, hashes and
// timestamp; callers supply only the fact itself.
type Recorder interface {
	Record(ctx context.Context, ev Event) (Event, error)
}

// Store is a Recorder that can also be queried and verified.
type Store interface {
	Recorder

	// ByCorrelation returns every event for (tenant, correlation) in
	// append order.
	ByCorrelation(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID) ([]Event, error)

	// VerifyChain recomputes the hash chain and reports the first break.
	VerifyChain(ctx context.Context) error
}
