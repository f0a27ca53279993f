// Package ledger implements the append-only unit-of-work ledger and its
// current-state projection. The ledger is the only source of truth; the
// projection is a derived view, updated in the same transaction as every
// append and rebuildable at any time by folding the events back up.
package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// EventType is the closed set of facts the ledger records.
type EventType string

const (
	EventCreated        EventType = "CREATED"
	EventFieldSet       EventType = "FIELD_SET"
	EventStatusChanged  EventType = "STATUS_CHANGED"
	EventEvidenceLinked EventType = "EVIDENCE_LINKED"
	EventStepStarted    EventType = "STEP_STARTED"
	EventStepFinished   EventType = "STEP_FINISHED"
	EventStepFailed     EventType = "STEP_FAILED"
	EventRetryScheduled EventType = "RETRY_SCHEDULED"
	EventLeaseAcquired  EventType = "LEASE_ACQUIRED"
	EventLeaseRenewed   EventType = "LEASE_RENEWED"
	EventLeaseReleased  EventType = "LEASE_RELEASED"
	EventCanceled       EventType = "WORK_ORDER_CANCELED"
)

// Event is one immutable ledger fact. Once appended it is never mutated
// or deleted; corrections are new events referencing the superseded one.
type Event struct {
	EventID       contracts.EventID       `json:"event_id"`
	TenantID      contracts.TenantID      `json:"tenant_id"`
	CorrelationID contracts.CorrelationID `json:"correlation_id"`
	UnitOfWorkID  contracts.UnitOfWorkID  `json:"unit_of_work_id"`

	// Sequence is the per-(tenant, uow) position, assigned at append.
	// GlobalSequence is the ledger-wide position; replay orders by it.
	Sequence       int64 `json:"sequence"`
	GlobalSequence int64 `json:"global_sequence"`

	Type         EventType        `json:"type"`
	StepID       contracts.StepID `json:"step_id,omitempty"`
	AttemptIndex int              `json:"attempt_index,omitempty"`

	// IdempotencyKey is mandatory for any event arising from a retriable
	// write; duplicates within (tenant, uow) resolve as no-op success.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	ReasonCode contracts.ReasonCode `json:"reason_code,omitempty"`
	Payload    json.RawMessage      `json:"payload,omitempty"`

	// RecordedAt is informational. Sequence is the authoritative clock.
	RecordedAt time.Time `json:"recorded_at"`
}

// Typed payloads for the events that carry structure.

// StatusChange records a transition through the status DAG.
type StatusChange struct {
	From contracts.Status `json:"from"`
	To   contracts.Status `json:"to"`
}

// FieldSet records one collected field. Values are bounded strings; raw
// sensitive payloads live in the evidence store, never here.
type FieldSet struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EvidenceLink records a pointer into the external evidence store.
type EvidenceLink struct {
	Ref string `json:"ref"`
}

// StepOutcome records a step finishing or failing.
type StepOutcome struct {
	OperationID string `json:"operation_id,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// RetryPlan records a scheduler decision to retry a failed step.
type RetryPlan struct {
	NextAttempt int       `json:"next_attempt"`
	RetryAt     time.Time `json:"retry_at"`
}

// AppendResult reports a successful append. Duplicate is true when the
// idempotency key had already been appended for this (tenant, uow); the
// returned EventID is then the previously assigned one and no new row
// was written.
type AppendResult struct {
	EventID   contracts.EventID
	Sequence  int64
	Duplicate bool
}

// Rejections. These are the only errors Append returns for well-formed
// storage; anything else is an infrastructure failure.
var (
	ErrAppendOnlyViolation = errors.New("ledger: append-only violation")
	ErrTenantScope         = errors.New("ledger: tenant scope violation")
	ErrIllegalTransition   = errors.New("ledger: illegal status transition")
	ErrNotFound            = errors.New("ledger: unit of work not found")
	ErrUnknownReason       = errors.New("ledger: unknown reason code")
)

// Projection is the materialized current state of one unit of work.
// It must never diverge from what folding the events would produce.
type Projection struct {
	TenantID      contracts.TenantID       `json:"tenant_id"`
	UnitOfWorkID  contracts.UnitOfWorkID   `json:"unit_of_work_id"`
	CorrelationID contracts.CorrelationID  `json:"correlation_id"`
	Status        contracts.Status         `json:"status"`
	Fields        map[string]string        `json:"fields"`
	EvidenceRefs  []string                 `json:"evidence_refs"`
	TurnCount     int64                    `json:"turn_count"`
	Confirmed     bool                     `json:"confirmed"`
	StepAttempts  map[contracts.StepID]int `json:"step_attempts"`
	Canceled      bool                     `json:"canceled"`
	LastSequence  int64                    `json:"last_sequence"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Clone returns a deep copy so callers can never mutate store state.
func (p Projection) Clone() Projection {
	out := p
	out.Fields = make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	out.StepAttempts = make(map[contracts.StepID]int, len(p.StepAttempts))
	for k, v := range p.StepAttempts {
		out.StepAttempts[k] = v
	}
	out.EvidenceRefs = append([]string(nil), p.EvidenceRefs...)
	return out
}
