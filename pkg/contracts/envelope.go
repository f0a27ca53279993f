package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeSchemaVersion is the schema series this kernel build accepts.
// Intake rejects envelopes from a different major series.
const EnvelopeSchemaVersion = "1.0.0"

// SourceKind classifies who or what submitted an envelope.
type SourceKind string

const (
	SourceUser    SourceKind = "USER"
	SourceAgent   SourceKind = "AGENT"
	SourceSystem  SourceKind = "SYSTEM"
	SourceService SourceKind = "SERVICE"
)

// Source identifies the submitting principal.
type Source struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id"`
	// Token carries the caller's signed identity assertion. Absent or
	// unverifiable tokens evaluate as an unknown subject, which policy
	// always denies.
	Token string `json:"token,omitempty"`
}

// Destination names the capability a request is addressed to.
type Destination struct {
	CapabilityID CapabilityID `json:"capability_id"`
}

// Envelope is the single universal request wrapper. Every command entering
// the kernel is one of these; nothing reaches a component any other way.
type Envelope struct {
	SchemaVersion  string          `json:"schema_version"`
	TenantID       TenantID        `json:"tenant_id"`
	CorrelationID  CorrelationID   `json:"correlation_id"`
	TurnID         int64           `json:"turn_id"`
	UnitOfWorkID   UnitOfWorkID    `json:"unit_of_work_id,omitempty"`
	Source         Source          `json:"source"`
	Destination    Destination     `json:"destination"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`

	// Now is stamped by the kernel at intake, never trusted from the
	// caller. Replay treats it as informational; ledger sequence is the
	// authoritative clock.
	Now time.Time `json:"now"`
}

// ContractError is a pre-ledger rejection: the envelope never produced a
// ledger write. It is the only error the intake boundary returns.
type ContractError struct {
	Reason ReasonCode
	Detail string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation %s: %s", e.Reason, e.Detail)
}

// Validate checks the structural invariants an envelope must satisfy
// before the kernel will look at it at all. Payload semantics are checked
// later against the destination capability's schema.
func (env *Envelope) Validate() error {
	if env.SchemaVersion == "" {
		return &ContractError{Reason: ReasonSchemaMismatch, Detail: "schema_version is empty"}
	}
	if env.TenantID == "" {
		return &ContractError{Reason: ReasonMalformedEnvelope, Detail: "tenant_id is empty"}
	}
	if env.CorrelationID == "" {
		return &ContractError{Reason: ReasonMalformedEnvelope, Detail: "correlation_id is empty"}
	}
	if env.TurnID < 0 {
		return &ContractError{Reason: ReasonMalformedEnvelope, Detail: "turn_id is negative"}
	}
	if env.Source.Kind == "" || env.Source.ID == "" {
		return &ContractError{Reason: ReasonMalformedEnvelope, Detail: "source is incomplete"}
	}
	if env.Destination.CapabilityID == "" {
		return &ContractError{Reason: ReasonMalformedEnvelope, Detail: "destination capability is empty"}
	}
	return nil
}

// ResultStatus is the closed outcome set a capability handler may return.
type ResultStatus string

const (
	ResultOK           ResultStatus = "OK"
	ResultNeedsClarify ResultStatus = "NEEDS_CLARIFY"
	ResultRefused      ResultStatus = "REFUSED"
	ResultFail         ResultStatus = "FAIL"
)

// RetryHint tells the caller whether re-submitting could ever help.
type RetryHint string

const (
	RetryNone         RetryHint = "NONE"
	RetryRetryable    RetryHint = "RETRYABLE"
	RetryNotRetryable RetryHint = "NOT_RETRYABLE"
)

// Result is the single universal response wrapper, mirroring Envelope.
type Result struct {
	SchemaVersion  string            `json:"schema_version"`
	CorrelationID  CorrelationID     `json:"correlation_id"`
	TurnID         int64             `json:"turn_id"`
	UnitOfWorkID   UnitOfWorkID      `json:"unit_of_work_id"`
	CapabilityID   CapabilityID      `json:"capability_id"`
	Status         ResultStatus      `json:"status"`
	ProducedFields map[string]string `json:"produced_fields,omitempty"`
	MissingFields  []string          `json:"missing_fields,omitempty"`
	ReasonCode     ReasonCode        `json:"reason_code"`
	RetryHint      RetryHint         `json:"retry_hint"`
	AuditRequired  bool              `json:"audit_required"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
}
