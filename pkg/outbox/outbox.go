// Package outbox deduplicates and dispatches side effects. At-least-once
// delivery upstream must never become at-least-twice execution downstream;
// the (tenant, idempotency_key) uniqueness constraint is the only
// coordination primitive that guarantee needs. The outbox table doubles
// as the recovery log: on restart, resuming is a scan of due records.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Status is the dispatch lifecycle of one record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSent       Status = "SENT"
	StatusConfirmed  Status = "CONFIRMED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Record is one attempted side effect. The payload is immutable once
// created; only status and attempt metadata ever change.
type Record struct {
	TenantID       contracts.TenantID     `json:"tenant_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	UnitOfWorkID   contracts.UnitOfWorkID `json:"unit_of_work_id"`
	StepID         contracts.StepID       `json:"step_id,omitempty"`
	OperationID    string                 `json:"operation_id"`
	Payload        json.RawMessage        `json:"payload"`
	Status         Status                 `json:"status"`
	AttemptCount   int                    `json:"attempt_count"`
	NextAttemptAt  time.Time              `json:"next_attempt_at"`
	ReasonCode     contracts.ReasonCode   `json:"reason_code,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

var (
	ErrNotFound = errors.New("outbox: record not found")
	// ErrPayloadImmutable is returned when an enqueue reuses a key with a
	// different payload; the original record stands.
	ErrPayloadImmutable = errors.New("outbox: payload immutable for existing key")
)

// Store persists outbox records.
//
// Enqueue is idempotent: re-enqueuing an existing (tenant, key) returns
// the existing record unchanged. Due returns records ready to dispatch
// (Pending, or Failed with next_attempt_at <= now).
type Store interface {
	Enqueue(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, tenant contracts.TenantID, key string) (Record, error)
	Due(ctx context.Context, now time.Time, limit int) ([]Record, error)
	ByUnitOfWork(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) ([]Record, error)
	MarkSent(ctx context.Context, tenant contracts.TenantID, key string) error
	MarkConfirmed(ctx context.Context, tenant contracts.TenantID, key string) error
	MarkFailed(ctx context.Context, tenant contracts.TenantID, key string, attemptCount int, nextAttemptAt time.Time, reason contracts.ReasonCode) error
	MarkDeadLetter(ctx context.Context, tenant contracts.TenantID, key string, reason contracts.ReasonCode) error
}
