package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/lease"
	"github.com/tidemark-labs/keel/pkg/ledger"
	"github.com/tidemark-labs/keel/pkg/outbox"
)

// ErrNotOwner is returned when another executor holds the lease. The
// caller backs off; it never works around the lease.
var ErrNotOwner = errors.New("kernel: unit of work leased to another executor")

// Executor folds dispatch outcomes back into the ledger. Exactly one
// executor reconciles a unit of work at a time, enforced by the lease
// manager; a crashed executor's work is picked up by whoever acquires
// the lease after expiry, from persisted state alone.
type Executor struct {
	ledger  ledger.Ledger
	outbox  outbox.Store
	leases  lease.Manager
	ownerID string
	ttl     time.Duration
	clock   Clock
	log     *slog.Logger
}

// NewExecutor wires an executor. ownerID identifies this process in
// lease rows and ledger lease events.
func NewExecutor(l ledger.Ledger, ob outbox.Store, lm lease.Manager, ownerID string, ttl time.Duration, opts ...ExecutorOption) *Executor {
	e := &Executor{
		ledger:  l,
		outbox:  ob,
		leases:  lm,
		ownerID: ownerID,
		ttl:     ttl,
		clock:   NewMonotonicClock(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock overrides the clock, for tests.
func WithExecutorClock(c Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithExecutorLogger overrides the logger.
func WithExecutorLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// Reconcile brings one unit of work's ledger up to date with its outbox
// records, under an exclusive lease. Every append carries an idempotency
// key derived from the outbox record, so reconciling twice, or from a
// different owner after lease takeover, writes nothing new.
func (e *Executor) Reconcile(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) error {
	held, err := e.leases.Acquire(ctx, tenant, uow, e.ownerID, e.ttl)
	if err != nil {
		if errors.Is(err, lease.ErrHeldByOther) {
			return ErrNotOwner
		}
		return fmt.Errorf("kernel: acquire lease: %w", err)
	}
	defer func() {
		if err := e.leases.Release(ctx, tenant, uow, held.Token); err != nil {
			e.log.Warn("lease release failed", "uow", uow, "error", err)
		}
	}()

	proj, err := e.ledger.Projection(ctx, tenant, uow)
	if err != nil {
		return fmt.Errorf("kernel: load projection: %w", err)
	}
	if proj.Status.Terminal() || proj.Canceled {
		return nil
	}

	now := e.clock.Now()
	if err := e.appendLease(ctx, proj, ledger.EventLeaseAcquired, held, now); err != nil {
		return err
	}

	records, err := e.outbox.ByUnitOfWork(ctx, tenant, uow)
	if err != nil {
		return fmt.Errorf("kernel: list outbox records: %w", err)
	}

	open := 0
	var dead *outbox.Record
	for i := range records {
		rec := records[i]
		switch rec.Status {
		case outbox.StatusConfirmed:
			if err := e.stepFinished(ctx, proj, rec, now); err != nil {
				return err
			}
		case outbox.StatusDeadLetter:
			if err := e.stepFailed(ctx, proj, rec, now); err != nil {
				return err
			}
			if dead == nil {
				dead = &records[i]
			}
		case outbox.StatusFailed:
			if err := e.retryScheduled(ctx, proj, rec, now); err != nil {
				return err
			}
			open++
		default:
			// Pending or Sent: still in flight.
			open++
		}
	}

	switch {
	case dead != nil:
		return e.finish(ctx, proj, contracts.StatusFailed, reasonOr(dead.ReasonCode, contracts.ReasonDeadLetter), now)
	case open == 0 && len(records) > 0 && proj.Status == contracts.StatusExecuting:
		return e.finish(ctx, proj, contracts.StatusDone, contracts.ReasonOK, now)
	}
	return nil
}

func (e *Executor) stepFinished(ctx context.Context, proj ledger.Projection, rec outbox.Record, now time.Time) error {
	payload, err := json.Marshal(ledger.StepOutcome{OperationID: rec.OperationID})
	if err != nil {
		return err
	}
	_, err = e.ledger.Append(ctx, ledger.Event{
		TenantID:       proj.TenantID,
		CorrelationID:  proj.CorrelationID,
		UnitOfWorkID:   proj.UnitOfWorkID,
		Type:           ledger.EventStepFinished,
		StepID:         rec.StepID,
		AttemptIndex:   rec.AttemptCount,
		IdempotencyKey: rec.IdempotencyKey + ":finished",
		ReasonCode:     contracts.ReasonOK,
		Payload:        payload,
		RecordedAt:     now,
	})
	return err
}

func (e *Executor) stepFailed(ctx context.Context, proj ledger.Projection, rec outbox.Record, now time.Time) error {
	payload, err := json.Marshal(ledger.StepOutcome{OperationID: rec.OperationID})
	if err != nil {
		return err
	}
	_, err = e.ledger.Append(ctx, ledger.Event{
		TenantID:       proj.TenantID,
		CorrelationID:  proj.CorrelationID,
		UnitOfWorkID:   proj.UnitOfWorkID,
		Type:           ledger.EventStepFailed,
		StepID:         rec.StepID,
		AttemptIndex:   rec.AttemptCount,
		IdempotencyKey: rec.IdempotencyKey + ":failed",
		ReasonCode:     reasonOr(rec.ReasonCode, contracts.ReasonDeadLetter),
		Payload:        payload,
		RecordedAt:     now,
	})
	return err
}

// retryScheduled records the dispatcher's retry plan as a ledger fact.
// The key is scoped per attempt so each planned retry appends once.
func (e *Executor) retryScheduled(ctx context.Context, proj ledger.Projection, rec outbox.Record, now time.Time) error {
	payload, err := json.Marshal(ledger.RetryPlan{
		NextAttempt: rec.AttemptCount + 1,
		RetryAt:     rec.NextAttemptAt,
	})
	if err != nil {
		return err
	}
	_, err = e.ledger.Append(ctx, ledger.Event{
		TenantID:       proj.TenantID,
		CorrelationID:  proj.CorrelationID,
		UnitOfWorkID:   proj.UnitOfWorkID,
		Type:           ledger.EventRetryScheduled,
		StepID:         rec.StepID,
		AttemptIndex:   rec.AttemptCount,
		IdempotencyKey: fmt.Sprintf("%s:retry:%d", rec.IdempotencyKey, rec.AttemptCount),
		ReasonCode:     reasonOr(rec.ReasonCode, contracts.ReasonDownstreamError),
		Payload:        payload,
		RecordedAt:     now,
	})
	return err
}

func (e *Executor) finish(ctx context.Context, proj ledger.Projection, to contracts.Status, reason contracts.ReasonCode, now time.Time) error {
	payload, err := json.Marshal(ledger.StatusChange{From: contracts.StatusExecuting, To: to})
	if err != nil {
		return err
	}
	_, err = e.ledger.Append(ctx, ledger.Event{
		TenantID:       proj.TenantID,
		CorrelationID:  proj.CorrelationID,
		UnitOfWorkID:   proj.UnitOfWorkID,
		Type:           ledger.EventStatusChanged,
		IdempotencyKey: fmt.Sprintf("reconcile:%s:%s", proj.UnitOfWorkID, to),
		ReasonCode:     reason,
		Payload:        payload,
		RecordedAt:     now,
	})
	return err
}

func (e *Executor) appendLease(ctx context.Context, proj ledger.Projection, typ ledger.EventType, l lease.Lease, now time.Time) error {
	_, err := e.ledger.Append(ctx, ledger.Event{
		TenantID:       proj.TenantID,
		CorrelationID:  proj.CorrelationID,
		UnitOfWorkID:   proj.UnitOfWorkID,
		Type:           typ,
		IdempotencyKey: fmt.Sprintf("lease:%s:%s", l.Token, typ),
		RecordedAt:     now,
	})
	return err
}
