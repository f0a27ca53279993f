package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/scheduler"
)

// Sender performs the actual side effect for one record. Implementations
// live outside the kernel (connectors, messaging, payments); the
// dispatcher only guarantees each key is executed at most once.
type Sender interface {
	Send(ctx context.Context, rec Record) error
}

// DispatchError carries a bounded reason code back from a sender so the
// scheduler can classify the failure. Senders returning any other error
// are treated as DOWNSTREAM_ERROR.
type DispatchError struct {
	Reason contracts.ReasonCode
	Err    error
}

func (e *DispatchError) Error() string { return string(e.Reason) + ": " + e.Err.Error() }
func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher drains due outbox records. It is safe to run one per
// executor: record-level idempotency and the status transitions make
// concurrent drains converge.
type Dispatcher struct {
	store    Store
	sender   Sender
	limiter  Limiter
	policies map[string]scheduler.Policy
	fallback scheduler.Policy
	log      *slog.Logger
	now      func() time.Time

	dispatched metric.Int64Counter
	deadLetter metric.Int64Counter
}

// NewDispatcher wires a dispatcher. policies maps operation ids to retry
// policies; operations without an entry use the default policy.
func NewDispatcher(store Store, sender Sender, limiter Limiter, meter metric.Meter, log *slog.Logger) *Dispatcher {
	dispatched, _ := meter.Int64Counter("keel.outbox.dispatched")
	deadLetter, _ := meter.Int64Counter("keel.outbox.dead_letter")
	return &Dispatcher{
		store:      store,
		sender:     sender,
		limiter:    limiter,
		policies:   make(map[string]scheduler.Policy),
		fallback:   scheduler.DefaultPolicy(),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		dispatched: dispatched,
		deadLetter: deadLetter,
	}
}

// WithPolicy sets the retry policy for one operation id.
func (d *Dispatcher) WithPolicy(operationID string, p scheduler.Policy) *Dispatcher {
	d.policies[operationID] = p
	return d
}

// WithClock overrides the time source for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run drains due records on the given interval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.log.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single drain pass. On process restart this same scan
// is the recovery procedure; there is no separate recovery log.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	now := d.now()
	due, err := d.store.Due(ctx, now, 100)
	if err != nil {
		return err
	}

	for _, rec := range due {
		if err := d.dispatch(ctx, rec, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, rec Record, now time.Time) error {
	if d.limiter != nil {
		ok, err := d.limiter.Allow(ctx, rec.TenantID)
		if err != nil {
			return err
		}
		if !ok {
			// Stays due; the next pass retries without burning an attempt.
			d.log.Debug("dispatch throttled",
				"tenant", rec.TenantID, "key", rec.IdempotencyKey)
			return nil
		}
	}

	sendErr := d.sender.Send(ctx, rec)
	if sendErr == nil {
		if err := d.store.MarkSent(ctx, rec.TenantID, rec.IdempotencyKey); err != nil {
			return err
		}
		if err := d.store.MarkConfirmed(ctx, rec.TenantID, rec.IdempotencyKey); err != nil {
			return err
		}
		d.count(ctx, d.dispatched, rec, "confirmed")
		return nil
	}

	reason := contracts.ReasonDownstreamError
	var de *DispatchError
	if errors.As(sendErr, &de) && contracts.KnownReason(de.Reason) {
		reason = de.Reason
	}

	attempt := rec.AttemptCount + 1
	decision := scheduler.Decide(d.policyFor(rec.OperationID), scheduler.Input{
		Now:          now,
		AttemptIndex: attempt,
		Failed:       true,
		FailReason:   reason,
	})

	switch decision.Kind {
	case scheduler.KindRetryAt:
		d.log.Warn("dispatch failed, retry scheduled",
			"tenant", rec.TenantID, "key", rec.IdempotencyKey,
			"attempt", attempt, "retry_at", decision.RetryAt, "reason", reason)
		return d.store.MarkFailed(ctx, rec.TenantID, rec.IdempotencyKey,
			attempt, decision.RetryAt, reason)
	default:
		d.log.Error("dispatch dead-lettered",
			"tenant", rec.TenantID, "key", rec.IdempotencyKey,
			"attempt", attempt, "reason", decision.Reason)
		d.count(ctx, d.deadLetter, rec, string(decision.Reason))
		return d.store.MarkDeadLetter(ctx, rec.TenantID, rec.IdempotencyKey, decision.Reason)
	}
}

func (d *Dispatcher) policyFor(operationID string) scheduler.Policy {
	if p, ok := d.policies[operationID]; ok {
		return p
	}
	return d.fallback
}

func (d *Dispatcher) count(ctx context.Context, c metric.Int64Counter, rec Record, outcome string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", rec.OperationID),
			attribute.String("outcome", outcome),
		))
}
