package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidemark-labs/keel/pkg/audit"
	"github.com/tidemark-labs/keel/pkg/canonicalize"
	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/ledger"
	"github.com/tidemark-labs/keel/pkg/outbox"
	"github.com/tidemark-labs/keel/pkg/policy"
)

// SubjectVerifier resolves an envelope source into an evaluated subject.
type SubjectVerifier interface {
	Verify(tenant contracts.TenantID, src contracts.Source) (policy.Subject, error)
}

// SnapshotProvider returns the active policy snapshot for evaluation.
type SnapshotProvider interface {
	Active(ctx context.Context) (*policy.Snapshot, error)
}

// StaticSnapshot adapts one compiled snapshot into a SnapshotProvider.
type StaticSnapshot struct{ Snapshot *policy.Snapshot }

func (s StaticSnapshot) Active(ctx context.Context) (*policy.Snapshot, error) {
	return s.Snapshot, nil
}

// Kernel mediates every interaction between callers, capability
// templates, and the persistent stores.
type Kernel struct {
	ledger   ledger.Ledger
	audits   audit.Store
	outbox   outbox.Store
	registry *Registry
	verifier SubjectVerifier
	policies SnapshotProvider
	clock    Clock
	log      *slog.Logger
}

// Config carries the kernel's collaborators.
type Config struct {
	Ledger   ledger.Ledger
	Audit    audit.Store
	Outbox   outbox.Store
	Registry *Registry
	Verifier SubjectVerifier
	Policies SnapshotProvider
	Clock    Clock
	Logger   *slog.Logger
}

// New wires a kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.Ledger == nil || cfg.Audit == nil || cfg.Outbox == nil ||
		cfg.Registry == nil || cfg.Verifier == nil || cfg.Policies == nil {
		return nil, fmt.Errorf("kernel: incomplete configuration")
	}
	if cfg.Clock == nil {
		cfg.Clock = NewMonotonicClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Kernel{
		ledger:   cfg.Ledger,
		audits:   cfg.Audit,
		outbox:   cfg.Outbox,
		registry: cfg.Registry,
		verifier: cfg.Verifier,
		policies: cfg.Policies,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}, nil
}

// Submit is the single entry point for all requests. The returned error
// is non-nil only for contract violations and infrastructure failures;
// every domain outcome (deny, refuse, clarify, fail) is a Result.
func (k *Kernel) Submit(ctx context.Context, env contracts.Envelope) (contracts.Result, error) {
	env.Now = k.clock.Now()

	capability, err := checkIntake(&env, k.registry)
	if err != nil {
		return contracts.Result{}, err
	}

	snap, err := k.policies.Active(ctx)
	if err != nil {
		return contracts.Result{}, fmt.Errorf("kernel: load policy snapshot: %w", err)
	}

	subject, verifyErr := k.verifier.Verify(env.TenantID, env.Source)
	if verifyErr != nil {
		k.log.Warn("subject verification failed",
			"tenant", env.TenantID, "source", env.Source.ID, "error", verifyErr)
	}

	decision, err := policy.Evaluate(snap, policy.Request{
		TenantID: env.TenantID,
		Subject:  subject,
		Action:   capability.Action,
		Resource: string(capability.ID),
		Environment: map[string]any{
			"source_kind": string(env.Source.Kind),
			"turn_id":     env.TurnID,
		},
	})
	if err != nil {
		return contracts.Result{}, fmt.Errorf("kernel: policy evaluation: %w", err)
	}

	if err := k.auditDecision(ctx, env, decision); err != nil {
		return contracts.Result{}, err
	}

	switch decision.Effect {
	case policy.EffectDeny:
		return k.result(env, capability, contracts.ResultRefused, decision.Reason, nil), nil
	case policy.EffectRequireApproval:
		res := k.result(env, capability, contracts.ResultRefused, contracts.ReasonApprovalRequired, nil)
		approvals, _ := json.Marshal(map[string]any{"required_approvals": decision.RequiredApprovals})
		res.Payload = approvals
		return res, nil
	}

	// Authorized. Record intent before anything else happens.
	proj, duplicate, err := k.ensureUnitOfWork(ctx, &env)
	if err != nil {
		return contracts.Result{}, err
	}
	if duplicate {
		// The creation envelope was already accepted under this key; the
		// prior unit of work answers and nothing runs again.
		return k.result(env, capability, contracts.ResultOK, contracts.ReasonDuplicateNoOp, nil), nil
	}
	if proj.Canceled {
		return k.result(env, capability, contracts.ResultRefused, contracts.ReasonWorkOrderCanceled, nil), nil
	}
	if proj.Status.Terminal() || proj.Status == contracts.StatusExecuting {
		// Terminal units never accept new envelopes; executing units are
		// owned by their lease holder until reconcile finishes them.
		res := k.result(env, capability, contracts.ResultFail, contracts.ReasonIllegalTransition, nil)
		res.RetryHint = contracts.RetryNotRetryable
		return res, nil
	}

	resp, err := capability.Handler.Handle(ctx, env, &proj)
	if err != nil {
		// Handler errors are downstream failures, never silent retries.
		k.log.Error("capability handler failed",
			"capability", capability.ID, "uow", env.UnitOfWorkID, "error", err)
		if err := k.transition(ctx, env, proj.Status, contracts.StatusFailed, contracts.ReasonDownstreamError); err != nil {
			return contracts.Result{}, err
		}
		res := k.result(env, capability, contracts.ResultFail, contracts.ReasonDownstreamError, nil)
		res.RetryHint = contracts.RetryRetryable
		return res, nil
	}

	return k.commit(ctx, env, capability, snap, proj, resp)
}

// commit turns a handler response into ledger facts and the caller's
// result. This is the only place handler proposals become state.
func (k *Kernel) commit(ctx context.Context, env contracts.Envelope, capability Capability,
	snap *policy.Snapshot, proj ledger.Projection, resp HandlerResponse) (contracts.Result, error) {

	if err := k.appendFields(ctx, env, resp.ProducedFields); err != nil {
		return contracts.Result{}, err
	}

	switch resp.Status {
	case contracts.ResultNeedsClarify:
		if err := k.transition(ctx, env, proj.Status, contracts.StatusClarifying, contracts.ReasonClarifyNeeded); err != nil {
			return contracts.Result{}, err
		}
		res := k.result(env, capability, contracts.ResultNeedsClarify, contracts.ReasonClarifyNeeded, resp.MissingFields)
		res.ProducedFields = resp.ProducedFields
		return res, nil

	case contracts.ResultRefused:
		if err := k.transition(ctx, env, proj.Status, contracts.StatusRefused, reasonOr(resp.ReasonCode, contracts.ReasonPolicyDeny)); err != nil {
			return contracts.Result{}, err
		}
		return k.result(env, capability, contracts.ResultRefused, reasonOr(resp.ReasonCode, contracts.ReasonPolicyDeny), nil), nil

	case contracts.ResultFail:
		if err := k.transition(ctx, env, proj.Status, contracts.StatusFailed, reasonOr(resp.ReasonCode, contracts.ReasonDownstreamError)); err != nil {
			return contracts.Result{}, err
		}
		res := k.result(env, capability, contracts.ResultFail, reasonOr(resp.ReasonCode, contracts.ReasonDownstreamError), nil)
		res.RetryHint = contracts.RetryNotRetryable
		return res, nil
	}

	// OK path. A capability that wants explicit confirmation parks the
	// unit of work; a later envelope for the same uow resumes it here.
	if resp.NeedsConfirm && proj.Status != contracts.StatusConfirmPending {
		if err := k.transition(ctx, env, proj.Status, contracts.StatusConfirmPending, contracts.ReasonConfirmPending); err != nil {
			return contracts.Result{}, err
		}
		res := k.result(env, capability, contracts.ResultNeedsClarify, contracts.ReasonConfirmPending, nil)
		res.ProducedFields = resp.ProducedFields
		return res, nil
	}
	if resp.NeedsConfirm {
		// Already parked; nothing new to record.
		return k.result(env, capability, contracts.ResultNeedsClarify, contracts.ReasonConfirmPending, nil), nil
	}

	if err := k.transition(ctx, env, proj.Status, contracts.StatusExecuting, contracts.ReasonOK); err != nil {
		return contracts.Result{}, err
	}

	if len(resp.Effects) == 0 {
		if err := k.transition(ctx, env, contracts.StatusExecuting, contracts.StatusDone, contracts.ReasonOK); err != nil {
			return contracts.Result{}, err
		}
	} else if err := k.scheduleEffects(ctx, env, resp.Effects); err != nil {
		return contracts.Result{}, err
	}

	res := k.result(env, capability, contracts.ResultOK, contracts.ReasonOK, nil)
	res.ProducedFields = resp.ProducedFields
	if resp.Payload != nil {
		redacted, err := snap.Redact(capability.ID, resp.Payload)
		if err != nil {
			return contracts.Result{}, err
		}
		res.Payload = redacted
	}
	return res, nil
}

// scheduleEffects records each step and hands its operation to the
// outbox. The idempotency key uses the fixed formula, so a retried
// envelope re-deriving the same effects lands on the same outbox rows.
func (k *Kernel) scheduleEffects(ctx context.Context, env contracts.Envelope, effects []Effect) error {
	for _, eff := range effects {
		key, err := canonicalize.IdempotencyKey(
			string(env.TenantID), string(env.UnitOfWorkID), eff.OperationID, eff.Payload)
		if err != nil {
			return fmt.Errorf("kernel: effect key: %w", err)
		}

		stepID := contracts.StepID(key[:16])
		if _, err := k.ledger.Append(ctx, ledger.Event{
			TenantID:       env.TenantID,
			CorrelationID:  env.CorrelationID,
			UnitOfWorkID:   env.UnitOfWorkID,
			Type:           ledger.EventStepStarted,
			StepID:         stepID,
			AttemptIndex:   1,
			IdempotencyKey: key + ":started",
			RecordedAt:     env.Now,
		}); err != nil {
			return ledgerErr(err)
		}

		payload, err := json.Marshal(eff.Payload)
		if err != nil {
			return fmt.Errorf("kernel: effect payload: %w", err)
		}
		if _, err := k.outbox.Enqueue(ctx, outbox.Record{
			TenantID:       env.TenantID,
			IdempotencyKey: key,
			UnitOfWorkID:   env.UnitOfWorkID,
			StepID:         stepID,
			OperationID:    eff.OperationID,
			Payload:        payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Cancel appends a cancellation event. It is an ordinary ledger fact, so
// it replays like everything else; terminal units of work reject it.
func (k *Kernel) Cancel(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID, uow contracts.UnitOfWorkID) error {
	now := k.clock.Now()
	if _, err := k.ledger.Append(ctx, ledger.Event{
		TenantID:      tenant,
		CorrelationID: correlation,
		UnitOfWorkID:  uow,
		Type:          ledger.EventCanceled,
		ReasonCode:    contracts.ReasonWorkOrderCanceled,
		RecordedAt:    now,
	}); err != nil {
		return err
	}
	_, err := k.audits.Record(ctx, audit.Event{
		TenantID:      tenant,
		CorrelationID: correlation,
		UnitOfWorkID:  uow,
		ComponentID:   "kernel",
		EventType:     "WORK_ORDER_CANCELED",
		ReasonCode:    contracts.ReasonWorkOrderCanceled,
		Severity:      audit.SeverityWarn,
	})
	return err
}

// ensureUnitOfWork resolves the envelope to its unit of work, creating
// one when the envelope names none. Creation dedupes on the envelope's
// idempotency key within the tenant, so a retried creation envelope lands
// on the unit of work it already created instead of minting another; the
// duplicate return is true in that case.
func (k *Kernel) ensureUnitOfWork(ctx context.Context, env *contracts.Envelope) (ledger.Projection, bool, error) {
	if env.UnitOfWorkID == "" {
		if prior, err := k.findPriorCreation(ctx, env); err != nil {
			return ledger.Projection{}, false, err
		} else if prior != "" {
			env.UnitOfWorkID = prior
			proj, err := k.ledger.Projection(ctx, env.TenantID, prior)
			if err != nil {
				return ledger.Projection{}, false, err
			}
			return proj, true, nil
		}

		env.UnitOfWorkID = contracts.NewUnitOfWorkID()
		if _, err := k.ledger.Append(ctx, ledger.Event{
			TenantID:       env.TenantID,
			CorrelationID:  env.CorrelationID,
			UnitOfWorkID:   env.UnitOfWorkID,
			Type:           ledger.EventCreated,
			IdempotencyKey: env.IdempotencyKey,
			RecordedAt:     env.Now,
		}); err != nil {
			// A concurrent submit may have claimed the creation key between
			// the lookup and the append; resolve to its unit of work.
			if errors.Is(err, ledger.ErrAppendOnlyViolation) {
				if prior, ferr := k.findPriorCreation(ctx, env); ferr == nil && prior != "" {
					env.UnitOfWorkID = prior
					proj, perr := k.ledger.Projection(ctx, env.TenantID, prior)
					if perr != nil {
						return ledger.Projection{}, false, perr
					}
					return proj, true, nil
				}
			}
			return ledger.Projection{}, false, err
		}
	}
	proj, err := k.ledger.Projection(ctx, env.TenantID, env.UnitOfWorkID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Projection{}, false, &contracts.ContractError{
				Reason: contracts.ReasonMalformedEnvelope,
				Detail: "unknown unit_of_work_id " + string(env.UnitOfWorkID),
			}
		}
		return ledger.Projection{}, false, err
	}
	return proj, false, nil
}

func (k *Kernel) findPriorCreation(ctx context.Context, env *contracts.Envelope) (contracts.UnitOfWorkID, error) {
	if env.IdempotencyKey == "" {
		return "", nil
	}
	uow, err := k.ledger.FindCreation(ctx, env.TenantID, env.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return uow, nil
}

func (k *Kernel) appendFields(ctx context.Context, env contracts.Envelope, fields map[string]string) error {
	for _, name := range sortedFieldNames(fields) {
		payload, err := json.Marshal(ledger.FieldSet{Name: name, Value: fields[name]})
		if err != nil {
			return err
		}
		if _, err := k.ledger.Append(ctx, ledger.Event{
			TenantID:      env.TenantID,
			CorrelationID: env.CorrelationID,
			UnitOfWorkID:  env.UnitOfWorkID,
			Type:          ledger.EventFieldSet,
			Payload:       payload,
			RecordedAt:    env.Now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) transition(ctx context.Context, env contracts.Envelope, from, to contracts.Status, reason contracts.ReasonCode) error {
	payload, err := json.Marshal(ledger.StatusChange{From: from, To: to})
	if err != nil {
		return err
	}
	_, err = k.ledger.Append(ctx, ledger.Event{
		TenantID:      env.TenantID,
		CorrelationID: env.CorrelationID,
		UnitOfWorkID:  env.UnitOfWorkID,
		Type:          ledger.EventStatusChanged,
		ReasonCode:    reason,
		Payload:       payload,
		RecordedAt:    env.Now,
	})
	return ledgerErr(err)
}

// ledgerErr surfaces an idempotency key misuse as a contract rejection;
// every other ledger failure passes through as infrastructure.
func ledgerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrAppendOnlyViolation) {
		return &contracts.ContractError{
			Reason: contracts.ReasonAppendOnlyViolation,
			Detail: err.Error(),
		}
	}
	return err
}

func (k *Kernel) auditDecision(ctx context.Context, env contracts.Envelope, d policy.Decision) error {
	payload, err := json.Marshal(map[string]any{
		"effect":           d.Effect,
		"matched_rule_id":  d.MatchedRuleID,
		"snapshot_version": d.SnapshotVersion,
		"proof_hash":       d.ProofHash,
	})
	if err != nil {
		return err
	}
	severity := audit.SeverityInfo
	if d.Effect == policy.EffectDeny {
		severity = audit.SeverityWarn
	}
	_, err = k.audits.Record(ctx, audit.Event{
		TenantID:      env.TenantID,
		CorrelationID: env.CorrelationID,
		TurnID:        env.TurnID,
		UnitOfWorkID:  env.UnitOfWorkID,
		ComponentID:   "policy",
		EventType:     "GATE_DECISION",
		ReasonCode:    d.Reason,
		Severity:      severity,
		Payload:       payload,
	})
	return err
}

func (k *Kernel) result(env contracts.Envelope, capability Capability, status contracts.ResultStatus,
	reason contracts.ReasonCode, missing []string) contracts.Result {
	return contracts.Result{
		SchemaVersion: contracts.EnvelopeSchemaVersion,
		CorrelationID: env.CorrelationID,
		TurnID:        env.TurnID,
		UnitOfWorkID:  env.UnitOfWorkID,
		CapabilityID:  capability.ID,
		Status:        status,
		MissingFields: missing,
		ReasonCode:    reason,
		RetryHint:     contracts.RetryNone,
		AuditRequired: status != contracts.ResultOK,
	}
}

func reasonOr(code, fallback contracts.ReasonCode) contracts.ReasonCode {
	if code != "" {
		return code
	}
	return fallback
}

func sortedFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
