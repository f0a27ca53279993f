package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// Fold replays events in ledger order into a projection. It is the
// definition of correctness for the materialized view: after any sequence
// of appends, Fold over the stored events must equal the live projection.
//
// Fold assumes events were validated at append time; it never rejects.
func Fold(events []Event) (Projection, error) {
	if len(events) == 0 {
		return Projection{}, ErrNotFound
	}

	p := Projection{
		Fields:       make(map[string]string),
		StepAttempts: make(map[contracts.StepID]int),
		EvidenceRefs: make([]string, 0),
	}

	for _, ev := range events {
		if err := apply(&p, ev); err != nil {
			return Projection{}, err
		}
	}
	return p, nil
}

func apply(p *Projection, ev Event) error {
	switch ev.Type {
	case EventCreated:
		p.TenantID = ev.TenantID
		p.UnitOfWorkID = ev.UnitOfWorkID
		p.CorrelationID = ev.CorrelationID
		p.Status = contracts.StatusDraft
		p.TurnCount = 1

	case EventFieldSet:
		var fs FieldSet
		if err := decodePayload(ev, &fs); err != nil {
			return err
		}
		p.Fields[fs.Name] = fs.Value

	case EventStatusChanged:
		var sc StatusChange
		if err := decodePayload(ev, &sc); err != nil {
			return err
		}
		p.Status = sc.To
		if sc.To == contracts.StatusClarifying {
			p.TurnCount++
		}
		if sc.From == contracts.StatusConfirmPending && sc.To == contracts.StatusExecuting {
			p.Confirmed = true
		}

	case EventEvidenceLinked:
		var el EvidenceLink
		if err := decodePayload(ev, &el); err != nil {
			return err
		}
		p.EvidenceRefs = append(p.EvidenceRefs, el.Ref)

	case EventStepStarted:
		if ev.AttemptIndex > p.StepAttempts[ev.StepID] {
			p.StepAttempts[ev.StepID] = ev.AttemptIndex
		}

	case EventStepFinished, EventStepFailed, EventRetryScheduled,
		EventLeaseAcquired, EventLeaseRenewed, EventLeaseReleased:
		// Recorded for replay; no projection-visible state beyond the
		// attempt counters maintained by STEP_STARTED.

	case EventCanceled:
		p.Canceled = true

	default:
		return fmt.Errorf("ledger: fold: unknown event type %q", ev.Type)
	}

	p.LastSequence = ev.Sequence
	p.UpdatedAt = ev.RecordedAt
	return nil
}

func decodePayload(ev Event, v any) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("ledger: event %s (%s) missing payload", ev.EventID, ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("ledger: event %s payload: %w", ev.EventID, err)
	}
	return nil
}

// validateNext checks an incoming event against the current projection
// before it may be appended. A nil projection pointer means no events
// exist yet, in which case only CREATED is legal.
func validateNext(p *Projection, ev Event) error {
	if ev.TenantID == "" || ev.UnitOfWorkID == "" || ev.CorrelationID == "" {
		return ErrTenantScope
	}
	if ev.ReasonCode != "" && !contracts.KnownReason(ev.ReasonCode) {
		return ErrUnknownReason
	}

	if p == nil {
		if ev.Type != EventCreated {
			return fmt.Errorf("%w: first event must be CREATED, got %s", ErrIllegalTransition, ev.Type)
		}
		return nil
	}

	if ev.Type == EventCreated {
		return fmt.Errorf("%w: unit of work already created", ErrIllegalTransition)
	}
	if p.TenantID != ev.TenantID {
		return ErrTenantScope
	}
	if p.Status.Terminal() {
		return fmt.Errorf("%w: unit of work is %s", ErrIllegalTransition, p.Status)
	}

	if ev.Type == EventStatusChanged {
		var sc StatusChange
		if err := decodePayload(ev, &sc); err != nil {
			return err
		}
		if !contracts.ValidStatus(sc.From) || !contracts.ValidStatus(sc.To) {
			return fmt.Errorf("%w: unknown status", ErrIllegalTransition)
		}
		if sc.From != p.Status {
			return fmt.Errorf("%w: transition declares from=%s but current status is %s",
				ErrIllegalTransition, sc.From, p.Status)
		}
		if !contracts.CanTransition(sc.From, sc.To) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sc.From, sc.To)
		}
	}
	return nil
}
