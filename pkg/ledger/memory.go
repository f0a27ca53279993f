package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidemark-labs/keel/pkg/contracts"
)

// InMemoryLedger is the reference implementation. The mutex stands in for
// the storage transaction: event append and projection update happen
// inside one critical section, exactly as the SQL implementation does
// inside one transaction.
type InMemoryLedger struct {
	mu          sync.RWMutex
	events      map[scopeKey][]Event
	projections map[scopeKey]*Projection
	dedupe      map[dedupeKey]dedupeEntry
	creations   map[creationKey]contracts.UnitOfWorkID
	globalSeq   int64
}

type scopeKey struct {
	tenant contracts.TenantID
	uow    contracts.UnitOfWorkID
}

type dedupeKey struct {
	scope scopeKey
	key   string
}

type dedupeEntry struct {
	res    AppendResult
	evType EventType
}

type creationKey struct {
	tenant contracts.TenantID
	key    string
}

// NewInMemoryLedger creates an empty in-memory ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		events:      make(map[scopeKey][]Event),
		projections: make(map[scopeKey]*Projection),
		dedupe:      make(map[dedupeKey]dedupeEntry),
		creations:   make(map[creationKey]contracts.UnitOfWorkID),
	}
}

// Append implements Ledger.
func (l *InMemoryLedger) Append(ctx context.Context, ev Event) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	scope := scopeKey{ev.TenantID, ev.UnitOfWorkID}

	if ev.IdempotencyKey != "" {
		if prior, ok := l.dedupe[dedupeKey{scope, ev.IdempotencyKey}]; ok {
			if prior.evType != ev.Type {
				return AppendResult{}, fmt.Errorf(
					"%w: idempotency key %q already recorded a %s event",
					ErrAppendOnlyViolation, ev.IdempotencyKey, prior.evType)
			}
			res := prior.res
			res.Duplicate = true
			return res, nil
		}
		if ev.Type == EventCreated {
			if prior, ok := l.creations[creationKey{ev.TenantID, ev.IdempotencyKey}]; ok {
				return AppendResult{}, fmt.Errorf(
					"%w: creation key %q already bound to %s",
					ErrAppendOnlyViolation, ev.IdempotencyKey, prior)
			}
		}
	}

	if err := validateNext(l.projections[scope], ev); err != nil {
		return AppendResult{}, err
	}

	l.globalSeq++
	ev.GlobalSequence = l.globalSeq
	ev.Sequence = int64(len(l.events[scope])) + 1
	if ev.EventID == "" {
		ev.EventID = contracts.NewEventID()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	l.events[scope] = append(l.events[scope], ev)

	// Same "transaction": fold the one new event into the projection.
	p := l.projections[scope]
	if p == nil {
		p = &Projection{
			Fields:       make(map[string]string),
			StepAttempts: make(map[contracts.StepID]int),
			EvidenceRefs: make([]string, 0),
		}
		l.projections[scope] = p
	}
	if err := apply(p, ev); err != nil {
		// Validation passed but the payload is unusable; roll the append
		// back so ledger and projection cannot diverge.
		l.events[scope] = l.events[scope][:len(l.events[scope])-1]
		l.globalSeq--
		return AppendResult{}, err
	}

	res := AppendResult{EventID: ev.EventID, Sequence: ev.Sequence}
	if ev.IdempotencyKey != "" {
		l.dedupe[dedupeKey{scope, ev.IdempotencyKey}] = dedupeEntry{res: res, evType: ev.Type}
		if ev.Type == EventCreated {
			l.creations[creationKey{ev.TenantID, ev.IdempotencyKey}] = ev.UnitOfWorkID
		}
	}
	return res, nil
}

// FindCreation implements Ledger.
func (l *InMemoryLedger) FindCreation(ctx context.Context, tenant contracts.TenantID, key string) (contracts.UnitOfWorkID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if key == "" {
		return "", ErrNotFound
	}
	uow, ok := l.creations[creationKey{tenant, key}]
	if !ok {
		return "", ErrNotFound
	}
	return uow, nil
}

// Events implements Ledger.
func (l *InMemoryLedger) Events(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	evs, ok := l.events[scopeKey{tenant, uow}]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

// EventsByCorrelation implements Ledger.
func (l *InMemoryLedger) EventsByCorrelation(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for scope, evs := range l.events {
		if scope.tenant != tenant {
			continue
		}
		for _, ev := range evs {
			if ev.CorrelationID == correlation {
				out = append(out, ev)
			}
		}
	}
	sortByGlobalSequence(out)
	return out, nil
}

// Projection implements Ledger.
func (l *InMemoryLedger) Projection(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Projection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.projections[scopeKey{tenant, uow}]
	if !ok {
		return Projection{}, ErrNotFound
	}
	return p.Clone(), nil
}

// Rebuild implements Ledger.
func (l *InMemoryLedger) Rebuild(ctx context.Context, tenant contracts.TenantID, uow contracts.UnitOfWorkID) (Projection, error) {
	evs, err := l.Events(ctx, tenant, uow)
	if err != nil {
		return Projection{}, err
	}
	return Fold(evs)
}

// Open implements Ledger.
func (l *InMemoryLedger) Open(ctx context.Context, limit int) ([]Projection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Projection, 0)
	for _, p := range l.projections {
		if p.Status.Terminal() || p.Canceled {
			continue
		}
		out = append(out, p.Clone())
	}
	// Deterministic order for callers and tests.
	sort.Slice(out, func(i, j int) bool { return openLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func openLess(a, b Projection) bool {
	if a.TenantID != b.TenantID {
		return a.TenantID < b.TenantID
	}
	return a.UnitOfWorkID < b.UnitOfWorkID
}

func sortByGlobalSequence(evs []Event) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].GlobalSequence < evs[j].GlobalSequence })
}
