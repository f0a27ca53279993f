package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidemark-labs/keel/pkg/canonicalize"
	"github.com/tidemark-labs/keel/pkg/contracts"
)

// InMemoryStore is the reference store. Entries are chained with
// canonical hashes exactly as the SQL store chains them.
type InMemoryStore struct {
	mu        sync.RWMutex
	events    []Event
	chainHead string
}

// NewInMemoryStore creates an empty audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{chainHead: "genesis"}
}

// Record implements Recorder.
func (s *InMemoryStore) Record(ctx context.Context, ev Event) (Event, error) {
	if err := validate(ev); err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev.EventID = contracts.NewEventID()
	ev.Sequence = int64(len(s.events)) + 1
	ev.CreatedAt = time.Now().UTC()
	ev.PreviousHash = s.chainHead

	hash, err := entryHash(ev)
	if err != nil {
		return Event{}, err
	}
	ev.EntryHash = hash
	s.chainHead = hash
	s.events = append(s.events, ev)
	return ev, nil
}

// ByCorrelation implements Store.
func (s *InMemoryStore) ByCorrelation(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.TenantID == tenant && ev.CorrelationID == correlation {
			out = append(out, ev)
		}
	}
	return out, nil
}

// VerifyChain implements Store.
func (s *InMemoryStore) VerifyChain(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := "genesis"
	for i, ev := range s.events {
		if ev.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d previous hash mismatch", ErrChainBroken, i)
		}
		recomputed, err := entryHash(ev)
		if err != nil {
			return err
		}
		if recomputed != ev.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = ev.EntryHash
	}
	return nil
}

func validate(ev Event) error {
	if ev.ReasonCode == "" {
		return ErrReasonRequired
	}
	if !contracts.KnownReason(ev.ReasonCode) {
		return ErrUnknownReason
	}
	return nil
}

// entryHash covers everything except the hash itself. Canonical encoding
// keeps it stable across marshal order.
func entryHash(ev Event) (string, error) {
	return canonicalize.Hash(map[string]any{
		"tenant_id":      ev.TenantID,
		"correlation_id": ev.CorrelationID,
		"turn_id":        ev.TurnID,
		"unit_of_work":   ev.UnitOfWorkID,
		"component_id":   ev.ComponentID,
		"event_type":     ev.EventType,
		"reason_code":    ev.ReasonCode,
		"severity":       ev.Severity,
		"payload":        string(ev.Payload),
		"evidence_ref":   ev.EvidenceRef,
		"sequence":       ev.Sequence,
		"previous_hash":  ev.PreviousHash,
	})
}
