// Package replay reconstructs what happened and why for one correlation
// id, purely from ledger and audit data. Ordering comes from ledger
// sequence numbers, never from wall-clock timestamps: timestamps are
// advisory, sequence is authoritative. Two replays of an unchanged ledger
// produce byte-identical output; the engine is the kernel's compliance
// and debugging tool and tolerates no nondeterminism.
package replay

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tidemark-labs/keel/pkg/audit"
	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/ledger"
)

// Engine reads the two ledgers and renders timelines.
type Engine struct {
	ledger ledger.Ledger
	audit  audit.Store
}

// NewEngine wires a replay engine over the stores.
func NewEngine(l ledger.Ledger, a audit.Store) *Engine {
	return &Engine{ledger: l, audit: a}
}

// Entry is one timeline line.
type Entry struct {
	Source       string                 `json:"source"` // "LEDGER" or "AUDIT"
	Sequence     int64                  `json:"sequence"`
	UnitOfWorkID contracts.UnitOfWorkID `json:"unit_of_work_id,omitempty"`
	EventType    string                 `json:"event_type"`
	ReasonCode   contracts.ReasonCode   `json:"reason_code,omitempty"`
	Detail       string                 `json:"detail,omitempty"`
}

// Timeline is the full reconstruction for one correlation id.
type Timeline struct {
	TenantID      contracts.TenantID      `json:"tenant_id"`
	CorrelationID contracts.CorrelationID `json:"correlation_id"`

	// Ledger entries in global-sequence order, then audit entries in
	// audit-sequence order. Each stream has its own authoritative clock;
	// interleaving them by wall time would reintroduce nondeterminism.
	Ledger []Entry `json:"ledger"`
	Audit  []Entry `json:"audit"`

	// FinalStatus per unit of work touched by this correlation.
	FinalStatus map[contracts.UnitOfWorkID]contracts.Status `json:"final_status"`
}

// Replay builds the timeline for (tenant, correlation).
func (e *Engine) Replay(ctx context.Context, tenant contracts.TenantID, correlation contracts.CorrelationID) (*Timeline, error) {
	ledgerEvents, err := e.ledger.EventsByCorrelation(ctx, tenant, correlation)
	if err != nil {
		return nil, fmt.Errorf("replay: ledger events: %w", err)
	}
	auditEvents, err := e.audit.ByCorrelation(ctx, tenant, correlation)
	if err != nil {
		return nil, fmt.Errorf("replay: audit events: %w", err)
	}

	tl := &Timeline{
		TenantID:      tenant,
		CorrelationID: correlation,
		Ledger:        make([]Entry, 0, len(ledgerEvents)),
		Audit:         make([]Entry, 0, len(auditEvents)),
		FinalStatus:   make(map[contracts.UnitOfWorkID]contracts.Status),
	}

	for _, ev := range ledgerEvents {
		tl.Ledger = append(tl.Ledger, Entry{
			Source:       "LEDGER",
			Sequence:     ev.GlobalSequence,
			UnitOfWorkID: ev.UnitOfWorkID,
			EventType:    string(ev.Type),
			ReasonCode:   ev.ReasonCode,
			Detail:       string(ev.Payload),
		})
	}
	for _, ev := range auditEvents {
		tl.Audit = append(tl.Audit, Entry{
			Source:       "AUDIT",
			Sequence:     ev.Sequence,
			UnitOfWorkID: ev.UnitOfWorkID,
			EventType:    ev.EventType,
			ReasonCode:   ev.ReasonCode,
			Detail:       string(ev.Payload),
		})
	}

	// Final status per unit of work comes from folding that UoW's events,
	// the same fold the projection uses.
	seen := make(map[contracts.UnitOfWorkID]struct{})
	for _, ev := range ledgerEvents {
		if _, ok := seen[ev.UnitOfWorkID]; ok {
			continue
		}
		seen[ev.UnitOfWorkID] = struct{}{}
		proj, err := e.ledger.Rebuild(ctx, tenant, ev.UnitOfWorkID)
		if err != nil {
			return nil, fmt.Errorf("replay: rebuild %s: %w", ev.UnitOfWorkID, err)
		}
		tl.FinalStatus[ev.UnitOfWorkID] = proj.Status
	}

	return tl, nil
}

// Render produces the deterministic human-readable form of a timeline.
func (t *Timeline) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "REPLAY tenant=%s correlation=%s\n", t.TenantID, t.CorrelationID)

	b.WriteString("-- ledger --\n")
	for _, e := range t.Ledger {
		writeEntry(&b, e)
	}
	b.WriteString("-- audit --\n")
	for _, e := range t.Audit {
		writeEntry(&b, e)
	}

	b.WriteString("-- outcome --\n")
	for _, uow := range sortedKeys(t.FinalStatus) {
		fmt.Fprintf(&b, "uow=%s status=%s\n", uow, t.FinalStatus[uow])
	}
	return b.String()
}

func writeEntry(b *strings.Builder, e Entry) {
	fmt.Fprintf(b, "[%s %06d]", e.Source, e.Sequence)
	if e.UnitOfWorkID != "" {
		fmt.Fprintf(b, " uow=%s", e.UnitOfWorkID)
	}
	fmt.Fprintf(b, " %s", e.EventType)
	if e.ReasonCode != "" {
		fmt.Fprintf(b, " reason=%s", e.ReasonCode)
	}
	if e.Detail != "" {
		fmt.Fprintf(b, " %s", e.Detail)
	}
	b.WriteByte('\n')
}

func sortedKeys(m map[contracts.UnitOfWorkID]contracts.Status) []contracts.UnitOfWorkID {
	keys := make([]contracts.UnitOfWorkID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
