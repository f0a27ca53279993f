//go:build property
// +build property

// Property-based tests for the ledger fold: after any sequence of
// accepted appends, rebuilding from events equals the live projection.
package ledger_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/ledger"
)

// TestProjectionEqualsFold verifies the projection/fold equivalence for
// arbitrary field-set sequences.
// Property: Projection(uow) == Fold(Events(uow)) after any appends.
func TestProjectionEqualsFold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("projection equals fold of events", prop.ForAll(
		func(names []string, values []string) bool {
			ctx := context.Background()
			l := ledger.NewInMemoryLedger()

			if _, err := l.Append(ctx, created("uow-prop")); err != nil {
				return false
			}
			for i := 0; i < len(names) && i < len(values); i++ {
				if names[i] == "" {
					continue
				}
				ev := fieldSetRaw("uow-prop", names[i], values[i])
				if _, err := l.Append(ctx, ev); err != nil {
					return false
				}
			}

			live, err := l.Projection(ctx, tenantA, "uow-prop")
			if err != nil {
				return false
			}
			rebuilt, err := l.Rebuild(ctx, tenantA, "uow-prop")
			if err != nil {
				return false
			}
			if live.Status != rebuilt.Status || live.LastSequence != rebuilt.LastSequence {
				return false
			}
			if len(live.Fields) != len(rebuilt.Fields) {
				return false
			}
			for k, v := range live.Fields {
				if rebuilt.Fields[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestDuplicateKeysNeverGrowLedger verifies idempotent appends are
// no-ops regardless of how often they repeat.
// Property: appending the same keyed event n times leaves one event.
func TestDuplicateKeysNeverGrowLedger(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("duplicate keyed appends are no-ops", prop.ForAll(
		func(repeats uint8) bool {
			ctx := context.Background()
			l := ledger.NewInMemoryLedger()

			if _, err := l.Append(ctx, created("uow-dup")); err != nil {
				return false
			}
			ev := fieldSetRaw("uow-dup", "field", "value")
			ev.IdempotencyKey = "fixed-key"

			n := int(repeats%10) + 1
			for i := 0; i < n; i++ {
				if _, err := l.Append(ctx, ev); err != nil {
					return false
				}
			}

			events, err := l.Events(ctx, tenantA, "uow-dup")
			if err != nil {
				return false
			}
			return len(events) == 2
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
