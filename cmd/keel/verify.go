package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/tidemark-labs/keel/pkg/audit"
	"github.com/tidemark-labs/keel/pkg/config"
	"github.com/tidemark-labs/keel/pkg/ledger"
)

// runVerifyCmd checks the two integrity properties the kernel promises:
// the audit hash chain is unbroken, and every live projection equals the
// fold of its events.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 1000, "max open units of work to check")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	failed := false

	auditStore := audit.NewSQLStore(db)
	if err := auditStore.VerifyChain(ctx); err != nil {
		fmt.Fprintf(stderr, "FAIL audit chain: %v\n", err)
		failed = true
	} else {
		fmt.Fprintln(stdout, "OK   audit chain")
	}

	ledgerStore := ledger.NewSQLLedger(db)
	open, err := ledgerStore.Open(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "verify: open scan: %v\n", err)
		return 1
	}
	for _, live := range open {
		rebuilt, err := ledgerStore.Rebuild(ctx, live.TenantID, live.UnitOfWorkID)
		if err != nil {
			fmt.Fprintf(stderr, "FAIL rebuild %s: %v\n", live.UnitOfWorkID, err)
			failed = true
			continue
		}
		if diff := projectionDiff(live, rebuilt); diff != "" {
			fmt.Fprintf(stderr, "FAIL projection %s: %s\n", live.UnitOfWorkID, diff)
			failed = true
		}
	}
	fmt.Fprintf(stdout, "OK   %d projections checked against event fold\n", len(open))

	if failed {
		return 1
	}
	return 0
}

// projectionDiff compares the fields the fold determines. UpdatedAt is
// excluded: it is wall-clock metadata, not folded state.
func projectionDiff(live, rebuilt ledger.Projection) string {
	switch {
	case live.Status != rebuilt.Status:
		return fmt.Sprintf("status %s != folded %s", live.Status, rebuilt.Status)
	case live.LastSequence != rebuilt.LastSequence:
		return fmt.Sprintf("last_sequence %d != folded %d", live.LastSequence, rebuilt.LastSequence)
	case live.TurnCount != rebuilt.TurnCount:
		return fmt.Sprintf("turn_count %d != folded %d", live.TurnCount, rebuilt.TurnCount)
	case live.Confirmed != rebuilt.Confirmed:
		return "confirmed flag diverged"
	case live.Canceled != rebuilt.Canceled:
		return "canceled flag diverged"
	case len(live.Fields) != len(rebuilt.Fields):
		return fmt.Sprintf("%d fields != folded %d", len(live.Fields), len(rebuilt.Fields))
	case len(live.EvidenceRefs) != len(rebuilt.EvidenceRefs):
		return fmt.Sprintf("%d evidence refs != folded %d", len(live.EvidenceRefs), len(rebuilt.EvidenceRefs))
	case len(live.StepAttempts) != len(rebuilt.StepAttempts):
		return fmt.Sprintf("%d step attempts != folded %d", len(live.StepAttempts), len(rebuilt.StepAttempts))
	}
	for name, v := range rebuilt.Fields {
		if live.Fields[name] != v {
			return fmt.Sprintf("field %q diverged", name)
		}
	}
	for i, ref := range rebuilt.EvidenceRefs {
		if live.EvidenceRefs[i] != ref {
			return fmt.Sprintf("evidence ref %d diverged", i)
		}
	}
	for step, n := range rebuilt.StepAttempts {
		if live.StepAttempts[step] != n {
			return fmt.Sprintf("step %s attempts %d != folded %d", step, live.StepAttempts[step], n)
		}
	}
	return ""
}
