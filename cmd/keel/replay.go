package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/tidemark-labs/keel/pkg/audit"
	"github.com/tidemark-labs/keel/pkg/config"
	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/ledger"
	"github.com/tidemark-labs/keel/pkg/replay"
)

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant id (required)")
	correlation := fs.String("correlation", "", "correlation id (required)")
	asJSON := fs.Bool("json", false, "emit the timeline as JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *correlation == "" {
		fmt.Fprintln(stderr, "replay: -tenant and -correlation are required")
		return 2
	}

	cfg := config.Load()
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	engine := replay.NewEngine(ledger.NewSQLLedger(db), audit.NewSQLStore(db))
	tl, err := engine.Replay(ctx, contracts.TenantID(*tenant), contracts.CorrelationID(*correlation))
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tl); err != nil {
			fmt.Fprintf(stderr, "replay: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprint(stdout, tl.Render())
	return 0
}
