package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tidemark-labs/keel/pkg/config"
	"github.com/tidemark-labs/keel/pkg/contracts"
	"github.com/tidemark-labs/keel/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: keel policy <apply|activate>")
		return 2
	}
	switch args[0] {
	case "apply":
		return runPolicyApply(args[1:], stdout, stderr)
	case "activate":
		return runPolicyActivate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown policy command: %s\n", args[0])
		return 2
	}
}

// runPolicyApply compiles a YAML source, stores the snapshot under the
// given version, and optionally activates it. Compilation failures keep
// the previous active snapshot untouched.
func runPolicyApply(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy apply", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "policy source YAML (required)")
	version := fs.String("version", "", "snapshot version (required)")
	activate := fs.Bool("activate", false, "activate after storing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" || *version == "" {
		fmt.Fprintln(stderr, "policy apply: -file and -version are required")
		return 2
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "policy apply: %v\n", err)
		return 1
	}
	src, err := policy.ParseSource(data)
	if err != nil {
		fmt.Fprintf(stderr, "policy apply: %v\n", err)
		return 1
	}
	snap, err := policy.Compile(src, contracts.SnapshotVersion(*version))
	if err != nil {
		fmt.Fprintf(stderr, "policy apply: %v\n", err)
		return 1
	}

	cfg := config.Load()
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "policy apply: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	store := policy.NewSQLSnapshotStore(db)
	if err := store.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "policy apply: %v\n", err)
		return 1
	}
	if err := store.Save(ctx, snap); err != nil {
		fmt.Fprintf(stderr, "policy apply: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "stored snapshot %s content_hash=%s\n", snap.Version, snap.ContentHash)

	if *activate {
		if err := store.Activate(ctx, snap.Version); err != nil {
			fmt.Fprintf(stderr, "policy apply: activate: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "activated snapshot %s\n", snap.Version)
	}
	return 0
}

func runPolicyActivate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy activate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	version := fs.String("version", "", "snapshot version (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *version == "" {
		fmt.Fprintln(stderr, "policy activate: -version is required")
		return 2
	}

	cfg := config.Load()
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "policy activate: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	store := policy.NewSQLSnapshotStore(db)
	if err := store.Activate(ctx, contracts.SnapshotVersion(*version)); err != nil {
		fmt.Fprintf(stderr, "policy activate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "activated snapshot %s\n", *version)
	return 0
}
