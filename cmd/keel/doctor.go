package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidemark-labs/keel/pkg/config"
	"github.com/tidemark-labs/keel/pkg/policy"
)

// runDoctorCmd checks the deployment: store reachable, schema present,
// an active policy snapshot compiled, and the limiter backend reachable.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed := false
	check := func(name string, err error) {
		if err != nil {
			fmt.Fprintf(stdout, "FAIL %-24s %v\n", name, err)
			failed = true
			return
		}
		fmt.Fprintf(stdout, "OK   %s\n", name)
	}

	db, err := openDB(cfg.DatabaseURL)
	check("store open", err)
	if err == nil {
		defer func() { _ = db.Close() }()
		check("store ping", db.PingContext(ctx))

		snapStore := policy.NewSQLSnapshotStore(db)
		if err := snapStore.Init(ctx); err != nil {
			check("policy snapshots", err)
		} else {
			_, err := snapStore.LoadActive(ctx)
			if errors.Is(err, policy.ErrSnapshotNotFound) {
				// Deny-by-default means no snapshot refuses everything.
				fmt.Fprintln(stdout, "WARN policy snapshots        no active snapshot; all requests will be refused")
			} else {
				check("active policy snapshot", err)
			}
		}
	}

	if cfg.RedisURL != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		check("redis limiter", client.Ping(ctx).Err())
		_ = client.Close()
	} else {
		fmt.Fprintln(stdout, "OK   limiter (in-process, no redis configured)")
	}

	if cfg.IdentityKey == "" {
		fmt.Fprintln(stdout, "WARN identity key            KEEL_IDENTITY_KEY unset; all subjects will be unverified")
	} else {
		fmt.Fprintln(stdout, "OK   identity key")
	}

	if failed {
		return 1
	}
	return 0
}
