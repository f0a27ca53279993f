package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidemark-labs/keel/pkg/audit"
	"github.com/tidemark-labs/keel/pkg/config"
	"github.com/tidemark-labs/keel/pkg/kernel"
	"github.com/tidemark-labs/keel/pkg/lease"
	"github.com/tidemark-labs/keel/pkg/ledger"
	"github.com/tidemark-labs/keel/pkg/observability"
	"github.com/tidemark-labs/keel/pkg/outbox"
)

func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dispatchURL := fs.String("dispatch-url", os.Getenv("KEEL_DISPATCH_URL"),
		"connector base URL for outbox dispatch")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dispatchURL == "" {
		fmt.Fprintln(stderr, "worker: -dispatch-url (or KEEL_DISPATCH_URL) is required")
		return 2
	}

	cfg := config.Load()
	obs, err := observability.New(&observability.Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		LogLevel:       cfg.LogLevel,
		LogFormat:      cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(stderr, "worker: observability: %v\n", err)
		return 1
	}
	log := obs.Logger()

	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "worker: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerStore := ledger.NewSQLLedger(db)
	outboxStore := outbox.NewSQLStore(db)
	leaseManager := lease.NewSQLManager(db)
	auditStore := audit.NewSQLStore(db)
	for _, init := range []func(context.Context) error{
		ledgerStore.Init, outboxStore.Init, leaseManager.Init, auditStore.Init,
	} {
		if err := init(ctx); err != nil {
			fmt.Fprintf(stderr, "worker: init store: %v\n", err)
			return 1
		}
	}

	var limiter outbox.Limiter
	if cfg.RedisURL != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		defer func() { _ = client.Close() }()
		limiter = outbox.NewRedisLimiter(client, cfg.DispatchBurst)
		log.Info("using shared redis dispatch limiter", "addr", cfg.RedisURL)
	} else {
		limiter = outbox.NewLocalLimiter(cfg.DispatchBurst)
	}

	sender := outbox.NewWebhookSender(*dispatchURL, 10*time.Second)
	dispatcher := outbox.NewDispatcher(outboxStore, sender, limiter, obs.Meter(), log)

	executor := kernel.NewExecutor(ledgerStore, outboxStore, leaseManager,
		cfg.OwnerID, cfg.LeaseTTL, kernel.WithExecutorLogger(log))

	log.Info("worker starting",
		"owner", cfg.OwnerID, "lease_ttl", cfg.LeaseTTL, "interval", cfg.DispatchEvery)

	errCh := make(chan error, 1)
	go func() { errCh <- dispatcher.Run(ctx, cfg.DispatchEvery) }()
	go func() { errCh <- reconcileLoop(ctx, executor, ledgerStore, log, cfg.DispatchEvery) }()

	err = <-errCh
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
		return 1
	}
	log.Info("worker stopped")
	return 0
}

// reconcileLoop periodically reconciles every open unit of work this
// process can win the lease for.
func reconcileLoop(ctx context.Context, ex *kernel.Executor, l ledger.Ledger, log *slog.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			open, err := l.Open(ctx, 100)
			if err != nil {
				log.Warn("open scan failed", "error", err)
				continue
			}
			for _, proj := range open {
				err := ex.Reconcile(ctx, proj.TenantID, proj.UnitOfWorkID)
				if err != nil && !errors.Is(err, kernel.ErrNotOwner) {
					log.Warn("reconcile failed",
						"tenant", proj.TenantID, "uow", proj.UnitOfWorkID, "error", err)
				}
			}
		}
	}
}
