// Package app wires the store, upstream client and reconciliation components
// shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/backfill"
	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/differ"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/events"
	"github.com/ETAnderson/catalogsync/internal/execute"
	"github.com/ETAnderson/catalogsync/internal/identity"
	"github.com/ETAnderson/catalogsync/internal/ingest"
	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/reconcile"
	"github.com/ETAnderson/catalogsync/internal/retry"
	"github.com/ETAnderson/catalogsync/internal/state"
	"github.com/ETAnderson/catalogsync/internal/upstream"
	"github.com/ETAnderson/catalogsync/internal/worker"
)

type App struct {
	Config config.Config
	Log    logrus.FieldLogger

	Store    state.Store
	DB       *sql.DB
	Upstream *upstream.Client
	Bus      *events.Bus

	Resolver *identity.Resolver
	Merger   *reconcile.Merger
	Executor execute.Executor
	Differ   *differ.Differ
}

func New(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*App, error) {
	log = logging.OrDiscard(log)
	res, err := state.NewStore(ctx, state.FactoryConfig{
		Backend:       cfg.StateBackend,
		DSN:           cfg.DSN,
		RunMigrations: cfg.RunMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	policy := RetryPolicy(cfg.Retry)
	client, err := upstream.New(cfg.Sites, upstream.Options{
		Timeout: cfg.Upstream.Timeout,
		RPS:     cfg.Upstream.RPS,
		Retry:   policy,
		Logger:  log.WithField("component", "upstream"),
	})
	if err != nil {
		if res.DB != nil {
			_ = res.DB.Close()
		}
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Store:    res.Store,
		DB:       res.DB,
		Upstream: client,
		Bus:      events.NewBus(),
	}
	a.Resolver = identity.NewResolver(a.Store, log.WithField("component", "identity"))
	a.Merger = reconcile.New(a.Store, log.WithField("component", "reconcile"))
	a.Executor = execute.Executor{
		Upstream: client,
		Resolver: a.Resolver,
		Merger:   a.Merger,
		Events:   a.Bus,
		Log:      log.WithField("component", "execute"),
	}

	bf := backfill.New(client, a.Merger, cfg.Diff.BackfillConcurrency, log.WithField("component", "backfill"))
	bf.Policy = policy
	a.Differ = &differ.Differ{
		Upstream:      client,
		Store:         a.Store,
		Resolver:      a.Resolver,
		Merger:        a.Merger,
		Backfill:      bf,
		Events:        a.Bus,
		Log:           log.WithField("component", "differ"),
		PageSize:      cfg.Diff.PageSize,
		PageDelay:     cfg.Diff.PageDelay,
		Concurrency:   cfg.Diff.Concurrency,
		BatchSize:     cfg.Diff.BatchSize,
		ProgressEvery: cfg.Diff.ProgressEvery,
		// Several heartbeats fit in one lease.
		HeartbeatEvery: cfg.Worker.RunLease / 4,
	}
	return a, nil
}

// RetryPolicy maps the retry settings onto a policy that retries transient
// upstream failures.
func RetryPolicy(rc config.RetryConfig) retry.Policy {
	p := retry.Default(upstream.IsTransient)
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.BaseDelay > 0 {
		p.BaseDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	return p
}

func (a *App) Gateway() *ingest.Gateway {
	return ingest.NewGateway(a.Store, a.Config.Sites, a.Log.WithField("component", "ingest"))
}

func (a *App) Runner() worker.Runner {
	return worker.Runner{
		Store:       a.Store,
		Events:      a.Executor,
		Runs:        a.Differ,
		Log:         a.Log.WithField("component", "worker"),
		PollEvery:   a.Config.Worker.PollEvery,
		MaxPerClaim: a.Config.Worker.MaxPerClaim,
		Concurrency: a.Config.Worker.Concurrency,
		EventLease:  a.Config.Worker.EventLease,
		RunLease:    a.Config.Worker.RunLease,
	}
}

// Scheduler queues periodic runs for the canonical site; mirrors are only
// diffed on request.
func (a *App) Scheduler() worker.Scheduler {
	return worker.Scheduler{
		Store:    a.Store,
		Interval: a.Config.Diff.Interval,
		Sites:    []domain.Site{domain.CanonicalSite},
		Lease:    a.Config.Worker.RunLease,
		Log:      a.Log.WithField("component", "scheduler"),
	}
}

func (a *App) Close() error {
	a.Bus.Close()
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
