// Package app wires configuration into the components both binaries share.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/compliance"
	"github.com/Cypherspark/smsync/internal/config"
	"github.com/Cypherspark/smsync/internal/core"
	database "github.com/Cypherspark/smsync/internal/db"
	"github.com/Cypherspark/smsync/internal/dispatch"
	httpapi "github.com/Cypherspark/smsync/internal/http"
	"github.com/Cypherspark/smsync/internal/phone"
	"github.com/Cypherspark/smsync/internal/provider"
	"github.com/Cypherspark/smsync/internal/ratelimit"
	"github.com/Cypherspark/smsync/internal/reconcile"
	"github.com/Cypherspark/smsync/internal/retry"
	"github.com/Cypherspark/smsync/internal/scheduler"
	"github.com/Cypherspark/smsync/internal/worker"
)

// ErrNoDatabase is returned by RequireDatabase when the ledger lives in process memory.
var ErrNoDatabase = errors.New("database_url is required")

type App struct {
	Config *config.Config
	Log    zerolog.Logger

	DB        *database.DB // nil when the ledger is in memory
	Ledger    core.Ledger
	Transport provider.Transport
	Phones    *phone.Normalizer
	Limiter   *ratelimit.Limiter
	Retry     *retry.Executor
	Checker   compliance.Checker

	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Reconciler *reconcile.Engine
	Worker     *worker.Worker
	Server     *httpapi.Server
}

// Build opens the ledger and constructs every component. Nothing is started.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	if cfg.InMemory() {
		log.Warn().Msg("no database configured, ledger lives in memory")
		a.Ledger = core.NewMemStore()
	} else {
		db, err := database.Open(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = db
		a.Ledger = &core.Store{DB: db}
	}

	if cfg.Transport.BaseURL == "" {
		log.Warn().Msg("no transport configured, using the in-process simulator")
		a.Transport = provider.NewSimulator()
	} else {
		a.Transport = provider.NewHTTPTransport(provider.HTTPOptions{
			BaseURL: cfg.Transport.BaseURL,
			Token:   cfg.Transport.Token,
			QPS:     cfg.Transport.QPS,
			Burst:   cfg.Transport.Burst,
			Timeout: cfg.Transport.Timeout,
		})
	}

	a.Phones = phone.New(cfg.Compliance.DefaultRegion)
	a.Limiter = ratelimit.New(
		ratelimit.Config{DefaultLimit: cfg.RateLimit.DefaultLimit, Limits: cfg.RateLimit.Limits},
		ratelimit.NewPrefixClassifier(cfg.RateLimit.Prefixes, ratelimit.DefaultClass),
	)
	a.Retry = retry.New(retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, retry.WithLogger(log))
	a.Checker = compliance.Chain(
		compliance.Reachable{Phones: a.Phones},
		compliance.BlockedPrefixes(cfg.Compliance.BlockedPrefixes),
		compliance.OptOuts{Ledger: a.Ledger},
	)

	a.Dispatcher = dispatch.New(dispatch.Deps{
		Ledger:    a.Ledger,
		Transport: a.Transport,
		Limiter:   a.Limiter,
		Retry:     a.Retry,
		Checker:   a.Checker,
		Phones:    a.Phones,
		Log:       log,
	}, dispatch.Options{RedriveAfter: cfg.Worker.RedriveAfter})

	a.Scheduler = scheduler.New(a.Ledger, a.Dispatcher, scheduler.Options{
		SweepInterval: cfg.Scheduler.SweepInterval,
		StaleAfter:    cfg.Scheduler.StaleAfter,
	}, log)

	a.Reconciler = reconcile.New(a.Ledger, a.Transport, a.Phones, reconcile.Policy{
		Tolerance:  cfg.Reconcile.Tolerance,
		TailDigits: cfg.Reconcile.TailDigits,
	}, log).RecordOptOuts(a.Ledger)

	wopt := worker.DefaultOptions()
	wopt.BatchSize = cfg.Worker.BatchSize
	wopt.Concurrency = cfg.Worker.Concurrency
	wopt.PollInterval = cfg.Worker.PollInterval
	wopt.Lease = cfg.Worker.Lease
	wopt.MaxRetries = cfg.Worker.MaxRetries
	wopt.SendTimeout = cfg.Transport.Timeout
	a.Worker = worker.New(a.Ledger, a.Transport, a.Limiter, a.Checker, wopt, log)

	a.Server = httpapi.NewServer(a.Ledger, a.Dispatcher, a.Scheduler, a.Reconciler, a.Phones, log)
	return a, nil
}

// RequireDatabase fails for processes whose work only makes sense against a shared ledger:
// an in-memory ledger is private to the process that built it.
func (a *App) RequireDatabase() error {
	if a.DB == nil {
		return ErrNoDatabase
	}
	return nil
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}
