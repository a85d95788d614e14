// Package app wires configuration, storage, providers and the lifecycle
// service into a runnable connector.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rezonia/peppol-connector/internal/accounting"
	"github.com/rezonia/peppol-connector/internal/archive"
	"github.com/rezonia/peppol-connector/internal/config"
	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/metrics"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/server"
	"github.com/rezonia/peppol-connector/internal/store"
)

// App holds the wired components
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *store.Store
	Ledger   *accounting.Ledger
	Registry *provider.Registry
	Metrics  *metrics.Metrics
	Service  *lifecycle.Service
}

// Option customizes the wiring, mostly for tests
type Option func(*options)

type options struct {
	registry *provider.Registry
	archive  archive.Archiver
}

// WithRegistry replaces the default provider registry
func WithRegistry(r *provider.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithArchive replaces the archive built from configuration
func WithArchive(a archive.Archiver) Option {
	return func(o *options) {
		o.archive = a
	}
}

// New opens the database, migrates it and builds the service
func New(cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		_ = st.Close()
		return nil, err
	}
	ledger := accounting.NewLedger(db)
	if err := ledger.Migrate(); err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := o.registry
	if registry == nil {
		settings := make(map[string]provider.Settings, len(cfg.Providers))
		for key, values := range cfg.Providers {
			settings[key] = provider.Settings(values)
		}
		registry, err = provider.NewDefaultRegistry(
			provider.WithActive(cfg.ActiveProvider),
			provider.WithSettings(settings),
			provider.WithLogger(log),
		)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	arch := o.archive
	if arch == nil {
		arch, err = archive.New(cfg.Archive)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("archive: %w", err)
		}
	}

	m := metrics.New()
	svc := lifecycle.New(st, registry, ledger,
		lifecycle.WithLogger(log),
		lifecycle.WithMetrics(m),
		lifecycle.WithArchive(arch, cfg.Archive.Prefix),
		lifecycle.WithCompany(cfg.Company),
		lifecycle.WithFeatures(cfg.Features),
		lifecycle.WithExpensePolicy(cfg.Expense),
		lifecycle.WithRetryPolicy(cfg.Retry),
		lifecycle.WithJobs(cfg.Jobs),
		lifecycle.WithLogRetention(time.Duration(cfg.LogRetentionDays)*24*time.Hour),
	)

	return &App{
		Config:   cfg,
		Logger:   log,
		Store:    st,
		Ledger:   ledger,
		Registry: registry,
		Metrics:  m,
		Service:  svc,
	}, nil
}

// Server builds the HTTP server over the service
func (a *App) Server(version string) *server.Server {
	return server.New(server.Config{
		Address:      a.Config.Server.Address,
		APIKey:       a.Config.Server.APIKey,
		Version:      version,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		Debug:        a.Config.Server.Debug,
	}, a.Service, server.WithMetrics(a.Metrics), server.WithLogger(a.Logger))
}

// Serve runs the HTTP server and, when an interval is configured, the batch
// jobs until ctx is cancelled or one of them fails
func (a *App) Serve(ctx context.Context, version string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server(version).Run(ctx)
	})
	if a.Config.Jobs.Interval > 0 {
		g.Go(func() error {
			a.RunJobs(ctx, a.Config.Jobs.Interval)
			return nil
		})
	}
	return g.Wait()
}

// RunJobs runs the batch jobs every interval until ctx is cancelled
func (a *App) RunJobs(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.Logger.Info("batch jobs scheduled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

type job struct {
	name string
	run  func(context.Context) (*lifecycle.BatchResult, error)
}

// RunOnce runs every enabled batch job a single time. Failures are logged and
// do not stop the remaining jobs.
func (a *App) RunOnce(ctx context.Context) {
	svc := a.Service
	jobs := []job{
		{"process_pending", func(ctx context.Context) (*lifecycle.BatchResult, error) { return svc.ProcessPending(ctx, 0) }},
		{"update_status", func(ctx context.Context) (*lifecycle.BatchResult, error) { return svc.UpdateDeliveryStatus(ctx, 0) }},
	}
	if a.Config.Features.AutoProcessReceived {
		jobs = append(jobs, job{"process_received", func(ctx context.Context) (*lifecycle.BatchResult, error) { return svc.ProcessReceived(ctx, 0) }})
	}
	if a.Config.Features.NotificationPolling {
		jobs = append(jobs, job{"poll_notifications", func(ctx context.Context) (*lifecycle.BatchResult, error) { return svc.PollNotifications(ctx, 0) }})
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		res, err := job.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("batch job failed", "job", job.name, "error", err)
			continue
		}
		if res != nil && res.Processed > 0 {
			a.Logger.Info("batch job finished", "job", job.name,
				"processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
		}
	}

	if _, err := a.Service.CleanOldLogs(ctx); err != nil {
		a.Logger.Error("activity cleanup failed", "error", err)
	}
}

// Close releases the database
func (a *App) Close() error {
	return a.Store.Close()
}
