// Package app assembles the service graph for a workspace. The CLI and the HTTP server
// both start from Open.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"holdline/internal/config"
	"holdline/internal/db"
	"holdline/internal/engine"
	"holdline/internal/handover"
	"holdline/internal/logging"
	"holdline/internal/migrate"
	"holdline/internal/notify"
	"holdline/internal/sweep"
)

type Options struct {
	// LogWriter receives log output; defaults to stderr.
	LogWriter io.Writer
	// Configure adjusts the loaded config before validation, e.g. for env overrides.
	Configure func(*config.Config)
}

// Runtime holds everything opened for one workspace. Close releases it.
type Runtime struct {
	Workspace     string
	DB            *sql.DB
	// SchemaVersion is the ledger schema version after migrations ran.
	SchemaVersion int
	Config        *config.Config
	Logger        *slog.Logger
	Registry      *prometheus.Registry
	Engine        engine.Engine
	Sweep         *sweep.Scheduler
	Handover      handover.Service

	webhook *notify.Webhook
}

// Open loads holdline.yml (defaults when absent), opens and migrates the ledger, and wires
// the engine, the sweep and the notifiers.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	if opts.Configure != nil {
		opts.Configure(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	logger, err := logging.New(w, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	version, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("schema version: %w", err)
	}
	logger.DebugContext(ctx, "ledger ready", "path", db.Path(workspace), "schema_version", version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &Runtime{
		Workspace:     workspace,
		DB:            conn,
		SchemaVersion: version,
		Config:        cfg,
		Logger:        logger,
		Registry:      reg,
		Handover:      handover.Service{DB: conn},
	}
	notifiers := notify.Multi{notify.Log{Logger: logger.With("component", "notify")}}
	if len(cfg.Notify.Webhooks) > 0 {
		rt.webhook = notify.NewWebhook(cfg.Notify.Webhooks, notify.WebhookOptions{
			Logger:     logger.With("component", "webhook"),
			Registerer: reg,
		})
		notifiers = append(notifiers, rt.webhook)
	}

	rt.Engine, err = engine.New(conn, cfg, engine.Options{
		Notifier:   notifiers,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Sweep, err = sweep.New(rt.Engine.Guard, sweep.Config{
		Interval:    cfg.SweepInterval(),
		GracePeriod: cfg.GracePeriod(),
		Warnings:    cfg.WarningThresholds(),
	}, sweep.Options{
		Notifier:   notifiers,
		Logger:     logger.With("component", "sweep"),
		Registerer: reg,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close drains pending webhook deliveries and closes the ledger.
func (r *Runtime) Close() error {
	if r.webhook != nil {
		r.webhook.Close()
	}
	return r.DB.Close()
}
