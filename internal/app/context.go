package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"rulegate/internal/applier"
	"rulegate/internal/config"
	"rulegate/internal/db"
	"rulegate/internal/engine"
	"rulegate/internal/metrics"
	"rulegate/internal/migrate"
	"rulegate/internal/notify"
)

// Options select how a workspace is opened.
type Options struct {
	Workspace string
	// Config overrides the workspace rulegate.yml when set.
	Config *config.Config
	// Applier overrides the provider built from config.
	Applier applier.Applier
	// Notifier overrides the channels built from config.
	Notifier notify.Notifier
	Log      *zap.Logger
}

// App is an opened workspace: database, config and a wired engine.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Breaker *applier.Breaker
	Metrics *metrics.Prometheus
	Log     *zap.Logger
}

// Open migrates the workspace database and wires the engine to its
// provider, notification channels and metrics.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	provider := opts.Applier
	if provider == nil {
		if provider, err = NewApplier(ctx, cfg, log); err != nil {
			conn.Close()
			return nil, err
		}
	}
	breaker := applier.NewBreaker(provider, applier.BreakerSettings{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout.Std(),
	}, log)

	notifier := opts.Notifier
	if notifier == nil {
		if notifier, err = NewNotifier(cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	prom := metrics.New()
	e := engine.New(conn, cfg, breaker, notifier, log)
	e.Metrics = prom
	return &App{DB: conn, Config: cfg, Engine: e, Breaker: breaker, Metrics: prom, Log: log}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// NewApplier returns the EC2 applier, or a logging stand-in when aws.dry_run is set.
func NewApplier(ctx context.Context, cfg *config.Config, log *zap.Logger) (applier.Applier, error) {
	if cfg.AWS.DryRun {
		return applier.DryRun{Log: log}, nil
	}
	ec2, err := applier.NewEC2(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("aws: %w", err)
	}
	return ec2, nil
}

// NewNotifier fans out to every configured channel.
func NewNotifier(cfg *config.Config) (notify.Notifier, error) {
	var out notify.Multi
	if cfg.Notifications.SlackWebhook != "" {
		out = append(out, notify.NewSlack(cfg.Notifications.SlackWebhook, cfg.Notifications.SlackPerSec))
	}
	if cfg.Notifications.SMTP.Host != "" {
		m, err := notify.NewMail(cfg)
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return notify.Discard{}, nil
	}
	return out, nil
}
