package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rulegate/internal/config"
	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/notify"
	"rulegate/internal/repo"
)

var (
	ErrInvalidState = errors.New("invalid state")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = repo.ErrConflict
	ErrNotFound     = repo.ErrNotFound
)

// RuleApplier mutates rules on the managed resource.
type RuleApplier interface {
	// Apply creates rule on res and returns the provider's reference for it.
	Apply(ctx context.Context, res domain.Resource, rule domain.Rule) (string, error)
	Revoke(ctx context.Context, res domain.Resource, rule domain.Rule) error
	DeleteResource(ctx context.Context, res domain.Resource) error
}

// Notifier delivers a notification. Errors are never propagated by the engine.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Metrics observes workflow and sweep outcomes.
type Metrics interface {
	RequestTransition(status domain.RequestStatus)
	ScheduleTransition(status domain.ScheduleStatus)
	SweepFinished(report domain.SweepReport, took time.Duration)
	NotificationSent(kind domain.NotificationKind, err error)
}

type nopMetrics struct{}

func (nopMetrics) RequestTransition(domain.RequestStatus)          {}
func (nopMetrics) ScheduleTransition(domain.ScheduleStatus)        {}
func (nopMetrics) SweepFinished(domain.SweepReport, time.Duration) {}
func (nopMetrics) NotificationSent(domain.NotificationKind, error) {}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Applier  RuleApplier
	Notifier Notifier
	Messages notify.Messages
	Metrics  Metrics
	Log      *zap.Logger
	Now      func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, applier RuleApplier, notifier Notifier, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Applier:  applier,
		Notifier: notifier,
		Messages: notify.Messages{BaseURL: cfg.Notifications.BaseURL, Location: cfg.Location()},
		Metrics:  nopMetrics{},
		Log:      log,
		Now:      time.Now,
		locks:    newKeyedMutex(),
	}
	e.Events = events.Writer{DB: db, Now: time.Now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) metrics() Metrics {
	if e.Metrics == nil {
		return nopMetrics{}
	}
	return e.Metrics
}

func (e Engine) lock(kind, id string) func() {
	return e.locks.Lock(kind + ":" + id)
}

func (e Engine) applyTimeout() time.Duration {
	if e.Config == nil || e.Config.Timeouts.Apply <= 0 {
		return 30 * time.Second
	}
	return e.Config.Timeouts.Apply.Std()
}

func (e Engine) notifyTimeout() time.Duration {
	if e.Config == nil || e.Config.Timeouts.Notify <= 0 {
		return 10 * time.Second
	}
	return e.Config.Timeouts.Notify.Std()
}

// withTimeout runs fn bounded by d. It returns as soon as the deadline passes
// even if fn ignores its context.
func withTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s: %w", d, ctx.Err())
	}
}

// notify delivers n and swallows any failure.
func (e Engine) notify(ctx context.Context, n domain.Notification) {
	if e.Notifier == nil {
		return
	}
	// the caller's cancellation must not drop a notification for a committed change
	ctx = context.WithoutCancel(ctx)
	err := withTimeout(ctx, e.notifyTimeout(), func(ctx context.Context) error {
		return e.Notifier.Notify(ctx, n)
	})
	e.metrics().NotificationSent(n.Kind, err)
	if err != nil {
		e.Log.Warn("notification failed", zap.String("kind", string(n.Kind)), zap.String("subject", n.Subject), zap.Error(err))
	}
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
	}
	return err
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
