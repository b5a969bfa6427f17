package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"rulegate/internal/config"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
)

// Sweeper runs the expiry sweeps.
type Sweeper interface {
	RunWarningSweep(ctx context.Context, now time.Time) (domain.SweepReport, error)
	RunSameDaySweep(ctx context.Context, now time.Time) (domain.SweepReport, error)
	RunExecutionSweep(ctx context.Context, now time.Time) (domain.SweepReport, error)
}

// Scheduler triggers the sweeps on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	now     func() time.Time
	log     *zap.Logger
	ctx     context.Context
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...any) { l.s.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}

func New(s Sweeper, cfg *config.Config, now func() time.Time, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	cl := cronLogger{s: log.Sugar()}
	sch := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location()),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: s,
		now:     now,
		log:     log,
		ctx:     context.Background(),
	}
	for _, job := range []struct{ name, spec string }{
		{engine.SweepWarning, cfg.Schedule.Warning},
		{engine.SweepSameDay, cfg.Schedule.SameDay},
		{engine.SweepExecution, cfg.Schedule.Execute},
	} {
		name := job.name
		if _, err := sch.cron.AddFunc(job.spec, func() { sch.fire(name) }); err != nil {
			return nil, fmt.Errorf("schedule %s sweep %q: %w", name, job.spec, err)
		}
	}
	return sch, nil
}

func (s *Scheduler) fire(name string) {
	if _, err := s.RunNow(s.ctx, name); err != nil {
		s.log.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
	}
}

// RunNow runs one sweep immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) (domain.SweepReport, error) {
	now := s.now()
	switch name {
	case engine.SweepWarning:
		return s.sweeper.RunWarningSweep(ctx, now)
	case engine.SweepSameDay:
		return s.sweeper.RunSameDaySweep(ctx, now)
	case engine.SweepExecution:
		return s.sweeper.RunExecutionSweep(ctx, now)
	}
	return domain.SweepReport{}, fmt.Errorf("%w: unknown sweep %q", engine.ErrValidation, name)
}

// Run starts the cron loop and blocks until ctx is done and running sweeps
// have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}
