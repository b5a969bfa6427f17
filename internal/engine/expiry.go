package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/repo"
)

const (
	SweepWarning   = "warning"
	SweepSameDay   = "same_day"
	SweepExecution = "execution"
)

type ScheduleInput struct {
	ResourceID string
	RuleID     string
	ExpiresAt  time.Time
	Action     domain.ExpiryAction
	CreatedBy  string
}

func ensureScheduleTransition(from, to domain.ScheduleStatus) error {
	switch from {
	case domain.ScheduleScheduled:
		switch to {
		case domain.ScheduleNotificationSent, domain.ScheduleExecuted, domain.ScheduleFailed, domain.ScheduleCancelled:
			return nil
		}
	case domain.ScheduleNotificationSent:
		switch to {
		case domain.ScheduleExecuted, domain.ScheduleFailed, domain.ScheduleCancelled:
			return nil
		}
	case domain.ScheduleExecuted, domain.ScheduleFailed, domain.ScheduleCancelled:
	}
	return fmt.Errorf("%w: schedule status %s -> %s", ErrInvalidState, from, to)
}

func validateScheduleInput(in ScheduleInput) error {
	if !in.Action.Valid() {
		return fmt.Errorf("%w: unknown expiry action %q", ErrValidation, in.Action)
	}
	if in.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expires_at is required", ErrValidation)
	}
	switch in.Action {
	case domain.ActionDeleteRule:
		if in.RuleID == "" {
			return fmt.Errorf("%w: DELETE_RULE needs a rule id", ErrValidation)
		}
	case domain.ActionDeleteGroup:
		if in.RuleID != "" {
			return fmt.Errorf("%w: DELETE_GROUP applies to the whole resource", ErrValidation)
		}
	case domain.ActionNotifyOnly:
	}
	return nil
}

// ScheduleExpiry registers a SCHEDULED expiry on an existing resource or rule.
func (e Engine) ScheduleExpiry(ctx context.Context, in ScheduleInput) (domain.ExpirySchedule, error) {
	if err := validateScheduleInput(in); err != nil {
		return domain.ExpirySchedule{}, err
	}
	unlock := e.lock("resource", in.ResourceID)
	defer unlock()
	res, err := e.Repo.GetResource(ctx, in.ResourceID)
	if err != nil {
		return domain.ExpirySchedule{}, notFound("resource", in.ResourceID, err)
	}
	if in.RuleID != "" {
		if _, ok := res.Rule(in.RuleID); !ok {
			return domain.ExpirySchedule{}, fmt.Errorf("rule %s on resource %s: %w", in.RuleID, res.ID, repo.ErrNotFound)
		}
	}
	var s domain.ExpirySchedule
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		s, err = e.insertSchedule(ctx, tx, in, e.now())
		return err
	})
	if err != nil {
		return domain.ExpirySchedule{}, err
	}
	e.metrics().ScheduleTransition(s.Status)
	e.Log.Info("expiry scheduled", zap.String("schedule_id", s.ID), zap.String("resource_id", s.ResourceID),
		zap.String("rule_id", s.RuleID), zap.String("action", string(s.Action)), zap.Time("expires_at", s.ExpiresAt))
	return s, nil
}

func (e Engine) insertSchedule(ctx context.Context, tx *sql.Tx, in ScheduleInput, now time.Time) (domain.ExpirySchedule, error) {
	if err := validateScheduleInput(in); err != nil {
		return domain.ExpirySchedule{}, err
	}
	s := domain.ExpirySchedule{
		ID:         uuid.NewString(),
		ResourceID: in.ResourceID,
		RuleID:     in.RuleID,
		ExpiresAt:  in.ExpiresAt.UTC(),
		Action:     in.Action,
		Status:     domain.ScheduleScheduled,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	if err := e.Repo.InsertSchedule(ctx, tx, s); err != nil {
		return s, fmt.Errorf("insert schedule: %w", err)
	}
	err := e.Events.Append(ctx, tx, events.ScheduleCreated, "schedule", s.ID, in.CreatedBy, events.EventPayload{
		"resource_id": s.ResourceID,
		"rule_id":     s.RuleID,
		"action":      s.Action,
		"expires_at":  repo.FormatTime(s.ExpiresAt),
	})
	return s, err
}

// CancelExpiry cancels every active schedule of a resource, rule-level ones included.
func (e Engine) CancelExpiry(ctx context.Context, resourceID, actorID string) (int, error) {
	return e.cancelExpiry(ctx, repo.ScheduleFilters{ResourceID: resourceID}, actorID)
}

// CancelRuleExpiry cancels the active schedules of one rule.
func (e Engine) CancelRuleExpiry(ctx context.Context, resourceID, ruleID, actorID string) (int, error) {
	if ruleID == "" {
		return 0, fmt.Errorf("%w: rule id is required", ErrValidation)
	}
	return e.cancelExpiry(ctx, repo.ScheduleFilters{ResourceID: resourceID, RuleID: ruleID}, actorID)
}

func (e Engine) cancelExpiry(ctx context.Context, f repo.ScheduleFilters, actorID string) (int, error) {
	unlock := e.lock("resource", f.ResourceID)
	defer unlock()
	var n int
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = e.cancelSchedulesTx(ctx, tx, f, "", actorID, e.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Log.Info("expiry schedules cancelled", zap.String("resource_id", f.ResourceID),
			zap.String("rule_id", f.RuleID), zap.Int("count", n))
	}
	return n, nil
}

// cancelSchedulesTx moves every active schedule matching f, except keepID,
// to CANCELLED. Callers hold the resource lock.
func (e Engine) cancelSchedulesTx(ctx context.Context, tx *sql.Tx, f repo.ScheduleFilters, keepID, actorID string, now time.Time) (int, error) {
	f.Statuses = domain.ActiveScheduleStatuses
	active, err := e.Repo.ListSchedulesTx(ctx, tx, f)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range active {
		s := &active[i]
		if s.ID == keepID {
			continue
		}
		if err := ensureScheduleTransition(s.Status, domain.ScheduleCancelled); err != nil {
			return n, err
		}
		s.Status = domain.ScheduleCancelled
		s.UpdatedAt = now
		if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
			return n, fmt.Errorf("cancel schedule %s: %w", s.ID, err)
		}
		payload := events.EventPayload{}
		if keepID != "" {
			payload["superseded_by"] = keepID
		}
		if err := e.Events.Append(ctx, tx, events.ScheduleCancelled, "schedule", s.ID, actorID, payload); err != nil {
			return n, err
		}
		e.metrics().ScheduleTransition(s.Status)
		n++
	}
	return n, nil
}

func (e Engine) GetSchedule(ctx context.Context, id string) (domain.ExpirySchedule, error) {
	s, err := e.Repo.GetSchedule(ctx, id)
	return s, notFound("schedule", id, err)
}

func (e Engine) ListActiveSchedules(ctx context.Context) ([]domain.ExpirySchedule, error) {
	return e.Repo.ListSchedules(ctx, repo.ScheduleFilters{Statuses: domain.ActiveScheduleStatuses})
}

func (e Engine) ListSchedulesForResource(ctx context.Context, resourceID string) ([]domain.ExpirySchedule, error) {
	return e.Repo.ListSchedules(ctx, repo.ScheduleFilters{ResourceID: resourceID})
}

func (e Engine) location() *time.Location {
	if e.Config == nil {
		return time.UTC
	}
	return e.Config.Location()
}

// endOfDay returns the last nanosecond of t's calendar day in loc.
func endOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
}

// warningWindow covers everything expiring from now until the end of tomorrow,
// so a schedule created or missed after the previous run is still warned once.
func (e Engine) warningWindow(now time.Time) (time.Time, time.Time) {
	return now, endOfDay(now.Add(24*time.Hour), e.location())
}

func (e Engine) sameDayWindow(now time.Time) (time.Time, time.Time) {
	return now, endOfDay(now, e.location())
}

// RunWarningSweep sends the one-day-before notice for schedules expiring by the
// end of tomorrow that have not been warned yet.
func (e Engine) RunWarningSweep(ctx context.Context, now time.Time) (domain.SweepReport, error) {
	from, to := e.warningWindow(now)
	return e.runNoticeSweep(ctx, SweepWarning, now, repo.ScheduleFilters{
		Statuses:          domain.ActiveScheduleStatuses,
		ExpiresFrom:       &from,
		ExpiresTo:         &to,
		NotNotifiedOneDay: true,
	})
}

// RunSameDaySweep sends the final notice for schedules expiring today and marks
// them NOTIFICATION_SENT.
func (e Engine) RunSameDaySweep(ctx context.Context, now time.Time) (domain.SweepReport, error) {
	from, to := e.sameDayWindow(now)
	return e.runNoticeSweep(ctx, SweepSameDay, now, repo.ScheduleFilters{
		Statuses:           domain.ActiveScheduleStatuses,
		ExpiresFrom:        &from,
		ExpiresTo:          &to,
		NotNotifiedSameDay: true,
	})
}

func (e Engine) runNoticeSweep(ctx context.Context, sweep string, now time.Time, f repo.ScheduleFilters) (domain.SweepReport, error) {
	started := time.Now()
	report := domain.SweepReport{Sweep: sweep}
	candidates, err := e.Repo.ListSchedules(ctx, f)
	if err != nil {
		return report, fmt.Errorf("%s sweep: %w", sweep, err)
	}
	report.Selected = len(candidates)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		done, err := e.noticeOne(ctx, sweep, c.ID, now)
		switch {
		case err != nil:
			report.Failed++
			e.Log.Error("expiry notice failed", zap.String("sweep", sweep), zap.String("schedule_id", c.ID), zap.Error(err))
		case done:
			report.Succeeded++
		default:
			report.Skipped++
		}
	}
	e.finishSweep(report, started)
	return report, nil
}

// noticeOne sends one notice. It reports false when the schedule no longer
// qualifies or its resource is gone.
func (e Engine) noticeOne(ctx context.Context, sweep, id string, now time.Time) (bool, error) {
	unlock := e.lock("schedule", id)
	defer unlock()
	s, err := e.Repo.GetSchedule(ctx, id)
	if err != nil {
		return false, err
	}
	if !s.Status.Active() {
		return false, nil
	}
	switch sweep {
	case SweepWarning:
		if s.NotifiedOneDayBefore {
			return false, nil
		}
	case SweepSameDay:
		if s.NotifiedSameDay {
			return false, nil
		}
	}
	res, err := e.Repo.GetResource(ctx, s.ResourceID)
	if errors.Is(err, repo.ErrNotFound) {
		e.Log.Warn("resource not found for expiry notice", zap.String("sweep", sweep),
			zap.String("schedule_id", s.ID), zap.String("resource_id", s.ResourceID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var n domain.Notification
	switch sweep {
	case SweepWarning:
		n = e.Messages.ExpiryWarning(s, res, now)
		s.NotifiedOneDayBefore = true
	case SweepSameDay:
		n = e.Messages.ExpirySameDay(s, res)
		s.NotifiedSameDay = true
		if s.Status == domain.ScheduleScheduled {
			s.Status = domain.ScheduleNotificationSent
		}
	default:
		return false, fmt.Errorf("unknown notice sweep %q", sweep)
	}
	e.notify(ctx, n)

	s.LastNotificationAt = &now
	s.UpdatedAt = now
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSchedule(ctx, tx, &s); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ScheduleNotified, "schedule", s.ID, "system", events.EventPayload{"sweep": sweep})
	})
	if err != nil {
		return false, err
	}
	e.Log.Info("expiry notice sent", zap.String("sweep", sweep), zap.String("schedule_id", s.ID),
		zap.String("resource_id", s.ResourceID))
	return true, nil
}

// RunExecutionSweep executes every active schedule due at or before now.
func (e Engine) RunExecutionSweep(ctx context.Context, now time.Time) (domain.SweepReport, error) {
	started := time.Now()
	report := domain.SweepReport{Sweep: SweepExecution}
	candidates, err := e.Repo.ListSchedules(ctx, repo.ScheduleFilters{
		Statuses:  domain.ActiveScheduleStatuses,
		ExpiresTo: &now,
	})
	if err != nil {
		return report, fmt.Errorf("execution sweep: %w", err)
	}
	report.Selected = len(candidates)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s, ran, err := e.executeOne(ctx, c.ID, now)
		switch {
		case err != nil:
			report.Failed++
			e.Log.Error("expiry execution errored", zap.String("schedule_id", c.ID), zap.Error(err))
		case !ran:
			report.Skipped++
		case s.Status == domain.ScheduleExecuted:
			report.Succeeded++
		default:
			report.Failed++
		}
	}
	e.finishSweep(report, started)
	return report, nil
}

// executeOne runs a due schedule and records EXECUTED or FAILED. ran is false
// when the schedule was no longer due or active.
func (e Engine) executeOne(ctx context.Context, id string, now time.Time) (s domain.ExpirySchedule, ran bool, err error) {
	unlock := e.lock("schedule", id)
	defer unlock()
	s, err = e.Repo.GetSchedule(ctx, id)
	if err != nil {
		return s, false, err
	}
	unlockRes := e.lock("resource", s.ResourceID)
	defer unlockRes()
	// re-read under the resource lock, a cancellation may have won
	s, err = e.Repo.GetSchedule(ctx, id)
	if err != nil {
		return s, false, err
	}
	if !s.Status.Active() || s.ExpiresAt.After(now) {
		return s, false, nil
	}

	resourceName := s.ResourceID
	res, err := e.Repo.GetResource(ctx, s.ResourceID)
	var actionErr error
	var target *domain.Rule
	switch {
	case errors.Is(err, repo.ErrNotFound):
		actionErr = errors.New("target not found")
	case err != nil:
		return s, false, err
	default:
		resourceName = res.Name
		target, actionErr = e.performAction(ctx, s, res)
	}

	next := domain.ScheduleExecuted
	if actionErr != nil {
		next = domain.ScheduleFailed
	}
	if err := ensureScheduleTransition(s.Status, next); err != nil {
		return s, false, err
	}
	s.Status = next
	s.ExecutedAt = &now
	s.UpdatedAt = now
	switch next {
	case domain.ScheduleExecuted:
		s.ExecutionResult = domain.ResultSuccess
		s.ErrorMessage = ""
	case domain.ScheduleFailed:
		s.ExecutionResult = domain.ResultFailed
		s.ErrorMessage = actionErr.Error()
	}

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if next == domain.ScheduleExecuted {
			if err := e.recordExecution(ctx, tx, s, &res, target, now); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdateSchedule(ctx, tx, &s); err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		evt := events.ScheduleExecuted
		payload := events.EventPayload{"action": s.Action}
		if next == domain.ScheduleFailed {
			evt = events.ScheduleFailed
			payload["error"] = s.ErrorMessage
		}
		return e.Events.Append(ctx, tx, evt, "schedule", s.ID, "system", payload)
	})
	if err != nil {
		return s, false, err
	}
	e.metrics().ScheduleTransition(s.Status)
	if next == domain.ScheduleFailed {
		e.Log.Warn("expiry execution failed", zap.String("schedule_id", s.ID), zap.String("resource_id", s.ResourceID),
			zap.String("action", string(s.Action)), zap.String("error", s.ErrorMessage))
	} else {
		e.Log.Info("expiry executed", zap.String("schedule_id", s.ID), zap.String("resource_id", s.ResourceID),
			zap.String("action", string(s.Action)))
	}
	e.notify(ctx, e.Messages.ExpiryOutcome(s, resourceName, now))
	return s, true, nil
}

// performAction calls the provider for s. For DELETE_RULE it returns the revoked rule.
func (e Engine) performAction(ctx context.Context, s domain.ExpirySchedule, res domain.Resource) (*domain.Rule, error) {
	switch s.Action {
	case domain.ActionNotifyOnly:
		return nil, nil
	case domain.ActionDeleteGroup:
		if e.Applier == nil {
			return nil, errors.New("no rule applier configured")
		}
		return nil, withTimeout(ctx, e.applyTimeout(), func(ctx context.Context) error {
			return e.Applier.DeleteResource(ctx, res)
		})
	case domain.ActionDeleteRule:
		rule, ok := res.Rule(s.RuleID)
		if !ok {
			return nil, errors.New("target rule not found")
		}
		if e.Applier == nil {
			return nil, errors.New("no rule applier configured")
		}
		err := withTimeout(ctx, e.applyTimeout(), func(ctx context.Context) error {
			return e.Applier.Revoke(ctx, res, rule)
		})
		if err != nil {
			return nil, err
		}
		return &rule, nil
	}
	return nil, fmt.Errorf("unknown expiry action %q", s.Action)
}

func (e Engine) recordExecution(ctx context.Context, tx *sql.Tx, s domain.ExpirySchedule, res *domain.Resource, rule *domain.Rule, now time.Time) error {
	switch s.Action {
	case domain.ActionNotifyOnly:
		return nil
	case domain.ActionDeleteGroup:
		if err := e.Repo.DeleteResource(ctx, tx, res.ID); err != nil {
			return fmt.Errorf("delete resource: %w", err)
		}
		others := repo.ScheduleFilters{ResourceID: res.ID}
		if _, err := e.cancelSchedulesTx(ctx, tx, others, s.ID, "system", now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ResourceDeleted, "resource", res.ID, "system", events.EventPayload{"schedule_id": s.ID})
	case domain.ActionDeleteRule:
		if err := e.Repo.DeleteRule(ctx, tx, res.ID, rule.ID); err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		others := repo.ScheduleFilters{ResourceID: res.ID, RuleID: rule.ID}
		if _, err := e.cancelSchedulesTx(ctx, tx, others, s.ID, "system", now); err != nil {
			return err
		}
		res.UpdatedAt = now
		return e.Repo.UpdateResource(ctx, tx, res)
	}
	return fmt.Errorf("unknown expiry action %q", s.Action)
}

func (e Engine) finishSweep(report domain.SweepReport, started time.Time) {
	took := time.Since(started)
	e.metrics().SweepFinished(report, took)
	e.Log.Info("sweep finished", zap.String("sweep", report.Sweep), zap.Int("selected", report.Selected),
		zap.Int("succeeded", report.Succeeded), zap.Int("failed", report.Failed), zap.Int("skipped", report.Skipped),
		zap.Duration("took", took))
}
