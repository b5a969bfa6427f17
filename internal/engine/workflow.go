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

// RequestInput is the payload of a new rule request.
type RequestInput struct {
	ResourceID             string
	Type                   domain.RequestType
	TargetRuleID           string
	Rule                   domain.RuleSpec
	BusinessJustification  string
	TechnicalJustification string
	Priority               domain.Priority
}

func ensureRequestTransition(from, to domain.RequestStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: request is already %s", ErrInvalidState, from)
	}
	switch from {
	case domain.StatusPending:
		switch to {
		case domain.StatusApproved, domain.StatusRejected, domain.StatusCancelled:
			return nil
		}
	case domain.StatusApproved:
		switch to {
		case domain.StatusApplied, domain.StatusFailed:
			return nil
		}
	}
	return fmt.Errorf("%w: request status %s -> %s", ErrInvalidState, from, to)
}

// CreateRequest records a PENDING request and notifies the administrators.
func (e Engine) CreateRequest(ctx context.Context, in RequestInput, requesterID string) (domain.RuleRequest, error) {
	requester, err := e.Repo.GetUser(ctx, requesterID)
	if err != nil {
		return domain.RuleRequest{}, notFound("user", requesterID, err)
	}
	res, err := e.Repo.GetResource(ctx, in.ResourceID)
	if err != nil {
		return domain.RuleRequest{}, notFound("resource", in.ResourceID, err)
	}
	if !in.Type.Valid() {
		return domain.RuleRequest{}, fmt.Errorf("%w: unknown request type %q", ErrValidation, in.Type)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.RuleRequest{}, fmt.Errorf("%w: unknown priority %q", ErrValidation, in.Priority)
	}
	now := e.now()
	spec := in.Rule
	if in.Type.NeedsTargetRule() {
		if in.TargetRuleID == "" {
			return domain.RuleRequest{}, fmt.Errorf("%w: %s request needs a target rule", ErrValidation, in.Type)
		}
		target, ok := res.Rule(in.TargetRuleID)
		if !ok {
			return domain.RuleRequest{}, fmt.Errorf("rule %s on resource %s: %w", in.TargetRuleID, res.ID, repo.ErrNotFound)
		}
		if in.Type == domain.RequestDelete {
			spec = target.RuleSpec
		}
	} else if in.TargetRuleID != "" {
		return domain.RuleRequest{}, fmt.Errorf("%w: %s request cannot target a rule", ErrValidation, in.Type)
	}
	if in.Type != domain.RequestDelete {
		if spec, err = validateRuleSpec(spec, now); err != nil {
			return domain.RuleRequest{}, err
		}
	}
	req := domain.RuleRequest{
		ID:                     uuid.NewString(),
		ResourceID:             res.ID,
		RequesterID:            requester.ID,
		RequesterName:          requester.FullName,
		RequesterEmail:         requester.Email,
		Type:                   in.Type,
		TargetRuleID:           in.TargetRuleID,
		Rule:                   spec,
		BusinessJustification:  in.BusinessJustification,
		TechnicalJustification: in.TechnicalJustification,
		Priority:               in.Priority,
		Status:                 domain.StatusPending,
		RequestedAt:            now,
		CreatedAt:              now,
		UpdatedAt:              now,
		Version:                1,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertRuleRequest(ctx, tx, req); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		return e.Events.Append(ctx, tx, events.RequestCreated, "request", req.ID, requesterID, events.EventPayload{
			"resource_id": req.ResourceID,
			"type":        req.Type,
			"priority":    req.Priority,
		})
	})
	if err != nil {
		return domain.RuleRequest{}, err
	}
	e.metrics().RequestTransition(req.Status)
	e.Log.Info("rule request created", zap.String("request_id", req.ID), zap.String("resource_id", req.ResourceID),
		zap.String("requester_id", requesterID), zap.String("priority", string(req.Priority)))
	e.notify(ctx, e.Messages.NewRequest(req, res))
	return req, nil
}

// reviewerName falls back to the id for reviewers without a user record.
func (e Engine) reviewerName(ctx context.Context, reviewerID string) (string, error) {
	u, err := e.Repo.GetUser(ctx, reviewerID)
	if errors.Is(err, repo.ErrNotFound) {
		return reviewerID, nil
	}
	if err != nil {
		return "", err
	}
	return u.FullName, nil
}

func (e Engine) loadReviewable(ctx context.Context, id string, to domain.RequestStatus) (domain.RuleRequest, error) {
	req, err := e.Repo.GetRuleRequest(ctx, id)
	if err != nil {
		return req, notFound("request", id, err)
	}
	if err := ensureRequestTransition(req.Status, to); err != nil {
		return req, err
	}
	if e.applyInProgress(req) {
		return req, fmt.Errorf("%w: request %s is being applied", ErrConflict, id)
	}
	return req, nil
}

// applyInProgress reports a live claim by another approval. A claim older than
// twice the apply timeout is left over from a reviewer that died mid-apply.
func (e Engine) applyInProgress(req domain.RuleRequest) bool {
	return req.ApplyClaimedAt != nil && e.now().Sub(*req.ApplyClaimedAt) < 2*e.applyTimeout()
}

// claimForApply records in the store that reviewerID is applying req, so a
// review or cancel from any process that loaded the older version fails with
// ErrConflict instead of racing the provider call.
func (e Engine) claimForApply(ctx context.Context, req *domain.RuleRequest, reviewerID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ClaimRuleRequest(ctx, tx, req, e.now()); err != nil {
			return fmt.Errorf("claim request: %w", err)
		}
		return e.Events.Append(ctx, tx, events.RequestApproved, "request", req.ID, reviewerID, nil)
	})
}

// ruleChange is what a successful application did to the resource's rules.
type ruleChange struct {
	added   *domain.Rule
	removed *domain.Rule
}

// ApproveRequest approves a PENDING request and applies it synchronously.
// The returned request is APPLIED or FAILED; an apply failure is not an error.
func (e Engine) ApproveRequest(ctx context.Context, id, reviewerID, comment string) (domain.RuleRequest, error) {
	unlock := e.lock("request", id)
	defer unlock()
	req, err := e.loadReviewable(ctx, id, domain.StatusApproved)
	if err != nil {
		return req, err
	}
	name, err := e.reviewerName(ctx, reviewerID)
	if err != nil {
		return req, err
	}
	unlockRes := e.lock("resource", req.ResourceID)
	defer unlockRes()
	if err := e.claimForApply(ctx, &req, reviewerID); err != nil {
		return req, err
	}

	var change ruleChange
	var applyErr error
	res, err := e.Repo.GetResource(ctx, req.ResourceID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		applyErr = fmt.Errorf("resource %s not found", req.ResourceID)
	case err != nil:
		return req, err
	default:
		change, applyErr = e.applyRequest(ctx, req, res)
	}

	now := e.now()
	req.ReviewerID = reviewerID
	req.ReviewerName = name
	req.ReviewedAt = &now
	req.UpdatedAt = now
	req.ApplyClaimedAt = nil
	next := domain.StatusApplied
	if applyErr != nil {
		next = domain.StatusFailed
	}
	if err := ensureRequestTransition(domain.StatusApproved, next); err != nil {
		return req, err
	}
	req.Status = next
	var scheduled *domain.ExpirySchedule
	switch next {
	case domain.StatusApplied:
		req.ReviewComment = comment
		req.AppliedRuleID = appliedRuleID(change)
	case domain.StatusFailed:
		req.ReviewComment = "Failed to apply rule: " + applyErr.Error()
	}

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if next == domain.StatusApplied {
			s, err := e.recordRuleChange(ctx, tx, &res, change, reviewerID, now)
			if err != nil {
				return err
			}
			scheduled = s
		}
		if err := e.Repo.UpdateRuleRequest(ctx, tx, &req); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		evt := events.RequestApplied
		payload := events.EventPayload{"reviewer_id": reviewerID, "applied_rule_id": req.AppliedRuleID}
		if next == domain.StatusFailed {
			evt = events.RequestFailed
			payload = events.EventPayload{"reviewer_id": reviewerID, "error": applyErr.Error()}
		}
		return e.Events.Append(ctx, tx, evt, "request", req.ID, reviewerID, payload)
	})
	if err != nil {
		if change.added != nil || change.removed != nil {
			e.Log.Error("rule applied but not recorded", zap.String("request_id", req.ID),
				zap.String("resource_id", req.ResourceID), zap.Error(err))
		}
		return domain.RuleRequest{}, err
	}
	e.metrics().RequestTransition(req.Status)
	if scheduled != nil {
		e.metrics().ScheduleTransition(scheduled.Status)
	}
	if next == domain.StatusFailed {
		e.Log.Warn("rule request failed to apply", zap.String("request_id", req.ID),
			zap.String("resource_id", req.ResourceID), zap.Error(applyErr))
		return req, nil
	}
	e.Log.Info("rule request applied", zap.String("request_id", req.ID),
		zap.String("resource_id", req.ResourceID), zap.String("rule_id", req.AppliedRuleID))
	e.notify(ctx, e.Messages.Approved(req))
	return req, nil
}

func appliedRuleID(c ruleChange) string {
	if c.added != nil {
		return c.added.ID
	}
	if c.removed != nil {
		return c.removed.ID
	}
	return ""
}

// applyRequest performs the provider side of a request within the apply timeout.
func (e Engine) applyRequest(ctx context.Context, req domain.RuleRequest, res domain.Resource) (ruleChange, error) {
	if e.Applier == nil {
		return ruleChange{}, errors.New("no rule applier configured")
	}
	var change ruleChange
	err := withTimeout(ctx, e.applyTimeout(), func(ctx context.Context) error {
		switch req.Type {
		case domain.RequestAdd:
			rule, err := e.applyNew(ctx, req, res)
			if err != nil {
				return err
			}
			change.added = &rule
		case domain.RequestDelete:
			old, ok := res.Rule(req.TargetRuleID)
			if !ok {
				return fmt.Errorf("rule %s no longer exists", req.TargetRuleID)
			}
			if err := e.Applier.Revoke(ctx, res, old); err != nil {
				return err
			}
			change.removed = &old
		case domain.RequestModify:
			old, ok := res.Rule(req.TargetRuleID)
			if !ok {
				return fmt.Errorf("rule %s no longer exists", req.TargetRuleID)
			}
			// the replacement goes in before the old rule comes out
			rule, err := e.applyNew(ctx, req, res)
			if err != nil {
				return err
			}
			if err := e.Applier.Revoke(ctx, res, old); err != nil {
				if rbErr := e.Applier.Revoke(context.WithoutCancel(ctx), res, rule); rbErr != nil {
					e.Log.Error("rollback of replacement rule failed", zap.String("request_id", req.ID),
						zap.String("rule_id", rule.ID), zap.Error(rbErr))
				}
				return err
			}
			change.added = &rule
			change.removed = &old
		default:
			return fmt.Errorf("unknown request type %q", req.Type)
		}
		return nil
	})
	if err != nil {
		return ruleChange{}, err
	}
	return change, nil
}

func (e Engine) applyNew(ctx context.Context, req domain.RuleRequest, res domain.Resource) (domain.Rule, error) {
	rule := domain.Rule{
		RuleSpec:  req.Rule,
		CreatedBy: req.RequesterID,
		CreatedAt: e.now(),
	}
	ref, err := e.Applier.Apply(ctx, res, rule)
	if err != nil {
		return rule, err
	}
	rule.ID = ref
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	return rule, nil
}

// recordRuleChange persists change on res and registers the expiry of an added rule.
func (e Engine) recordRuleChange(ctx context.Context, tx *sql.Tx, res *domain.Resource, change ruleChange, actorID string, now time.Time) (*domain.ExpirySchedule, error) {
	if change.removed != nil {
		if err := e.Repo.DeleteRule(ctx, tx, res.ID, change.removed.ID); err != nil {
			return nil, fmt.Errorf("delete rule %s: %w", change.removed.ID, err)
		}
		if _, err := e.cancelSchedulesTx(ctx, tx, repo.ScheduleFilters{ResourceID: res.ID, RuleID: change.removed.ID}, "", actorID, now); err != nil {
			return nil, err
		}
	}
	var scheduled *domain.ExpirySchedule
	if change.added != nil {
		if err := e.Repo.InsertRule(ctx, tx, res.ID, *change.added); err != nil {
			return nil, fmt.Errorf("insert rule: %w", err)
		}
		if change.added.ExpiresAt != nil && change.added.AutoDelete {
			s, err := e.insertSchedule(ctx, tx, ScheduleInput{
				ResourceID: res.ID,
				RuleID:     change.added.ID,
				ExpiresAt:  *change.added.ExpiresAt,
				Action:     domain.ActionDeleteRule,
				CreatedBy:  actorID,
			}, now)
			if err != nil {
				return nil, err
			}
			scheduled = &s
		}
	}
	res.UpdatedAt = now
	if err := e.Repo.UpdateResource(ctx, tx, res); err != nil {
		return nil, fmt.Errorf("update resource: %w", err)
	}
	return scheduled, nil
}

// RejectRequest rejects a PENDING request and notifies the requester.
func (e Engine) RejectRequest(ctx context.Context, id, reviewerID, comment string) (domain.RuleRequest, error) {
	unlock := e.lock("request", id)
	defer unlock()
	req, err := e.loadReviewable(ctx, id, domain.StatusRejected)
	if err != nil {
		return req, err
	}
	name, err := e.reviewerName(ctx, reviewerID)
	if err != nil {
		return req, err
	}
	now := e.now()
	req.Status = domain.StatusRejected
	req.ApplyClaimedAt = nil
	req.ReviewerID = reviewerID
	req.ReviewerName = name
	req.ReviewComment = comment
	req.ReviewedAt = &now
	req.UpdatedAt = now
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateRuleRequest(ctx, tx, &req); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		return e.Events.Append(ctx, tx, events.RequestRejected, "request", req.ID, reviewerID, events.EventPayload{"comment": comment})
	})
	if err != nil {
		return domain.RuleRequest{}, err
	}
	e.metrics().RequestTransition(req.Status)
	e.Log.Info("rule request rejected", zap.String("request_id", req.ID), zap.String("reviewer_id", reviewerID))
	e.notify(ctx, e.Messages.Rejected(req))
	return req, nil
}

// CancelRequest withdraws a PENDING request. Only the requester may cancel.
func (e Engine) CancelRequest(ctx context.Context, id, callerID string) (domain.RuleRequest, error) {
	unlock := e.lock("request", id)
	defer unlock()
	req, err := e.Repo.GetRuleRequest(ctx, id)
	if err != nil {
		return req, notFound("request", id, err)
	}
	if req.RequesterID != callerID {
		return req, fmt.Errorf("%w: only the requester can cancel request %s", ErrForbidden, id)
	}
	if err := ensureRequestTransition(req.Status, domain.StatusCancelled); err != nil {
		return req, err
	}
	if e.applyInProgress(req) {
		return req, fmt.Errorf("%w: request %s is being applied", ErrConflict, id)
	}
	req.Status = domain.StatusCancelled
	req.ApplyClaimedAt = nil
	req.UpdatedAt = e.now()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateRuleRequest(ctx, tx, &req); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		return e.Events.Append(ctx, tx, events.RequestCancelled, "request", req.ID, callerID, nil)
	})
	if err != nil {
		return domain.RuleRequest{}, err
	}
	e.metrics().RequestTransition(req.Status)
	e.Log.Info("rule request cancelled", zap.String("request_id", req.ID))
	return req, nil
}

func (e Engine) GetRequest(ctx context.Context, id string) (domain.RuleRequest, error) {
	req, err := e.Repo.GetRuleRequest(ctx, id)
	return req, notFound("request", id, err)
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.RuleRequest, error) {
	return e.Repo.ListRuleRequests(ctx, f)
}

func (e Engine) ListPending(ctx context.Context) ([]domain.RuleRequest, error) {
	return e.ListByStatus(ctx, domain.StatusPending)
}

func (e Engine) ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.RuleRequest, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return e.Repo.ListRuleRequests(ctx, repo.RequestFilters{Statuses: []domain.RequestStatus{status}})
}

func (e Engine) ListByRequester(ctx context.Context, requesterID string) ([]domain.RuleRequest, error) {
	return e.Repo.ListRuleRequests(ctx, repo.RequestFilters{RequesterID: requesterID})
}

// ListHighPriorityPending returns PENDING requests with HIGH or URGENT priority.
func (e Engine) ListHighPriorityPending(ctx context.Context) ([]domain.RuleRequest, error) {
	return e.Repo.ListRuleRequests(ctx, repo.RequestFilters{
		Statuses:   []domain.RequestStatus{domain.StatusPending},
		Priorities: []domain.Priority{domain.PriorityHigh, domain.PriorityUrgent},
	})
}

// Statistics counts requests by review outcome. Approved covers every request a
// reviewer approved, whether or not it applied, so
// Total = Pending + Approved + Rejected + Cancelled.
func (e Engine) Statistics(ctx context.Context) (domain.RequestStatistics, error) {
	counts, err := e.Repo.CountRequestsByStatus(ctx)
	if err != nil {
		return domain.RequestStatistics{}, err
	}
	var st domain.RequestStatistics
	for status, n := range counts {
		st.Total += n
		switch status {
		case domain.StatusPending:
			st.Pending += n
		case domain.StatusApproved:
			st.Approved += n
		case domain.StatusApplied:
			st.Approved += n
			st.Applied += n
		case domain.StatusFailed:
			st.Approved += n
			st.Failed += n
		case domain.StatusRejected:
			st.Rejected += n
		case domain.StatusCancelled:
			st.Cancelled += n
		}
	}
	return st, nil
}
