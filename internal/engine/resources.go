package engine

import (
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/repo"
)

// ResourceInput imports a resource and its current rules.
type ResourceInput struct {
	ExternalID  string
	Name        string
	Description string
	NetworkID   string
	OwnerID     string
	Tags        map[string]string
	ExpiresAt   *time.Time
	AutoDelete  bool
	Rules       []RuleInput
}

type RuleInput struct {
	// ID is the provider's reference; generated when empty.
	ID   string
	Spec domain.RuleSpec
}

// RegisterResource stores a resource and registers the expiries it carries.
func (e Engine) RegisterResource(ctx context.Context, in ResourceInput, actorID string) (domain.Resource, error) {
	if strings.TrimSpace(in.ExternalID) == "" {
		return domain.Resource{}, fmt.Errorf("%w: external_id is required", ErrValidation)
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = in.ExternalID
	}
	now := e.now()
	if err := validateExpiry(in.ExpiresAt, in.AutoDelete, now); err != nil {
		return domain.Resource{}, err
	}
	res := domain.Resource{
		ID:          uuid.NewString(),
		ExternalID:  in.ExternalID,
		Name:        in.Name,
		Description: in.Description,
		NetworkID:   in.NetworkID,
		OwnerID:     in.OwnerID,
		Tags:        in.Tags,
		ExpiresAt:   in.ExpiresAt,
		AutoDelete:  in.AutoDelete,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	for _, r := range in.Rules {
		spec, err := validateRuleSpec(r.Spec, now)
		if err != nil {
			return domain.Resource{}, err
		}
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		res.Rules = append(res.Rules, domain.Rule{ID: id, RuleSpec: spec, CreatedBy: actorID, CreatedAt: now})
	}
	var scheduled []domain.ExpirySchedule
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertResource(ctx, tx, res); err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.ResourceRegistered, "resource", res.ID, actorID, events.EventPayload{
			"external_id": res.ExternalID,
			"rules":       len(res.Rules),
		}); err != nil {
			return err
		}
		if res.ExpiresAt != nil && res.AutoDelete {
			s, err := e.insertSchedule(ctx, tx, ScheduleInput{ResourceID: res.ID, ExpiresAt: *res.ExpiresAt,
				Action: domain.ActionDeleteGroup, CreatedBy: actorID}, now)
			if err != nil {
				return err
			}
			scheduled = append(scheduled, s)
		}
		for _, rule := range res.Rules {
			if rule.ExpiresAt == nil || !rule.AutoDelete {
				continue
			}
			s, err := e.insertSchedule(ctx, tx, ScheduleInput{ResourceID: res.ID, RuleID: rule.ID, ExpiresAt: *rule.ExpiresAt,
				Action: domain.ActionDeleteRule, CreatedBy: actorID}, now)
			if err != nil {
				return err
			}
			scheduled = append(scheduled, s)
		}
		return nil
	})
	if err != nil {
		return domain.Resource{}, err
	}
	for _, s := range scheduled {
		e.metrics().ScheduleTransition(s.Status)
	}
	e.Log.Info("resource registered", zap.String("resource_id", res.ID), zap.String("external_id", res.ExternalID),
		zap.Int("rules", len(res.Rules)), zap.Int("schedules", len(scheduled)))
	return res, nil
}

// SetResourceExpiry replaces the expiry of a resource. Existing whole-resource
// schedules are cancelled and a DELETE_GROUP schedule is registered when the
// new expiry auto-deletes.
func (e Engine) SetResourceExpiry(ctx context.Context, resourceID string, expiresAt *time.Time, autoDelete bool, actorID string) (domain.Resource, error) {
	unlock := e.lock("resource", resourceID)
	defer unlock()
	res, err := e.Repo.GetResource(ctx, resourceID)
	if err != nil {
		return res, notFound("resource", resourceID, err)
	}
	now := e.now()
	if err := validateExpiry(expiresAt, autoDelete, now); err != nil {
		return res, err
	}
	res.ExpiresAt = expiresAt
	res.AutoDelete = autoDelete
	res.UpdatedAt = now
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateResource(ctx, tx, &res); err != nil {
			return fmt.Errorf("update resource: %w", err)
		}
		if _, err := e.cancelSchedulesTx(ctx, tx, repo.ScheduleFilters{ResourceID: res.ID, WholeResource: true}, "", actorID, now); err != nil {
			return err
		}
		if expiresAt != nil && autoDelete {
			if _, err := e.insertSchedule(ctx, tx, ScheduleInput{ResourceID: res.ID, ExpiresAt: *expiresAt,
				Action: domain.ActionDeleteGroup, CreatedBy: actorID}, now); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, events.ResourceUpdated, "resource", res.ID, actorID, events.EventPayload{
			"expires_at":  expiryPayload(expiresAt),
			"auto_delete": autoDelete,
		})
	})
	if err != nil {
		return domain.Resource{}, err
	}
	return res, nil
}

// SetRuleExpiry replaces the expiry of one rule, rescheduling its DELETE_RULE.
func (e Engine) SetRuleExpiry(ctx context.Context, resourceID, ruleID string, expiresAt *time.Time, autoDelete bool, actorID string) (domain.Rule, error) {
	unlock := e.lock("resource", resourceID)
	defer unlock()
	res, err := e.Repo.GetResource(ctx, resourceID)
	if err != nil {
		return domain.Rule{}, notFound("resource", resourceID, err)
	}
	rule, ok := res.Rule(ruleID)
	if !ok {
		return domain.Rule{}, fmt.Errorf("rule %s on resource %s: %w", ruleID, resourceID, repo.ErrNotFound)
	}
	now := e.now()
	if err := validateExpiry(expiresAt, autoDelete, now); err != nil {
		return domain.Rule{}, err
	}
	rule.ExpiresAt = expiresAt
	rule.AutoDelete = autoDelete
	res.UpdatedAt = now
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateRuleExpiry(ctx, tx, res.ID, rule.ID, rule); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		if err := e.Repo.UpdateResource(ctx, tx, &res); err != nil {
			return fmt.Errorf("update resource: %w", err)
		}
		if _, err := e.cancelSchedulesTx(ctx, tx, repo.ScheduleFilters{ResourceID: res.ID, RuleID: rule.ID}, "", actorID, now); err != nil {
			return err
		}
		if expiresAt != nil && autoDelete {
			if _, err := e.insertSchedule(ctx, tx, ScheduleInput{ResourceID: res.ID, RuleID: rule.ID, ExpiresAt: *expiresAt,
				Action: domain.ActionDeleteRule, CreatedBy: actorID}, now); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, events.RuleExpiryUpdated, "resource", res.ID, actorID, events.EventPayload{
			"rule_id":     rule.ID,
			"expires_at":  expiryPayload(expiresAt),
			"auto_delete": autoDelete,
		})
	})
	if err != nil {
		return domain.Rule{}, err
	}
	return rule, nil
}

func expiryPayload(t *time.Time) any {
	if t == nil {
		return nil
	}
	return repo.FormatTime(*t)
}

// DeleteResource removes the resource at the provider and in the store and
// cancels its schedules. The store is left untouched if the provider call fails.
func (e Engine) DeleteResource(ctx context.Context, resourceID, actorID string) error {
	unlock := e.lock("resource", resourceID)
	defer unlock()
	res, err := e.Repo.GetResource(ctx, resourceID)
	if err != nil {
		return notFound("resource", resourceID, err)
	}
	if e.Applier != nil {
		err := withTimeout(ctx, e.applyTimeout(), func(ctx context.Context) error {
			return e.Applier.DeleteResource(ctx, res)
		})
		if err != nil {
			return err
		}
	}
	now := e.now()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteResource(ctx, tx, res.ID); err != nil {
			return err
		}
		if _, err := e.cancelSchedulesTx(ctx, tx, repo.ScheduleFilters{ResourceID: res.ID}, "", actorID, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ResourceDeleted, "resource", res.ID, actorID, nil)
	})
	if err != nil {
		return err
	}
	e.Log.Info("resource deleted", zap.String("resource_id", res.ID), zap.String("external_id", res.ExternalID))
	return nil
}

func (e Engine) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	res, err := e.Repo.GetResource(ctx, id)
	return res, notFound("resource", id, err)
}

func (e Engine) ListResources(ctx context.Context) ([]domain.Resource, error) {
	return e.Repo.ListResources(ctx)
}

func (e Engine) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.ID) == "" {
		return u, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(u.FullName) == "" {
		return u, fmt.Errorf("%w: full name is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return u, fmt.Errorf("%w: email: %v", ErrValidation, err)
	}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	if !u.Role.Valid() {
		return u, fmt.Errorf("%w: unknown role %q", ErrValidation, u.Role)
	}
	u.CreatedAt = e.now()
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return u, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	return u, notFound("user", id, err)
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

// ListEvents returns the audit trail of an entity, newest first.
func (e Engine) ListEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, entityKind, entityID, limit)
}
