package applier

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rulegate/internal/domain"
)

// DryRun logs provider calls instead of making them.
type DryRun struct {
	Log *zap.Logger
}

func (d DryRun) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func (d DryRun) Apply(ctx context.Context, res domain.Resource, rule domain.Rule) (string, error) {
	id := "sgr-dryrun-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	d.log().Info("dry run: authorize", zap.String("group_id", res.ExternalID), zap.String("rule_id", id),
		zap.String("direction", string(rule.Direction)), zap.String("protocol", rule.Protocol),
		zap.Strings("cidrs", rule.CIDRs))
	return id, nil
}

func (d DryRun) Revoke(ctx context.Context, res domain.Resource, rule domain.Rule) error {
	d.log().Info("dry run: revoke", zap.String("group_id", res.ExternalID), zap.String("rule_id", rule.ID))
	return nil
}

func (d DryRun) DeleteResource(ctx context.Context, res domain.Resource) error {
	d.log().Info("dry run: delete group", zap.String("group_id", res.ExternalID))
	return nil
}
