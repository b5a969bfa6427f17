package applier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"rulegate/internal/config"
	"rulegate/internal/domain"
)

// Applier is the provider side of rule changes.
type Applier interface {
	Apply(ctx context.Context, res domain.Resource, rule domain.Rule) (string, error)
	Revoke(ctx context.Context, res domain.Resource, rule domain.Rule) error
	DeleteResource(ctx context.Context, res domain.Resource) error
}

// EC2API is the subset of the EC2 client used to manage security groups.
type EC2API interface {
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupEgress(ctx context.Context, in *ec2.AuthorizeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, in *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupEgress(ctx context.Context, in *ec2.RevokeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

// ApplyError is a provider failure for one operation on one resource.
type ApplyError struct {
	Op         string
	ResourceID string
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ResourceID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// EC2 applies rules to EC2 security groups. Resource.ExternalID is the group id.
type EC2 struct {
	Client     EC2API
	MaxRetries uint64
	BaseDelay  time.Duration
	Log        *zap.Logger
}

// NewEC2 builds an EC2 applier from the shared AWS configuration.
func NewEC2(ctx context.Context, cfg *config.Config, log *zap.Logger) (*EC2, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EC2{
		Client:     ec2.NewFromConfig(awsCfg),
		MaxRetries: cfg.AWS.MaxRetries,
		BaseDelay:  500 * time.Millisecond,
		Log:        log,
	}, nil
}

var retryableCodes = map[string]bool{
	"RequestLimitExceeded": true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"ServiceUnavailable":   true,
	"Unavailable":          true,
	"InternalError":        true,
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// Retryable reports whether err is a throttling or transient provider failure.
func Retryable(err error) bool {
	return retryableCodes[errorCode(err)]
}

func (a *EC2) call(ctx context.Context, op, resourceID string, fn func(ctx context.Context) error) error {
	base := a.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(a.MaxRetries, retry.WithJitterPercent(10, retry.NewExponential(base)))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && Retryable(err) {
			if a.Log != nil {
				a.Log.Debug("provider call throttled", zap.String("op", op), zap.String("resource", resourceID),
					zap.Int("attempt", attempt), zap.Error(err))
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return &ApplyError{Op: op, ResourceID: resourceID, Err: err}
	}
	return nil
}

func permission(spec domain.RuleSpec) types.IpPermission {
	p := types.IpPermission{IpProtocol: aws.String(spec.Protocol)}
	if spec.FromPort != nil {
		p.FromPort = aws.Int32(int32(*spec.FromPort))
	}
	if spec.ToPort != nil {
		p.ToPort = aws.Int32(int32(*spec.ToPort))
	}
	var desc *string
	if spec.Description != "" {
		desc = aws.String(spec.Description)
	}
	for _, c := range spec.CIDRs {
		p.IpRanges = append(p.IpRanges, types.IpRange{CidrIp: aws.String(c), Description: desc})
	}
	for _, c := range spec.IPv6CIDRs {
		p.Ipv6Ranges = append(p.Ipv6Ranges, types.Ipv6Range{CidrIpv6: aws.String(c), Description: desc})
	}
	for _, g := range spec.PeerGroups {
		pair := types.UserIdGroupPair{GroupId: aws.String(g.GroupID), Description: desc}
		if g.OwnerID != "" {
			pair.UserId = aws.String(g.OwnerID)
		}
		p.UserIdGroupPairs = append(p.UserIdGroupPairs, pair)
	}
	return p
}

func firstRuleID(rules []types.SecurityGroupRule) string {
	for _, r := range rules {
		if id := aws.ToString(r.SecurityGroupRuleId); id != "" {
			return id
		}
	}
	return ""
}

// Apply authorizes rule on the group and returns the new security group rule id.
func (a *EC2) Apply(ctx context.Context, res domain.Resource, rule domain.Rule) (string, error) {
	perms := []types.IpPermission{permission(rule.RuleSpec)}
	group := aws.String(res.ExternalID)
	var id string
	err := a.call(ctx, "authorize", res.ExternalID, func(ctx context.Context) error {
		switch rule.Direction {
		case domain.Inbound:
			out, err := a.Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{GroupId: group, IpPermissions: perms})
			if err != nil {
				return err
			}
			id = firstRuleID(out.SecurityGroupRules)
		case domain.Outbound:
			out, err := a.Client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{GroupId: group, IpPermissions: perms})
			if err != nil {
				return err
			}
			id = firstRuleID(out.SecurityGroupRules)
		default:
			return fmt.Errorf("unknown direction %q", rule.Direction)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	a.logf("rule authorized", res, id)
	return id, nil
}

// Revoke removes rule from the group. Rules the provider no longer has are
// treated as revoked.
func (a *EC2) Revoke(ctx context.Context, res domain.Resource, rule domain.Rule) error {
	group := aws.String(res.ExternalID)
	// provider ids are revoked by id, imported rules by their permission
	var ids []string
	var perms []types.IpPermission
	if strings.HasPrefix(rule.ID, "sgr-") {
		ids = []string{rule.ID}
	} else {
		perms = []types.IpPermission{permission(rule.RuleSpec)}
	}
	err := a.call(ctx, "revoke", res.ExternalID, func(ctx context.Context) error {
		var err error
		switch rule.Direction {
		case domain.Inbound:
			_, err = a.Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId: group, SecurityGroupRuleIds: ids, IpPermissions: perms,
			})
		case domain.Outbound:
			_, err = a.Client.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId: group, SecurityGroupRuleIds: ids, IpPermissions: perms,
			})
		default:
			return fmt.Errorf("unknown direction %q", rule.Direction)
		}
		if errorCode(err) == "InvalidPermission.NotFound" || errorCode(err) == "InvalidSecurityGroupRuleId.NotFound" {
			a.logf("rule already absent", res, rule.ID)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	a.logf("rule revoked", res, rule.ID)
	return nil
}

// DeleteResource deletes the security group. A group that is already gone counts as deleted.
func (a *EC2) DeleteResource(ctx context.Context, res domain.Resource) error {
	return a.call(ctx, "delete", res.ExternalID, func(ctx context.Context) error {
		_, err := a.Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(res.ExternalID)})
		if errorCode(err) == "InvalidGroup.NotFound" {
			a.logf("group already absent", res, "")
			return nil
		}
		return err
	})
}

func (a *EC2) logf(msg string, res domain.Resource, ruleID string) {
	if a.Log == nil {
		return
	}
	a.Log.Info(msg, zap.String("group_id", res.ExternalID), zap.String("rule_id", ruleID))
}
