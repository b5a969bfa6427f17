package applier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rulegate/internal/domain"
)

type fakeEC2 struct {
	mu       sync.Mutex
	errs     []error
	ingress  []*ec2.AuthorizeSecurityGroupIngressInput
	egress   []*ec2.AuthorizeSecurityGroupEgressInput
	revokeIn []*ec2.RevokeSecurityGroupIngressInput
	deleted  []string
	calls    int
}

// next pops the next scripted error.
func (f *fakeEC2) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	f.ingress = append(f.ingress, in)
	return &ec2.AuthorizeSecurityGroupIngressOutput{
		SecurityGroupRules: []types.SecurityGroupRule{{SecurityGroupRuleId: aws.String("sgr-0abc")}},
	}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupEgress(ctx context.Context, in *ec2.AuthorizeSecurityGroupEgressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	f.egress = append(f.egress, in)
	return &ec2.AuthorizeSecurityGroupEgressOutput{
		SecurityGroupRules: []types.SecurityGroupRule{{SecurityGroupRuleId: aws.String("sgr-0def")}},
	}, nil
}

func (f *fakeEC2) RevokeSecurityGroupIngress(ctx context.Context, in *ec2.RevokeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	f.revokeIn = append(f.revokeIn, in)
	return &ec2.RevokeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) RevokeSecurityGroupEgress(ctx context.Context, in *ec2.RevokeSecurityGroupEgressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ec2.RevokeSecurityGroupEgressOutput{}, f.next()
}

func (f *fakeEC2) DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return nil, err
	}
	f.deleted = append(f.deleted, aws.ToString(in.GroupId))
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func newEC2(t *testing.T, client *fakeEC2) *EC2 {
	return &EC2{Client: client, MaxRetries: 3, BaseDelay: time.Millisecond, Log: zaptest.NewLogger(t)}
}

func ptr(v int) *int { return &v }

var group = domain.Resource{ID: "res-1", ExternalID: "sg-123", Name: "web"}

func TestApplyBuildsPermission(t *testing.T) {
	client := &fakeEC2{}
	a := newEC2(t, client)
	rule := domain.Rule{RuleSpec: domain.RuleSpec{
		Direction: domain.Inbound, Protocol: "tcp", FromPort: ptr(443), ToPort: ptr(443),
		CIDRs: []string{"10.0.0.0/8"}, IPv6CIDRs: []string{"2001:db8::/32"},
		PeerGroups:  []domain.PeerGroup{{GroupID: "sg-peer", OwnerID: "123456789012"}},
		Description: "https",
	}}
	id, err := a.Apply(context.Background(), group, rule)
	require.NoError(t, err)
	assert.Equal(t, "sgr-0abc", id)

	require.Len(t, client.ingress, 1)
	in := client.ingress[0]
	assert.Equal(t, "sg-123", aws.ToString(in.GroupId))
	require.Len(t, in.IpPermissions, 1)
	p := in.IpPermissions[0]
	assert.Equal(t, "tcp", aws.ToString(p.IpProtocol))
	assert.Equal(t, int32(443), aws.ToInt32(p.FromPort))
	assert.Equal(t, "10.0.0.0/8", aws.ToString(p.IpRanges[0].CidrIp))
	assert.Equal(t, "https", aws.ToString(p.IpRanges[0].Description))
	assert.Equal(t, "2001:db8::/32", aws.ToString(p.Ipv6Ranges[0].CidrIpv6))
	assert.Equal(t, "123456789012", aws.ToString(p.UserIdGroupPairs[0].UserId))

	rule.Direction = domain.Outbound
	id, err = a.Apply(context.Background(), group, rule)
	require.NoError(t, err)
	assert.Equal(t, "sgr-0def", id)
	assert.Len(t, client.egress, 1)
}

func TestApplyRetriesThrottling(t *testing.T) {
	client := &fakeEC2{errs: []error{apiErr("RequestLimitExceeded"), apiErr("Throttling")}}
	a := newEC2(t, client)
	id, err := a.Apply(context.Background(), group, domain.Rule{RuleSpec: domain.RuleSpec{Direction: domain.Inbound, Protocol: "-1", CIDRs: []string{"0.0.0.0/0"}}})
	require.NoError(t, err)
	assert.Equal(t, "sgr-0abc", id)
	assert.Equal(t, 3, client.calls)
}

func TestApplyDoesNotRetryRejection(t *testing.T) {
	client := &fakeEC2{errs: []error{apiErr("InvalidPermission.Duplicate")}}
	a := newEC2(t, client)
	_, err := a.Apply(context.Background(), group, domain.Rule{RuleSpec: domain.RuleSpec{Direction: domain.Inbound, Protocol: "-1", CIDRs: []string{"0.0.0.0/0"}}})
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "authorize", applyErr.Op)
	assert.Equal(t, "sg-123", applyErr.ResourceID)
	assert.Contains(t, err.Error(), "InvalidPermission.Duplicate")
}

func TestApplyGivesUpAfterMaxRetries(t *testing.T) {
	client := &fakeEC2{errs: []error{apiErr("Throttling"), apiErr("Throttling"), apiErr("Throttling"), apiErr("Throttling"), apiErr("Throttling")}}
	a := newEC2(t, client)
	_, err := a.Apply(context.Background(), group, domain.Rule{RuleSpec: domain.RuleSpec{Direction: domain.Inbound, Protocol: "-1", CIDRs: []string{"0.0.0.0/0"}}})
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Equal(t, 4, client.calls)
}

func TestRevoke(t *testing.T) {
	client := &fakeEC2{}
	a := newEC2(t, client)
	rule := domain.Rule{ID: "sgr-0abc", RuleSpec: domain.RuleSpec{Direction: domain.Inbound, Protocol: "tcp", CIDRs: []string{"10.0.0.0/8"}}}
	require.NoError(t, a.Revoke(context.Background(), group, rule))
	require.Len(t, client.revokeIn, 1)
	assert.Equal(t, []string{"sgr-0abc"}, client.revokeIn[0].SecurityGroupRuleIds)
	assert.Empty(t, client.revokeIn[0].IpPermissions)

	rule.ID = "imported-1"
	require.NoError(t, a.Revoke(context.Background(), group, rule))
	require.Len(t, client.revokeIn, 2)
	assert.Len(t, client.revokeIn[1].IpPermissions, 1)

	client.errs = []error{apiErr("InvalidPermission.NotFound")}
	assert.NoError(t, a.Revoke(context.Background(), group, rule))
}

func TestDeleteResource(t *testing.T) {
	client := &fakeEC2{}
	a := newEC2(t, client)
	require.NoError(t, a.DeleteResource(context.Background(), group))
	assert.Equal(t, []string{"sg-123"}, client.deleted)

	client.errs = []error{apiErr("InvalidGroup.NotFound")}
	assert.NoError(t, a.DeleteResource(context.Background(), group))

	client.errs = []error{apiErr("DependencyViolation")}
	assert.Error(t, a.DeleteResource(context.Background(), group))
}

type flakyApplier struct {
	err   error
	calls int
}

func (f *flakyApplier) Apply(ctx context.Context, res domain.Resource, rule domain.Rule) (string, error) {
	f.calls++
	return "sgr-1", f.err
}

func (f *flakyApplier) Revoke(ctx context.Context, res domain.Resource, rule domain.Rule) error {
	f.calls++
	return f.err
}

func (f *flakyApplier) DeleteResource(ctx context.Context, res domain.Resource) error {
	f.calls++
	return f.err
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	next := &flakyApplier{err: errors.New("connection reset")}
	b := NewBreaker(next, BreakerSettings{MaxFailures: 2, OpenTimeout: time.Minute}, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.Error(t, b.DeleteResource(ctx, group))
	assert.Error(t, b.DeleteResource(ctx, group))
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Revoke(ctx, group, domain.Rule{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, next.calls)
}

func TestBreakerIgnoresRejections(t *testing.T) {
	next := &flakyApplier{err: apiErr("InvalidPermission.Duplicate")}
	b := NewBreaker(next, BreakerSettings{MaxFailures: 1, OpenTimeout: time.Minute}, nil)
	for i := 0; i < 3; i++ {
		_, err := b.Apply(context.Background(), group, domain.Rule{})
		assert.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())

	next.err = nil
	id, err := b.Apply(context.Background(), group, domain.Rule{})
	require.NoError(t, err)
	assert.Equal(t, "sgr-1", id)
}

func TestDryRun(t *testing.T) {
	d := DryRun{Log: zaptest.NewLogger(t)}
	id, err := d.Apply(context.Background(), group, domain.Rule{})
	require.NoError(t, err)
	assert.Contains(t, id, "sgr-dryrun-")
	assert.NoError(t, d.Revoke(context.Background(), group, domain.Rule{ID: id}))
	assert.NoError(t, d.DeleteResource(context.Background(), group))
}
