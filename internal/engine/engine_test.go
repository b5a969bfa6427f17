package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rulegate/internal/config"
	"rulegate/internal/db"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/migrate"
)

var baseTime = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeApplier struct {
	mu         sync.Mutex
	seq        int
	applyErr   error
	revokeErr  error
	deleteErr  map[string]error
	block      chan struct{}
	applied    []domain.Rule
	revoked    []domain.Rule
	deleted    []string
	applyCalls int
}

func (f *fakeApplier) Apply(ctx context.Context, res domain.Resource, rule domain.Rule) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.seq++
	rule.ID = fmt.Sprintf("sgr-%d", f.seq)
	f.applied = append(f.applied, rule)
	return rule.ID, nil
}

func (f *fakeApplier) Revoke(ctx context.Context, res domain.Resource, rule domain.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, rule)
	return nil
}

func (f *fakeApplier) DeleteResource(ctx context.Context, res domain.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[res.ExternalID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, res.ExternalID)
	return nil
}

func (f *fakeApplier) calls() (apply, revoke, del int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyCalls, len(f.revoked), len(f.deleted)
}

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	block chan struct{}
	sent  []domain.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n domain.Notification) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeNotifier) count(kind domain.NotificationKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) last(kind domain.NotificationKind) (domain.Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Kind == kind {
			return f.sent[i], true
		}
	}
	return domain.Notification{}, false
}

type testEnv struct {
	Conn     *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Ctx      context.Context
	Clock    *clock
	Applier  *fakeApplier
	Notifier *fakeNotifier
	Resource domain.Resource
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Timeouts.Apply = config.Duration(200 * time.Millisecond)
	cfg.Timeouts.Notify = config.Duration(200 * time.Millisecond)
	applier := &fakeApplier{deleteErr: map[string]error{}}
	notifier := &fakeNotifier{}
	clk := &clock{t: baseTime}
	eng := engine.New(conn, cfg, applier, notifier, zaptest.NewLogger(t))
	eng.Now = clk.Now
	eng.Events.Now = clk.Now
	ctx := context.Background()

	for _, u := range []domain.User{
		{ID: "alice", FullName: "Alice Doe", Email: "alice@example.com"},
		{ID: "carol", FullName: "Carol Roe", Email: "carol@example.com"},
		{ID: "bob", FullName: "Bob Admin", Email: "bob@example.com", Role: domain.RoleAdmin},
	} {
		_, err := eng.CreateUser(ctx, u)
		require.NoError(t, err)
	}
	res, err := eng.RegisterResource(ctx, engine.ResourceInput{
		ExternalID: "sg-web",
		Name:       "web",
		Rules:      []engine.RuleInput{{ID: "sgr-ssh", Spec: sshRule()}},
	}, "bob")
	require.NoError(t, err)
	return testEnv{Conn: conn, Config: cfg, Engine: eng, Ctx: ctx, Clock: clk, Applier: applier, Notifier: notifier, Resource: res}
}

func port(p int) *int { return &p }

func sshRule() domain.RuleSpec {
	return domain.RuleSpec{
		Direction: domain.Inbound,
		Protocol:  "tcp",
		FromPort:  port(22),
		ToPort:    port(22),
		CIDRs:     []string{"10.0.0.0/8"},
	}
}

func httpsRule() domain.RuleSpec {
	return domain.RuleSpec{
		Direction: domain.Inbound,
		Protocol:  "TCP",
		FromPort:  port(443),
		ToPort:    port(443),
		CIDRs:     []string{"192.168.1.0/24"},
	}
}

func (env testEnv) addRequest(t *testing.T, priority domain.Priority) domain.RuleRequest {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.RequestInput{
		ResourceID:            env.Resource.ID,
		Type:                  domain.RequestAdd,
		Rule:                  httpsRule(),
		BusinessJustification: "public site",
		Priority:              priority,
	}, "alice")
	require.NoError(t, err)
	return req
}

func TestCreateRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, "")
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, domain.PriorityMedium, req.Priority)
	assert.Equal(t, "Alice Doe", req.RequesterName)
	assert.Equal(t, "tcp", req.Rule.Protocol)
	assert.Equal(t, baseTime, req.RequestedAt)
	assert.Empty(t, req.ReviewerID)
	assert.Equal(t, 1, env.Notifier.count(domain.NotifyNewRequest))
	apply, _, _ := env.Applier.calls()
	assert.Zero(t, apply)

	_, err := env.Engine.CreateRequest(env.Ctx, engine.RequestInput{ResourceID: "missing", Type: domain.RequestAdd, Rule: httpsRule()}, "alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestInput{ResourceID: env.Resource.ID, Type: domain.RequestAdd, Rule: httpsRule()}, "nobody")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestInput{ResourceID: env.Resource.ID, Type: domain.RequestDelete, TargetRuleID: "nope"}, "alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	bad := httpsRule()
	bad.CIDRs = []string{"10.0.0.300/8"}
	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestInput{ResourceID: env.Resource.ID, Type: domain.RequestAdd, Rule: bad}, "alice")
	assert.ErrorIs(t, err, engine.ErrValidation)

	past := baseTime.Add(-time.Hour)
	bad = httpsRule()
	bad.ExpiresAt = &past
	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestInput{ResourceID: env.Resource.ID, Type: domain.RequestAdd, Rule: bad}, "alice")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestApproveAppliesRule(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)

	got, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, got.Status)
	assert.Equal(t, "sgr-1", got.AppliedRuleID)
	assert.Equal(t, "Bob Admin", got.ReviewerName)
	assert.Equal(t, "ok", got.ReviewComment)
	require.NotNil(t, got.ReviewedAt)
	assert.Equal(t, 1, env.Notifier.count(domain.NotifyRequestApproved))

	res, err := env.Engine.GetResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	_, ok := res.Rule("sgr-1")
	assert.True(t, ok)

	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, stored.Status)
	assert.Equal(t, "sgr-1", stored.AppliedRuleID)
}

func TestApproveFailureRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	env.Applier.applyErr = errors.New("InvalidPermission.Duplicate")
	req := env.addRequest(t, domain.PriorityLow)

	got, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Empty(t, got.AppliedRuleID)
	assert.Equal(t, "bob", got.ReviewerID)
	assert.Contains(t, got.ReviewComment, "Failed to apply rule: ")
	assert.Contains(t, got.ReviewComment, "InvalidPermission.Duplicate")
	assert.Zero(t, env.Notifier.count(domain.NotifyRequestApproved))

	res, err := env.Engine.GetResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	assert.Len(t, res.Rules, 1)
}

func TestApproveTimeoutFails(t *testing.T) {
	env := newTestEnv(t)
	env.Applier.block = make(chan struct{})
	t.Cleanup(func() { close(env.Applier.block) })
	req := env.addRequest(t, domain.PriorityLow)

	got, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ReviewComment, "timed out")
}

func TestApproveUnknownReviewerUsesID(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)
	got, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "oncall-bot", "")
	require.NoError(t, err)
	assert.Equal(t, "oncall-bot", got.ReviewerName)
}

func TestApproveSchedulesRuleExpiry(t *testing.T) {
	env := newTestEnv(t)
	expires := baseTime.Add(72 * time.Hour)
	spec := httpsRule()
	spec.ExpiresAt = &expires
	spec.AutoDelete = true
	req, err := env.Engine.CreateRequest(env.Ctx, engine.RequestInput{ResourceID: env.Resource.ID, Type: domain.RequestAdd, Rule: spec}, "alice")
	require.NoError(t, err)

	got, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApplied, got.Status)

	schedules, err := env.Engine.ListSchedulesForResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, got.AppliedRuleID, schedules[0].RuleID)
	assert.Equal(t, domain.ActionDeleteRule, schedules[0].Action)
	assert.Equal(t, domain.ScheduleScheduled, schedules[0].Status)
	assert.True(t, expires.Equal(schedules[0].ExpiresAt))
	assert.False(t, schedules[0].NotifiedOneDayBefore)
	assert.False(t, schedules[0].NotifiedSameDay)
}

func TestDeleteAndModifyRequests(t *testing.T) {
	env := newTestEnv(t)
	expires := baseTime.Add(48 * time.Hour)
	_, err := env.Engine.SetRuleExpiry(env.Ctx, env.Resource.ID, "sgr-ssh", &expires, true, "bob")
	require.NoError(t, err)

	mod, err := env.Engine.CreateRequest(env.Ctx, engine.RequestInput{
		ResourceID: env.Resource.ID, Type: domain.RequestModify, TargetRuleID: "sgr-ssh", Rule: httpsRule(),
	}, "alice")
	require.NoError(t, err)
	got, err := env.Engine.ApproveRequest(env.Ctx, mod.ID, "bob", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApplied, got.Status)

	res, err := env.Engine.GetResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	_, hasOld := res.Rule("sgr-ssh")
	_, hasNew := res.Rule(got.AppliedRuleID)
	assert.False(t, hasOld)
	assert.True(t, hasNew)

	active, err := env.Engine.ListActiveSchedules(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "schedules of the replaced rule are cancelled")

	del, err := env.Engine.CreateRequest(env.Ctx, engine.RequestInput{
		ResourceID: env.Resource.ID, Type: domain.RequestDelete, TargetRuleID: got.AppliedRuleID,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tcp", del.Rule.Protocol)
	got, err = env.Engine.ApproveRequest(env.Ctx, del.ID, "bob", "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApplied, got.Status)
	res, err = env.Engine.GetResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
}

func TestModifyRollsBackWhenRevokeFails(t *testing.T) {
	env := newTestEnv(t)
	env.Applier.revokeErr = errors.New("DependencyViolation")
	mod, err := env.Engine.CreateRequest(env.Ctx, engine.RequestInput{
		ResourceID: env.Resource.ID, Type: domain.RequestModify, TargetRuleID: "sgr-ssh", Rule: httpsRule(),
	}, "alice")
	require.NoError(t, err)
	got, err := env.Engine.ApproveRequest(env.Ctx, mod.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	res, err := env.Engine.GetResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)
	assert.Equal(t, "sgr-ssh", res.Rules[0].ID)
}

func TestNonPendingTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)
	_, err := env.Engine.RejectRequest(env.Ctx, req.ID, "bob", "no")
	require.NoError(t, err)
	before, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)

	_, err = env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "")
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	_, err = env.Engine.RejectRequest(env.Ctx, req.ID, "bob", "")
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	_, err = env.Engine.CancelRequest(env.Ctx, req.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	after, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	apply, _, _ := env.Applier.calls()
	assert.Zero(t, apply)

	_, err = env.Engine.ApproveRequest(env.Ctx, "missing", "bob", "")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRejectNotifiesRequester(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)
	got, err := env.Engine.RejectRequest(env.Ctx, req.ID, "bob", "too broad")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, "too broad", got.ReviewComment)
	assert.Equal(t, "Bob Admin", got.ReviewerName)
	assert.Empty(t, got.AppliedRuleID)
	assert.Equal(t, 1, env.Notifier.count(domain.NotifyRequestRejected))
}

func TestCancelOnlyByRequester(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)

	_, err := env.Engine.CancelRequest(env.Ctx, req.ID, "bob")
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.CancelRequest(env.Ctx, req.ID, "carol")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	got, err := env.Engine.CancelRequest(env.Ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, got.ReviewerID)
}

func TestConcurrentReviewsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, results[i] = env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "")
			} else {
				_, results[i] = env.Engine.RejectRequest(env.Ctx, req.ID, "bob", "")
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)
	apply, _, _ := env.Applier.calls()
	assert.LessOrEqual(t, apply, 1)
}

// peer returns a second engine on the same database with its own locks, as a
// CLI process would have next to `rg serve`.
func (env testEnv) peer(t *testing.T, applier engine.RuleApplier) engine.Engine {
	t.Helper()
	eng := engine.New(env.Conn, env.Config, applier, &fakeNotifier{}, zaptest.NewLogger(t))
	eng.Now = env.Clock.Now
	eng.Events.Now = env.Clock.Now
	return eng
}

func assertReviewFields(t *testing.T, req domain.RuleRequest) {
	t.Helper()
	if req.Status.Reviewed() {
		assert.NotEmpty(t, req.ReviewerID, "reviewer of %s request", req.Status)
		assert.NotNil(t, req.ReviewedAt, "review time of %s request", req.Status)
		return
	}
	assert.Empty(t, req.ReviewerID)
	assert.Nil(t, req.ReviewedAt)
}

func TestApprovalClaimBlocksOtherEngines(t *testing.T) {
	env := newTestEnv(t)
	env.Applier.block = make(chan struct{})
	req := env.addRequest(t, domain.PriorityHigh)
	other := env.peer(t, env.Applier)

	done := make(chan domain.RuleRequest, 1)
	go func() {
		got, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "ok")
		assert.NoError(t, err)
		done <- got
	}()
	require.Eventually(t, func() bool {
		cur, err := other.GetRequest(env.Ctx, req.ID)
		return err == nil && cur.ApplyClaimedAt != nil
	}, 5*time.Second, 5*time.Millisecond)

	pending, err := other.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)

	_, err = other.CancelRequest(env.Ctx, req.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrConflict)
	_, err = other.RejectRequest(env.Ctx, req.ID, "bob", "no")
	assert.ErrorIs(t, err, engine.ErrConflict)
	_, err = other.ApproveRequest(env.Ctx, req.ID, "bob", "again")
	assert.ErrorIs(t, err, engine.ErrConflict)

	close(env.Applier.block)
	got := <-done
	assert.Equal(t, domain.StatusApplied, got.Status)
	assert.Nil(t, got.ApplyClaimedAt)
	assertReviewFields(t, got)

	apply, _, _ := env.Applier.calls()
	assert.Equal(t, 1, apply)
	res, err := other.GetResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	assert.Len(t, res.Rules, 2)

	final, err := other.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, final.Status.Terminal())
	_, err = other.CancelRequest(env.Ctx, req.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestStaleSnapshotCannotReachProvider(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)
	other := &fakeApplier{deleteErr: map[string]error{}}
	approver := env.peer(t, other)

	// the request changes under a reviewer that already read it
	snapshot, err := approver.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	_, err = env.Engine.CancelRequest(env.Ctx, req.ID, "alice")
	require.NoError(t, err)

	tx, err := approver.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, approver.Repo.ClaimRuleRequest(env.Ctx, tx, &snapshot, baseTime), engine.ErrConflict)
	require.NoError(t, tx.Rollback())

	_, err = approver.ApproveRequest(env.Ctx, req.ID, "bob", "")
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	apply, _, _ := other.calls()
	assert.Zero(t, apply)

	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assertReviewFields(t, got)
}

func TestAbandonedClaimExpires(t *testing.T) {
	env := newTestEnv(t)
	req := env.addRequest(t, domain.PriorityLow)

	// a reviewer claimed the request and then went away
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.ClaimRuleRequest(env.Ctx, tx, &req, baseTime))
	require.NoError(t, tx.Commit())

	_, err = env.Engine.CancelRequest(env.Ctx, req.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrConflict)

	env.Clock.Set(baseTime.Add(time.Minute))
	got, err := env.Engine.CancelRequest(env.Ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestHighPriorityPending(t *testing.T) {
	env := newTestEnv(t)
	urgent := env.addRequest(t, domain.PriorityUrgent)
	env.addRequest(t, domain.PriorityLow)
	high := env.addRequest(t, domain.PriorityHigh)

	list, err := env.Engine.ListHighPriorityPending(env.Ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{urgent.ID, high.ID}, ids)

	_, err = env.Engine.ApproveRequest(env.Ctx, urgent.ID, "bob", "")
	require.NoError(t, err)
	list, err = env.Engine.ListHighPriorityPending(env.Ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, high.ID, list[0].ID)
}

func TestStatisticsMatchListing(t *testing.T) {
	env := newTestEnv(t)
	a := env.addRequest(t, domain.PriorityLow)
	b := env.addRequest(t, domain.PriorityLow)
	c := env.addRequest(t, domain.PriorityLow)
	env.addRequest(t, domain.PriorityLow)
	env.Applier.applyErr = errors.New("boom")
	d := env.addRequest(t, domain.PriorityLow)

	_, err := env.Engine.RejectRequest(env.Ctx, a.ID, "bob", "")
	require.NoError(t, err)
	_, err = env.Engine.CancelRequest(env.Ctx, b.ID, "alice")
	require.NoError(t, err)
	_, err = env.Engine.ApproveRequest(env.Ctx, d.ID, "bob", "")
	require.NoError(t, err)
	env.Applier.applyErr = nil
	_, err = env.Engine.ApproveRequest(env.Ctx, c.ID, "bob", "")
	require.NoError(t, err)

	st, err := env.Engine.Statistics(env.Ctx)
	require.NoError(t, err)
	all, err := env.Engine.ListByRequester(env.Ctx, "alice")
	require.NoError(t, err)
	pending, err := env.Engine.ListPending(env.Ctx)
	require.NoError(t, err)
	rejected, err := env.Engine.ListByStatus(env.Ctx, domain.StatusRejected)
	require.NoError(t, err)

	assert.Equal(t, len(all), st.Total)
	assert.Equal(t, len(pending), st.Pending)
	assert.Equal(t, len(rejected), st.Rejected)
	assert.Equal(t, 2, st.Approved)
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, st.Total, st.Pending+st.Approved+st.Rejected+st.Cancelled)
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.err = errors.New("smtp down")
	req := env.addRequest(t, domain.PriorityLow)
	got, err := env.Engine.ApproveRequest(env.Ctx, req.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, got.Status)
}

func TestNotifierTimeoutIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.block = make(chan struct{})
	t.Cleanup(func() { close(env.Notifier.block) })
	start := time.Now()
	req := env.addRequest(t, domain.PriorityLow)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResourceExpiryRescheduling(t *testing.T) {
	env := newTestEnv(t)
	first := baseTime.Add(48 * time.Hour)
	_, err := env.Engine.SetResourceExpiry(env.Ctx, env.Resource.ID, &first, true, "bob")
	require.NoError(t, err)
	second := baseTime.Add(96 * time.Hour)
	res, err := env.Engine.SetResourceExpiry(env.Ctx, env.Resource.ID, &second, true, "bob")
	require.NoError(t, err)
	assert.True(t, res.AutoDelete)

	active, err := env.Engine.ListActiveSchedules(env.Ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.ActionDeleteGroup, active[0].Action)
	assert.True(t, second.Equal(active[0].ExpiresAt))

	_, err = env.Engine.SetResourceExpiry(env.Ctx, env.Resource.ID, nil, false, "bob")
	require.NoError(t, err)
	active, err = env.Engine.ListActiveSchedules(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = env.Engine.SetResourceExpiry(env.Ctx, env.Resource.ID, nil, true, "bob")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestDeleteResourceCancelsSchedules(t *testing.T) {
	env := newTestEnv(t)
	expires := baseTime.Add(48 * time.Hour)
	_, err := env.Engine.SetRuleExpiry(env.Ctx, env.Resource.ID, "sgr-ssh", &expires, true, "bob")
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteResource(env.Ctx, env.Resource.ID, "bob"))
	_, _, del := env.Applier.calls()
	assert.Equal(t, 1, del)
	_, err = env.Engine.GetResource(env.Ctx, env.Resource.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)

	schedules, err := env.Engine.ListSchedulesForResource(env.Ctx, env.Resource.ID)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, domain.ScheduleCancelled, schedules[0].Status)

	evts, err := env.Engine.ListEvents(env.Ctx, "resource", env.Resource.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "resource.deleted", evts[0].Type)
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, "bob", "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, "rg_"))
	assert.NotContains(t, key.KeyHash, plain)

	u, err := env.Engine.AuthenticateAPIKey(env.Ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.ID)

	_, err = env.Engine.AuthenticateAPIKey(env.Ctx, "rg_wrong")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "nobody", "x")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "bob")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID))
	_, err = env.Engine.AuthenticateAPIKey(env.Ctx, plain)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID), engine.ErrNotFound)
}
