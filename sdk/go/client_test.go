package rulegatesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rulegate/internal/applier"
	"rulegate/internal/config"
	"rulegate/internal/db"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/migrate"
	"rulegate/internal/notify"
	"rulegate/internal/scheduler"
	"rulegate/internal/server"
)

type fixture struct {
	Admin    *Client
	User     *Client
	Resource domain.Resource
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	log := zap.NewNop()
	e := engine.New(conn, cfg, applier.DryRun{Log: log}, notify.Discard{}, log)
	for _, u := range []domain.User{
		{ID: "root", FullName: "Root", Email: "root@example.com", Role: domain.RoleAdmin},
		{ID: "alice", FullName: "Alice", Email: "alice@example.com", Role: domain.RoleUser},
	} {
		_, err := e.CreateUser(ctx, u)
		require.NoError(t, err)
	}
	res, err := e.RegisterResource(ctx, engine.ResourceInput{ExternalID: "sg-api", Name: "api"}, "root")
	require.NoError(t, err)

	sched, err := scheduler.New(e, cfg, time.Now, log)
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e, Sweeps: sched, BasePath: "/v0"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := func(userID string) *Client {
		key, _, err := e.CreateAPIKey(ctx, userID, "sdk-test")
		require.NoError(t, err)
		c := New(srv.URL)
		c.APIKey = key
		return c
	}
	return fixture{Admin: client("root"), User: client("alice"), Resource: res}
}

func TestRequestWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	port := 8443

	req, err := f.User.CreateRequest(ctx, NewRequest{
		ResourceID: f.Resource.ID,
		Type:       "ADD",
		Priority:   "URGENT",
		Rule: &RuleSpec{
			Direction: "INBOUND",
			Protocol:  "tcp",
			FromPort:  &port,
			ToPort:    &port,
			CIDRs:     []string{"203.0.113.0/24"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "PENDING", req.Status)
	assert.Equal(t, "alice", req.RequesterID)

	_, err = f.User.Approve(ctx, req.ID, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	approved, err := f.Admin.Approve(ctx, req.ID, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, "APPLIED", approved.Status)
	assert.NotEmpty(t, approved.AppliedRuleID)
	assert.Equal(t, "looks fine", approved.ReviewComment)

	page, err := f.User.ListRequests(ctx, ListOptions{Statuses: []string{"APPLIED"}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Nil(t, page.NextOffset)

	stats, err := f.User.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Statistics{Total: 1, Approved: 1, Applied: 1}, stats)
}

func TestCancelAndMissingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.User.CreateRequest(ctx, NewRequest{
		ResourceID: f.Resource.ID,
		Type:       "ADD",
		Rule:       &RuleSpec{Direction: "OUTBOUND", CIDRs: []string{"0.0.0.0/0"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "MEDIUM", req.Priority)

	cancelled, err := f.User.Cancel(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", cancelled.Status)

	_, err = f.Admin.Reject(ctx, req.ID, "too late")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = f.User.GetRequest(ctx, "nope")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestScheduleAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.Admin.ScheduleExpiry(ctx, f.Resource.ID, "", time.Now().Add(72*time.Hour), "NOTIFY_ONLY")
	require.NoError(t, err)
	assert.Equal(t, "SCHEDULED", s.Status)

	active, err := f.User.ActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, s.ID, active[0].ID)

	report, err := f.Admin.RunSweep(ctx, "execution")
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Sweep: "execution"}, report)
}
