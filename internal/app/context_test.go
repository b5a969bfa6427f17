package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/applier"
	"rulegate/internal/config"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/notify"
)

func TestOpenDryRunWorkspace(t *testing.T) {
	cfg := config.Default()
	cfg.AWS.DryRun = true
	ctx := context.Background()

	a, err := Open(ctx, Options{Workspace: t.TempDir(), Config: cfg})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Engine.CreateUser(ctx, domain.User{ID: "root", FullName: "Root", Email: "root@example.com", Role: domain.RoleAdmin})
	require.NoError(t, err)
	_, err = a.Engine.CreateUser(ctx, domain.User{ID: "alice", FullName: "Alice", Email: "alice@example.com", Role: domain.RoleUser})
	require.NoError(t, err)
	res, err := a.Engine.RegisterResource(ctx, engine.ResourceInput{ExternalID: "sg-web", OwnerID: "alice"}, "root")
	require.NoError(t, err)

	port := 443
	req, err := a.Engine.CreateRequest(ctx, engine.RequestInput{
		ResourceID:            res.ID,
		Type:                  domain.RequestAdd,
		Rule:                  domain.RuleSpec{Direction: domain.Inbound, Protocol: "tcp", FromPort: &port, ToPort: &port, CIDRs: []string{"10.0.0.0/8"}},
		BusinessJustification: "partner access",
	}, "alice")
	require.NoError(t, err)

	applied, err := a.Engine.ApproveRequest(ctx, req.ID, "root", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, applied.Status)
	assert.NotEmpty(t, applied.AppliedRuleID)
}

func TestOpenReopensMigratedWorkspace(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.AWS.DryRun = true
	ctx := context.Background()

	a, err := Open(ctx, Options{Workspace: dir, Config: cfg, Applier: applier.DryRun{}})
	require.NoError(t, err)
	_, err = a.Engine.CreateUser(ctx, domain.User{ID: "root", FullName: "Root", Email: "root@example.com", Role: domain.RoleAdmin})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = Open(ctx, Options{Workspace: dir, Config: cfg})
	require.NoError(t, err)
	defer a.Close()
	u, err := a.Engine.GetUser(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, u.Role)
}

func TestNewNotifier(t *testing.T) {
	cfg := config.Default()
	n, err := NewNotifier(cfg)
	require.NoError(t, err)
	assert.IsType(t, notify.Discard{}, n)

	cfg.Notifications.SlackWebhook = "https://hooks.example.com/T000"
	cfg.Notifications.SMTP.Host = "smtp.example.com"
	cfg.Notifications.SMTP.Port = 587
	cfg.Notifications.FromEmail = "rulegate@example.com"
	n, err = NewNotifier(cfg)
	require.NoError(t, err)
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}

func TestNewApplierDryRun(t *testing.T) {
	cfg := config.Default()
	cfg.AWS.DryRun = true
	a, err := NewApplier(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, applier.DryRun{}, a)
}
