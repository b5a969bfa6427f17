package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/domain"
)

func intp(v int) *int { return &v }

func TestNormalizeProtocol(t *testing.T) {
	cases := map[string]string{
		"TCP":    "tcp",
		" udp ":  "udp",
		"ICMPv6": "icmpv6",
		"":       "-1",
		"all":    "-1",
		"-1":     "-1",
		"50":     "50",
	}
	for in, want := range cases {
		got, err := normalizeProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"gre", "256", "-2"} {
		_, err := normalizeProtocol(in)
		assert.ErrorIs(t, err, ErrValidation, in)
	}
}

func TestValidateRuleSpec(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	base := domain.RuleSpec{Direction: domain.Inbound, Protocol: "tcp", FromPort: intp(80), ToPort: intp(80), CIDRs: []string{"0.0.0.0/0"}}

	_, err := validateRuleSpec(base, now)
	require.NoError(t, err)

	bad := []func(s *domain.RuleSpec){
		func(s *domain.RuleSpec) { s.Direction = "SIDEWAYS" },
		func(s *domain.RuleSpec) { s.FromPort, s.ToPort = intp(90), intp(80) },
		func(s *domain.RuleSpec) { s.ToPort = nil },
		func(s *domain.RuleSpec) { s.ToPort = intp(70000) },
		func(s *domain.RuleSpec) { s.Protocol = "all" },
		func(s *domain.RuleSpec) { s.CIDRs = nil },
		func(s *domain.RuleSpec) { s.CIDRs = []string{"2001:db8::/32"} },
		func(s *domain.RuleSpec) { s.IPv6CIDRs = []string{"10.0.0.0/8"} },
		func(s *domain.RuleSpec) { s.PeerGroups = []domain.PeerGroup{{}} },
		func(s *domain.RuleSpec) { s.AutoDelete = true },
		func(s *domain.RuleSpec) { past := now.Add(-time.Minute); s.ExpiresAt = &past },
	}
	for i, mutate := range bad {
		spec := base
		mutate(&spec)
		_, err := validateRuleSpec(spec, now)
		assert.ErrorIs(t, err, ErrValidation, "case %d", i)
	}

	icmp := domain.RuleSpec{Direction: domain.Outbound, Protocol: "ICMP", FromPort: intp(-1), ToPort: intp(-1),
		PeerGroups: []domain.PeerGroup{{GroupID: "sg-peer"}}}
	got, err := validateRuleSpec(icmp, now)
	require.NoError(t, err)
	assert.Equal(t, "icmp", got.Protocol)
}

func TestEndOfDay(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	at := time.Date(2024, 3, 30, 23, 30, 0, 0, time.UTC) // already Mar 31 in Paris
	end := endOfDay(at, loc)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, loc).Add(-time.Nanosecond), end)
}

func TestTransitions(t *testing.T) {
	assert.NoError(t, ensureRequestTransition(domain.StatusPending, domain.StatusApproved))
	assert.NoError(t, ensureRequestTransition(domain.StatusApproved, domain.StatusFailed))
	assert.ErrorIs(t, ensureRequestTransition(domain.StatusPending, domain.StatusApplied), ErrInvalidState)
	assert.ErrorIs(t, ensureRequestTransition(domain.StatusApplied, domain.StatusCancelled), ErrInvalidState)

	assert.NoError(t, ensureScheduleTransition(domain.ScheduleNotificationSent, domain.ScheduleExecuted))
	assert.ErrorIs(t, ensureScheduleTransition(domain.ScheduleExecuted, domain.ScheduleCancelled), ErrInvalidState)
	assert.ErrorIs(t, ensureScheduleTransition(domain.ScheduleNotificationSent, domain.ScheduleScheduled), ErrInvalidState)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, k.locks)

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	unlockB()
	unlockA()
}
