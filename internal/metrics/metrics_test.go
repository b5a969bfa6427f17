package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/domain"
)

func TestCounters(t *testing.T) {
	p := New()
	p.RequestTransition(domain.StatusPending)
	p.RequestTransition(domain.StatusPending)
	p.RequestTransition(domain.StatusApplied)
	p.ScheduleTransition(domain.ScheduleExecuted)
	p.NotificationSent(domain.NotifyExpiryWarning, nil)
	p.NotificationSent(domain.NotifyExpiryWarning, errors.New("smtp"))
	p.SweepFinished(domain.SweepReport{Sweep: "execution", Selected: 3, Succeeded: 2, Failed: 1}, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.requests.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues("APPLIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.schedules.WithLabelValues("EXECUTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.notifications.WithLabelValues("expiry.warning", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.sweepItems.WithLabelValues("execution", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sweepItems.WithLabelValues("execution", "failed")))
	assert.Positive(t, testutil.ToFloat64(p.lastSweep.WithLabelValues("execution")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	p := New()
	p.RequestTransition(domain.StatusRejected)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rulegate_request_transitions_total{status="REJECTED"} 1`)
}
