package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rulegate/internal/domain"
)

// Prometheus records workflow and sweep metrics on its own registry.
type Prometheus struct {
	Registry *prometheus.Registry

	requests      *prometheus.CounterVec
	schedules     *prometheus.CounterVec
	sweepItems    *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	lastSweep     *prometheus.GaugeVec
	notifications *prometheus.CounterVec
}

func New() *Prometheus {
	p := &Prometheus{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "request_transitions_total",
			Help:      "Rule requests entering each status.",
		}, []string{"status"}),
		schedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "schedule_transitions_total",
			Help:      "Expiry schedules entering each status.",
		}, []string{"status"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "sweep_items_total",
			Help:      "Schedules handled by sweeps, by outcome.",
		}, []string{"sweep", "outcome"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rulegate",
			Name:      "sweep_duration_seconds",
			Help:      "Sweep run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		lastSweep: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rulegate",
			Name:      "sweep_last_run_timestamp_seconds",
			Help:      "Unix time the sweep last finished.",
		}, []string{"sweep"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "notifications_total",
			Help:      "Notifications attempted, by kind and result.",
		}, []string{"kind", "result"}),
	}
	p.Registry.MustRegister(
		p.requests, p.schedules, p.sweepItems, p.sweepDuration, p.lastSweep, p.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) RequestTransition(status domain.RequestStatus) {
	p.requests.WithLabelValues(string(status)).Inc()
}

func (p *Prometheus) ScheduleTransition(status domain.ScheduleStatus) {
	p.schedules.WithLabelValues(string(status)).Inc()
}

func (p *Prometheus) SweepFinished(r domain.SweepReport, took time.Duration) {
	p.sweepItems.WithLabelValues(r.Sweep, "succeeded").Add(float64(r.Succeeded))
	p.sweepItems.WithLabelValues(r.Sweep, "failed").Add(float64(r.Failed))
	p.sweepItems.WithLabelValues(r.Sweep, "skipped").Add(float64(r.Skipped))
	p.sweepDuration.WithLabelValues(r.Sweep).Observe(took.Seconds())
	p.lastSweep.WithLabelValues(r.Sweep).SetToCurrentTime()
}

func (p *Prometheus) NotificationSent(kind domain.NotificationKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.notifications.WithLabelValues(string(kind), result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry})
}
