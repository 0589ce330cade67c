package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the sidecar. Pass to components
// that need to record; the control listener serves the scrape endpoint.
type Metrics struct {
	GateDecisionsTotal  *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ApprovalsTotal      *prometheus.CounterVec
	BudgetSuspended     prometheus.Gauge
	ReplayBlocksTotal   prometheus.Counter
	InvariantFailsTotal *prometheus.CounterVec
	AuditDropsTotal     prometheus.Counter
	RateLimitKeys       prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		GateDecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clawee",
				Name:      "gate_decisions_total",
				Help:      "Pipeline decisions by terminating gate and outcome",
			},
			[]string{"gate", "decision"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "clawee",
				Name:      "request_duration_seconds",
				Help:      "Gateway request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		ApprovalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clawee",
				Name:      "approvals_total",
				Help:      "Approval record transitions by resulting status",
			},
			[]string{"status"},
		),
		BudgetSuspended: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "clawee",
				Name:      "budget_suspended",
				Help:      "1 while the budget is suspended, 0 otherwise",
			},
		),
		ReplayBlocksTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "clawee",
				Name:      "replay_blocks_total",
				Help:      "Requests denied by replay protection",
			},
		),
		InvariantFailsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clawee",
				Name:      "invariant_failures_total",
				Help:      "Security invariant check failures",
			},
			[]string{"invariant"},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "clawee",
				Name:      "audit_drops_total",
				Help:      "Audit records dropped due to backpressure",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "clawee",
				Name:      "rate_limit_keys",
				Help:      "Control tokens currently tracked by the rate limiter",
			},
		),
	}
}
