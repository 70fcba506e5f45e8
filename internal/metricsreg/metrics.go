// Package metricsreg registers this module's prometheus collectors,
// following the teacher's promauto/Namespace-Subsystem registration
// convention.
package metricsreg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nginxkit/proxycore/internal/headerfilter"
	"github.com/nginxkit/proxycore/internal/keepalive"
)

const namespace = "proxycore"

// PoolMetrics implements keepalive.Metrics against a prometheus registry.
type PoolMetrics struct {
	occupancy    *prometheus.GaugeVec
	admissions   *prometheus.CounterVec
	waitDepth    prometheus.Gauge
	overflowRejs prometheus.Counter
}

// NewPoolMetrics registers the keepalive pool's collectors on reg.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	factory := promauto.With(reg)
	return &PoolMetrics{
		occupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keepalive",
			Name:      "connections",
			Help:      "Current connection counts by pool list membership.",
		}, []string{"state"}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keepalive",
			Name:      "admissions_total",
			Help:      "GetPeer admission outcomes.",
		}, []string{"result"}),
		waitDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keepalive",
			Name:      "wait_queue_depth",
			Help:      "Current number of suspended callers in the wait queue.",
		}),
		overflowRejs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keepalive",
			Name:      "overflow_rejected_total",
			Help:      "Requests rejected due to pool/wait-queue saturation.",
		}),
	}
}

func (m *PoolMetrics) SetOccupancy(free, cached, inFlight int) {
	m.occupancy.WithLabelValues("free").Set(float64(free))
	m.occupancy.WithLabelValues("cached").Set(float64(cached))
	m.occupancy.WithLabelValues("in_flight").Set(float64(inFlight))
}

func (m *PoolMetrics) IncAdmission(result keepalive.Result) {
	m.admissions.WithLabelValues(result.String()).Inc()
}

func (m *PoolMetrics) SetWaitDepth(depth int) { m.waitDepth.Set(float64(depth)) }

func (m *PoolMetrics) IncOverflowReject() { m.overflowRejs.Inc() }

var _ keepalive.Metrics = (*PoolMetrics)(nil)

// FilterMetrics counts header-rule applications, registered separately so
// a deployment running only HF (no KP) need not pull in pool labels.
type FilterMetrics struct {
	rulesApplied *prometheus.CounterVec
}

func NewFilterMetrics(reg prometheus.Registerer) *FilterMetrics {
	factory := promauto.With(reg)
	return &FilterMetrics{
		rulesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "headerfilter",
			Name:      "rules_applied_total",
			Help:      "Header rule applications by handler kind.",
		}, []string{"kind"}),
	}
}

func (m *FilterMetrics) IncRuleApplied(kind string) { m.rulesApplied.WithLabelValues(kind).Inc() }

var _ headerfilter.RuleMetrics = (*FilterMetrics)(nil)
