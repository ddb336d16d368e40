package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the gateway, schema cache and boards.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	GatewayCalls   *prometheus.CounterVec
	GatewayLatency *prometheus.HistogramVec
	SchemaLookups  *prometheus.CounterVec
	BoardDrops     *prometheus.CounterVec
	BulkActions    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardline",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Remote document gateway calls by operation and outcome.",
		}, []string{"op", "doctype", "outcome"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boardline",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Remote document gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		SchemaLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardline",
			Subsystem: "schema",
			Name:      "lookups_total",
			Help:      "Schema cache lookups by result (hit, miss, shared, error).",
		}, []string{"result"}),
		BoardDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardline",
			Subsystem: "board",
			Name:      "drops_total",
			Help:      "Drag sessions by outcome.",
		}, []string{"outcome"}),
		BulkActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardline",
			Subsystem: "board",
			Name:      "bulk_items_total",
			Help:      "Items touched by bulk actions.",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.GatewayCalls, m.GatewayLatency, m.SchemaLookups, m.BoardDrops, m.BulkActions)
	}
	return m
}

func (m *Metrics) ObserveGatewayCall(op, doctype string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GatewayCalls.WithLabelValues(op, doctype, outcome).Inc()
	m.GatewayLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveSchemaLookup(result string) {
	if m == nil {
		return
	}
	m.SchemaLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDrop(outcome string) {
	if m == nil {
		return
	}
	m.BoardDrops.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBulk(action string, n int) {
	if m == nil {
		return
	}
	m.BulkActions.WithLabelValues(action).Add(float64(n))
}
