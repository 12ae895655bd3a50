package portmap

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the orchestrator's optional Prometheus instrumentation.
// Every method is nil-receiver safe so callers that don't supply a
// prometheus.Registerer pay nothing.
type metrics struct {
	mappingsActive  prometheus.Gauge
	addTotal        *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
	deleteTotal     *prometheus.CounterVec
}

// newMetrics registers the orchestrator's counters/gauges against reg. If
// reg is nil, instrumentation is disabled and all methods become no-ops.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		mappingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portmap_mappings_active",
			Help: "Number of mappings currently held in the registry.",
		}),
		addTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portmap_mapping_add_total",
			Help: "Count of AddMapping attempts by protocol and result.",
		}, []string{"protocol", "result"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portmap_mapping_refresh_total",
			Help: "Count of automatic mapping refreshes by protocol.",
		}, []string{"protocol"}),
		deleteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portmap_mapping_delete_total",
			Help: "Count of DeleteMapping calls by protocol and result.",
		}, []string{"protocol", "result"}),
	}

	for _, c := range []prometheus.Collector{m.mappingsActive, m.addTotal, m.refreshTotal, m.deleteTotal} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
				continue
			}
		}
	}

	return m
}

func (m *metrics) addResult(protocol Protocol, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.addTotal.WithLabelValues(protocol.String(), result).Inc()
}

func (m *metrics) deleteResult(protocol Protocol, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.deleteTotal.WithLabelValues(protocol.String(), result).Inc()
}

func (m *metrics) refresh(protocol Protocol) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(protocol.String()).Inc()
}

func (m *metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.mappingsActive.Set(float64(n))
}
