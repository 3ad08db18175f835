package relayd

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the in-memory stats snapshot into Prometheus gauges.
// This is additive observability (DESIGN.md): the admin API that would
// scrape it is out of core scope (spec.md §1), but the registry is still
// wired so nothing about the teacher's metrics.go idiom is lost. Gauges
// (not Counters) are used throughout because the source of truth is
// already the Counters struct in stats.go; Metrics.observe just
// publishes its current value on each Stats() call.
type Metrics struct {
	active      *prometheus.GaugeVec
	bytesIn     *prometheus.GaugeVec
	bytesOut    *prometheus.GaugeVec
	total       *prometheus.GaugeVec
	failed      *prometheus.GaugeVec
	blockedByIP *prometheus.GaugeVec
}

// NewMetrics registers the relayd_* metric families on reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_frontend_active_connections",
			Help: "In-flight connections or requests per frontend.",
		}, []string{"frontend"}),
		bytesIn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_frontend_bytes_in_total",
			Help: "Cumulative bytes read from clients per frontend.",
		}, []string{"frontend"}),
		bytesOut: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_frontend_bytes_out_total",
			Help: "Cumulative bytes written to clients per frontend.",
		}, []string{"frontend"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_frontend_connections_total",
			Help: "Cumulative connections or requests accepted per frontend.",
		}, []string{"frontend"}),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_frontend_failed_total",
			Help: "Cumulative flows that ended in a per-flow error or an admission rejection per frontend.",
		}, []string{"frontend"}),
		blockedByIP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayd_blocked_by_ip",
			Help: "Cumulative denylist rejections per source address.",
		}, []string{"addr"}),
	}
	reg.MustRegister(m.active, m.bytesIn, m.bytesOut, m.total, m.failed, m.blockedByIP)
	return m
}

// observe publishes one frontend's snapshot onto the gauges.
func (m *Metrics) observe(fs FrontendStats) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(fs.Name).Set(float64(fs.Counters.Active))
	m.bytesIn.WithLabelValues(fs.Name).Set(float64(fs.Counters.BytesIn))
	m.bytesOut.WithLabelValues(fs.Name).Set(float64(fs.Counters.BytesOut))
	m.total.WithLabelValues(fs.Name).Set(float64(fs.Counters.Total))
	m.failed.WithLabelValues(fs.Name).Set(float64(fs.Counters.Failed))
}

// SetBlockedByIP publishes the IP filter's cumulative blocked counters.
func (m *Metrics) SetBlockedByIP(counts map[string]int64) {
	if m == nil {
		return
	}
	for addr, n := range counts {
		m.blockedByIP.WithLabelValues(addr).Set(float64(n))
	}
}
