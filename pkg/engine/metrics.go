package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Token metrics
	tokensTotal  *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	// Row metrics
	rowsIngested    prometheus.Counter
	rowsQuarantined *prometheus.CounterVec

	// Aggregation metrics
	flushesTotal *prometheus.CounterVec
	bufferedRows prometheus.Gauge

	// Join metrics
	joinGroupsActive    prometheus.Gauge
	joinGroupsAbandoned *prometheus.CounterVec

	// Retry metrics
	pluginRetries *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all engine metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rowline_tokens_total",
				Help: "Total number of tokens processed by node and outcome",
			},
			[]string{"node", "outcome"},
		),

		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rowline_node_duration_seconds",
				Help:    "Plugin execution latency per node in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node", "kind"},
		),

		rowsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rowline_rows_ingested_total",
				Help: "Total number of rows read from the source",
			},
		),

		rowsQuarantined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rowline_rows_quarantined_total",
				Help: "Total number of rows quarantined by node",
			},
			[]string{"node"},
		),

		flushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rowline_aggregate_flushes_total",
				Help: "Total number of aggregation buffer flushes by node and trigger",
			},
			[]string{"node", "trigger"},
		),

		bufferedRows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rowline_aggregate_buffered_rows",
				Help: "Number of rows currently parked in aggregation buffers",
			},
		),

		joinGroupsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rowline_join_groups_active",
				Help: "Number of fork groups currently waiting at coalesce nodes",
			},
		),

		joinGroupsAbandoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rowline_join_groups_abandoned_total",
				Help: "Total number of join groups abandoned by reason",
			},
			[]string{"reason"},
		),

		pluginRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rowline_plugin_retries_total",
				Help: "Total number of plugin retry attempts by node",
			},
			[]string{"node"},
		),

		registry: registry,
	}

	// Register all metrics
	registry.MustRegister(
		m.tokensTotal,
		m.nodeDuration,
		m.rowsIngested,
		m.rowsQuarantined,
		m.flushesTotal,
		m.bufferedRows,
		m.joinGroupsActive,
		m.joinGroupsAbandoned,
		m.pluginRetries,
	)

	return m
}

// RecordToken records a token reaching an outcome at a node
func (m *Metrics) RecordToken(node, outcome string) {
	m.tokensTotal.WithLabelValues(node, outcome).Inc()
}

// RecordNodeDuration records plugin execution latency for a node
func (m *Metrics) RecordNodeDuration(node, kind string, duration time.Duration) {
	m.nodeDuration.WithLabelValues(node, kind).Observe(duration.Seconds())
}

// RecordRowIngested records a row read from the source
func (m *Metrics) RecordRowIngested() {
	m.rowsIngested.Inc()
}

// RecordQuarantine records a row quarantined at a node
func (m *Metrics) RecordQuarantine(node string) {
	m.rowsQuarantined.WithLabelValues(node).Inc()
}

// RecordFlush records an aggregation buffer flush
func (m *Metrics) RecordFlush(node string, trigger flushTrigger) {
	m.flushesTotal.WithLabelValues(node, string(trigger)).Inc()
}

// UpdateBufferedRows updates the aggregate buffer occupancy gauge
func (m *Metrics) UpdateBufferedRows(count int) {
	m.bufferedRows.Set(float64(count))
}

// JoinGroupOpened records a fork group starting to wait at a coalesce node
func (m *Metrics) JoinGroupOpened() {
	m.joinGroupsActive.Inc()
}

// JoinGroupClosed records a fork group leaving a coalesce node
func (m *Metrics) JoinGroupClosed() {
	m.joinGroupsActive.Dec()
}

// RecordJoinAbandoned records a join group abandonment
func (m *Metrics) RecordJoinAbandoned(reason string) {
	m.joinGroupsAbandoned.WithLabelValues(reason).Inc()
}

// RecordPluginRetry records a plugin retry attempt
func (m *Metrics) RecordPluginRetry(node string) {
	m.pluginRetries.WithLabelValues(node).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
