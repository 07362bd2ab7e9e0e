package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Query outcomes recorded by QuerySettled.
const (
	OutcomeResolved    = "resolved"
	OutcomeRejected    = "rejected"
	OutcomeTimeout     = "timeout"
	OutcomeCanceled    = "canceled"
	OutcomeChannelLost = "channel_lost"
)

// Dispatch results recorded by Dispatched.
const (
	DispatchHandled      = "handled"
	DispatchUnrecognized = "unrecognized"
	DispatchMalformed    = "malformed"
	DispatchPanic        = "panic"
	DispatchResponse     = "response"
	DispatchUpdate       = "update"
	DispatchDropped      = "dropped"
)

// Metrics holds all Prometheus metrics. Every collector is registered on a
// registry owned by the Metrics value so several kernels can coexist in one
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Query manager metrics
	QueriesIssued  *prometheus.CounterVec
	QueriesSettled *prometheus.CounterVec
	QueriesPending prometheus.Gauge
	QueryDuration  *prometheus.HistogramVec

	// Router metrics
	Dispatches    *prometheus.CounterVec
	ActiveQueries prometheus.Gauge

	// Module metrics
	ModuleLoads       *prometheus.CounterVec
	ModulesReady      prometheus.Gauge
	SeedDeliveries    prometheus.Counter
	ModuleLogsDropped prometheus.Counter

	// Relay metrics
	RelayForwards *prometheus.CounterVec

	// Notable errors
	NotableErrors *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		QueriesIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skykernel_queries_issued_total",
				Help: "Total number of queries issued",
			},
			[]string{"method"},
		),
		QueriesSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skykernel_queries_settled_total",
				Help: "Total number of queries settled, by outcome",
			},
			[]string{"outcome"},
		),
		QueriesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skykernel_queries_pending",
				Help: "Number of queries awaiting a response",
			},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skykernel_query_duration_seconds",
				Help:    "Time from issue to settlement in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),

		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skykernel_dispatches_total",
				Help: "Total number of inbound envelopes dispatched, by result",
			},
			[]string{"result"},
		),
		ActiveQueries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skykernel_active_queries",
				Help: "Number of open active queries",
			},
		),

		ModuleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skykernel_module_loads_total",
				Help: "Total number of module load attempts, by outcome",
			},
			[]string{"outcome"},
		),
		ModulesReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skykernel_modules_ready",
				Help: "Number of modules in the ready state",
			},
		),
		SeedDeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "skykernel_seed_deliveries_total",
				Help: "Total number of presentSeed deliveries",
			},
		),
		ModuleLogsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "skykernel_module_logs_dropped_total",
				Help: "Total number of module log lines dropped by the rate limiter",
			},
		),

		RelayForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skykernel_relay_forwards_total",
				Help: "Total number of envelopes forwarded by boundary relays",
			},
			[]string{"relay", "direction"},
		),

		NotableErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skykernel_notable_errors_total",
				Help: "Total number of notable errors, by component",
			},
			[]string{"component"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skykernel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skykernel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
	}

	m.Uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "skykernel_uptime_seconds",
			Help: "Kernel uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueriesIssued,
		m.QueriesSettled,
		m.QueriesPending,
		m.QueryDuration,
		m.Dispatches,
		m.ActiveQueries,
		m.ModuleLoads,
		m.ModulesReady,
		m.SeedDeliveries,
		m.ModuleLogsDropped,
		m.RelayForwards,
		m.NotableErrors,
		m.RequestsTotal,
		m.RequestDuration,
		m.Uptime,
	)

	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// QueryIssued records a new pending query.
func (m *Metrics) QueryIssued(method string) {
	if m == nil {
		return
	}
	m.QueriesIssued.WithLabelValues(method).Inc()
	m.QueriesPending.Inc()
}

// QuerySettled records the settlement of a pending query.
func (m *Metrics) QuerySettled(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.QueriesSettled.WithLabelValues(outcome).Inc()
	m.QueriesPending.Dec()
	m.QueryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Dispatched records the routing result of one inbound envelope.
func (m *Metrics) Dispatched(result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(result).Inc()
}

// ActiveQueryOpened records a new open active query.
func (m *Metrics) ActiveQueryOpened() {
	if m == nil {
		return
	}
	m.ActiveQueries.Inc()
}

// ActiveQueryClosed records an active query leaving the open state.
func (m *Metrics) ActiveQueryClosed() {
	if m == nil {
		return
	}
	m.ActiveQueries.Dec()
}

// ModuleLoaded records the outcome of one load attempt.
func (m *Metrics) ModuleLoaded(outcome string) {
	if m == nil {
		return
	}
	m.ModuleLoads.WithLabelValues(outcome).Inc()
}

// SetModulesReady sets the number of ready modules.
func (m *Metrics) SetModulesReady(count int) {
	if m == nil {
		return
	}
	m.ModulesReady.Set(float64(count))
}

// SeedDelivered records one presentSeed delivery.
func (m *Metrics) SeedDelivered() {
	if m == nil {
		return
	}
	m.SeedDeliveries.Inc()
}

// ModuleLogDropped records a module log line dropped by the rate limiter.
func (m *Metrics) ModuleLogDropped() {
	if m == nil {
		return
	}
	m.ModuleLogsDropped.Inc()
}

// RelayForwarded records an envelope crossing a relay.
func (m *Metrics) RelayForwarded(relay, direction string) {
	if m == nil {
		return
	}
	m.RelayForwards.WithLabelValues(relay, direction).Inc()
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
