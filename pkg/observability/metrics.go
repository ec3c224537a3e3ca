package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Seat capacity
	AdmissionsTotal       *prometheus.CounterVec
	SeatReleasesTotal     prometheus.Counter
	MembershipTransitions *prometheus.CounterVec
	JoinCodeLookupsTotal  *prometheus.CounterVec

	// Usage metering
	UsageDecisionsTotal *prometheus.CounterVec
	UsageConsumedTotal  *prometheus.CounterVec

	// Billing
	SeatChangesTotal   *prometheus.CounterVec
	GatewayErrorsTotal *prometheus.CounterVec
	NoticesTotal       *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orgseats_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_admissions_total",
				Help: "Seat admission attempts by outcome",
			},
			[]string{"outcome"},
		),
		SeatReleasesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orgseats_seat_releases_total",
				Help: "Seats released by removals and departures",
			},
		),
		MembershipTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_membership_transitions_total",
				Help: "Membership status transitions",
			},
			[]string{"from", "to"},
		),
		JoinCodeLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_join_code_lookups_total",
				Help: "Join code resolutions by result",
			},
			[]string{"result"},
		),

		UsageDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_usage_decisions_total",
				Help: "Usage check-and-consume decisions",
			},
			[]string{"kind", "outcome"},
		),
		UsageConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_usage_consumed_total",
				Help: "Units consumed per resource kind",
			},
			[]string{"kind"},
		),

		SeatChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_seat_changes_total",
				Help: "Seat count changes by result",
			},
			[]string{"result"},
		),
		GatewayErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_gateway_errors_total",
				Help: "Payment gateway failures by operation",
			},
			[]string{"operation"},
		),
		NoticesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgseats_notices_total",
				Help: "Notices published by kind",
			},
			[]string{"kind"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgseats_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgseats_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgseats_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgseats_db_connections_wait_duration_seconds",
				Help: "Total time blocked waiting for a new connection",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AdmissionsTotal,
		m.SeatReleasesTotal,
		m.MembershipTransitions,
		m.JoinCodeLookupsTotal,
		m.UsageDecisionsTotal,
		m.UsageConsumedTotal,
		m.SeatChangesTotal,
		m.GatewayErrorsTotal,
		m.NoticesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
	)

	return m
}

// The Record* helpers are nil-safe so services can run without metrics.

func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRelease() {
	if m == nil {
		return
	}
	m.SeatReleasesTotal.Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.MembershipTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordJoinCodeLookup(result string) {
	if m == nil {
		return
	}
	m.JoinCodeLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordUsageDecision(kind, outcome string, amount int64) {
	if m == nil {
		return
	}
	m.UsageDecisionsTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == "allowed" {
		m.UsageConsumedTotal.WithLabelValues(kind).Add(float64(amount))
	}
}

func (m *Metrics) RecordSeatChange(result string) {
	if m == nil {
		return
	}
	m.SeatChangesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordGatewayError(operation string) {
	if m == nil {
		return
	}
	m.GatewayErrorsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordNotice(kind string) {
	if m == nil {
		return
	}
	m.NoticesTotal.WithLabelValues(kind).Inc()
}

// RecordDBStats copies connection pool statistics into the database gauges.
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled with the mux route template so ids in paths do not
// explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
