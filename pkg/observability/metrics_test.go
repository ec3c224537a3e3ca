package observability

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordHelpers(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.RecordAdmission("admitted")
	metrics.RecordAdmission("admitted")
	metrics.RecordAdmission("capacity_exceeded")
	metrics.RecordUsageDecision("quiz", "allowed", 3)
	metrics.RecordUsageDecision("quiz", "refused", 5)
	metrics.RecordDBStats(sql.DBStats{InUse: 4, Idle: 2, WaitDuration: 2 * time.Second})

	if got := testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("admitted")); got != 2 {
		t.Errorf("Expected 2 admissions, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.UsageConsumedTotal.WithLabelValues("quiz")); got != 3 {
		t.Errorf("Refused consumption must not be counted as consumed, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.DBConnectionsActive); got != 4 {
		t.Errorf("Expected 4 active connections, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.DBConnectionsWaitDuration); got != 2 {
		t.Errorf("Expected 2s wait duration, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var metrics *Metrics
	metrics.RecordAdmission("admitted")
	metrics.RecordRelease()
	metrics.RecordTransition("pending", "active")
	metrics.RecordGatewayError("set_seat_quantity")
	metrics.RecordDBStats(sql.DBStats{})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/v1/memberships/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}).Methods(http.MethodPost)

	for _, id := range []string{"1", "2"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/memberships/"+id+"/approve", nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/memberships/{id}/approve", "409"))
	if got != 2 {
		t.Errorf("Expected 2 requests under the route template, got %v", got)
	}
}
