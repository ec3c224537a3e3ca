package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/middleware"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/usage"
)

// APIPrefix is the prefix of every member-facing route.
const APIPrefix = "/api/v1"

// Deps are the services the server exposes. Memberships is required; the
// rest are optional and their routes are skipped when nil.
type Deps struct {
	Memberships   *orgs.Service
	Meter         *usage.Meter
	Seats         *billing.Coordinator
	Organizations OrganizationCreator

	// JoinLimiter throttles join-code lookups and joins.
	JoinLimiter middleware.Limiter

	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry
	Health     *observability.HealthChecker
	AdminToken string

	// BillingEventsToken gates /billing/events. Empty leaves it unmounted.
	BillingEventsToken string
}

// Server represents our API server
type Server struct {
	router *mux.Router
	deps   Deps
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestContext(s.deps.Logger), middleware.Recovery, middleware.Logging)
	if s.deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))
	}

	if s.deps.Health != nil {
		s.router.HandleFunc("/healthz", s.deps.Health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", s.deps.Health.Readiness).Methods(http.MethodGet)
	}
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.deps.Registry)).Methods(http.MethodGet)
	}

	if s.deps.Seats != nil {
		NewBillingHandlers(s.deps.Seats, s.deps.Memberships).RegisterEventRoutes(s.router, s.deps.BillingEventsToken)
	}
	NewAdminHandlers(s.deps.Organizations, s.deps.AdminToken).RegisterRoutes(s.router)

	v1 := s.router.PathPrefix(APIPrefix).Subrouter()
	v1.Use(middleware.Identity)

	var joinLimiter func(http.Handler) http.Handler
	if s.deps.JoinLimiter != nil {
		joinLimiter = middleware.LimitJoinAttempts(s.deps.JoinLimiter, s.deps.Metrics)
	}
	NewMembershipHandlers(s.deps.Memberships, joinLimiter).RegisterRoutes(v1)
	if s.deps.Meter != nil {
		NewUsageHandlers(s.deps.Meter).RegisterRoutes(v1)
	}
	if s.deps.Seats != nil {
		NewBillingHandlers(s.deps.Seats, s.deps.Memberships).RegisterRoutes(v1)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server wrapped with OpenTelemetry HTTP instrumentation.
// With tracing disabled the global no-op provider makes this free.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "orgseats.http")
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}
