// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithOrganization(orgID).WithField("membership_id", id).Info("membership approved")
//
// # Prometheus Metrics
//
// Domain counters are recorded through nil-safe helpers so that services built
// without a registry (tests, tools) need no special casing:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordAdmission("admitted")
//	metrics.RecordUsageDecision("quiz", "refused", 1)
//
// # Tracing
//
//	ctx, span := observability.StartSpan(ctx, "orgs.Approve")
//	defer func() { observability.EndSpan(span, err) }()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
package observability
