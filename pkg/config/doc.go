// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings. The defaults run the service against the
// in-memory store and the mock payment gateway.
//
// # Configuration Structure
//
// Server settings:
//
//	ORGSEATS_HOST="0.0.0.0"
//	ORGSEATS_PORT="8080"
//	ORGSEATS_HEALTH_PORT="9090"
//	ORGSEATS_READ_TIMEOUT="15s"
//	ORGSEATS_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	ORGSEATS_STORAGE_TYPE="postgres"  # memory, postgres
//	ORGSEATS_POSTGRES_URL="postgres://localhost/orgseats"
//	ORGSEATS_POSTGRES_REPLICA_URLS="postgres://replica/orgseats"
//	ORGSEATS_POSTGRES_MAX_CONNS="20"
//	ORGSEATS_RUN_MIGRATIONS="true"
//	ORGSEATS_REDIS_URL="redis://localhost:6379"
//
// Plans and billing:
//
//	ORGSEATS_PLANS_PATH="/etc/orgseats/plans.yaml"
//	ORGSEATS_PLANS_HOT_RELOAD="true"
//	ORGSEATS_GATEWAY_MODE="http"  # http, mock
//	ORGSEATS_GATEWAY_URL="https://payments.internal"
//	ORGSEATS_GATEWAY_API_KEY="..."
//	ORGSEATS_AUTO_DOWNGRADE="false"
//	ORGSEATS_BILLING_EVENTS_TOKEN="..."  # required for /billing/events
//	ORGSEATS_RECONCILER_SCHEDULE="*/15 * * * *"
//
// Joining:
//
//	ORGSEATS_JOIN_ATTEMPTS="10"
//	ORGSEATS_JOIN_WINDOW="1m"
//	ORGSEATS_JOIN_CODE_CACHE_TTL="5m"
//
// Observability settings:
//
//	ORGSEATS_LOG_LEVEL="info"  # debug, info, warn, error
//	ORGSEATS_METRICS_ENABLED="true"
//	ORGSEATS_OTEL_ENABLED="true"
//	ORGSEATS_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	backend, err := storage.Open(ctx, cfg.Storage, logger)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
