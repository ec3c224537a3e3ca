package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/storage"
)

// Gateway modes.
const (
	GatewayHTTP = "http"
	GatewayMock = "mock"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	Plans      PlansConfig
	Billing    BillingConfig
	Join       JoinConfig
	Reconciler ReconcilerConfig

	// AdminToken guards organization provisioning. Empty disables it.
	AdminToken string
	// NoticeChannel is the Redis pub/sub channel notices are published on.
	NoticeChannel string

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// PlansConfig locates the plan catalog. An empty path uses the built-in one.
type PlansConfig struct {
	Path      string
	HotReload bool
}

// BillingConfig holds payment gateway and seat policy settings.
type BillingConfig struct {
	GatewayMode    string
	GatewayURL     string
	GatewayAPIKey  string
	GatewayTimeout time.Duration
	// MockPricePerSeatCents prices prorations in mock mode.
	MockPricePerSeatCents int64
	AutoDowngrade         bool
	// EventsToken is the shared secret required on /billing/events. Empty
	// leaves the intake unmounted.
	EventsToken string
}

// JoinConfig holds join-code settings.
type JoinConfig struct {
	// Attempts per Window per member (or client IP).
	Attempts int
	Window   time.Duration

	CodeCacheSize int
	CodeCacheTTL  time.Duration
}

// ReconcilerConfig holds the boundary sweep schedule.
type ReconcilerConfig struct {
	Schedule string
	Workers  int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Plans:         loadPlansConfig(),
		Billing:       loadBillingConfig(),
		Join:          loadJoinConfig(),
		Reconciler:    loadReconcilerConfig(),
		AdminToken:    getEnv("ORGSEATS_ADMIN_TOKEN", ""),
		NoticeChannel: getEnv("ORGSEATS_NOTICE_CHANNEL", "orgseats:notices"),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ORGSEATS_HOST", "0.0.0.0"),
		Port:            getEnv("ORGSEATS_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ORGSEATS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ORGSEATS_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("ORGSEATS_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ORGSEATS_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("ORGSEATS_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("ORGSEATS_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("ORGSEATS_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("ORGSEATS_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("ORGSEATS_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("ORGSEATS_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("ORGSEATS_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	cfg.RunMigrations = getEnvBool("ORGSEATS_RUN_MIGRATIONS", cfg.RunMigrations)

	// Redis config
	if redisURL := getEnv("ORGSEATS_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("ORGSEATS_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("ORGSEATS_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("ORGSEATS_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("ORGSEATS_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadPlansConfig() PlansConfig {
	return PlansConfig{
		Path:      getEnv("ORGSEATS_PLANS_PATH", ""),
		HotReload: getEnvBool("ORGSEATS_PLANS_HOT_RELOAD", false),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		GatewayMode:           strings.ToLower(getEnv("ORGSEATS_GATEWAY_MODE", GatewayMock)),
		GatewayURL:            getEnv("ORGSEATS_GATEWAY_URL", ""),
		GatewayAPIKey:         getEnv("ORGSEATS_GATEWAY_API_KEY", ""),
		GatewayTimeout:        getEnvDuration("ORGSEATS_GATEWAY_TIMEOUT", 10*time.Second),
		MockPricePerSeatCents: getEnvInt64("ORGSEATS_MOCK_PRICE_PER_SEAT_CENTS", 1000),
		AutoDowngrade:         getEnvBool("ORGSEATS_AUTO_DOWNGRADE", false),
		EventsToken:           getEnv("ORGSEATS_BILLING_EVENTS_TOKEN", ""),
	}
}

func loadJoinConfig() JoinConfig {
	return JoinConfig{
		Attempts:      getEnvInt("ORGSEATS_JOIN_ATTEMPTS", 10),
		Window:        getEnvDuration("ORGSEATS_JOIN_WINDOW", time.Minute),
		CodeCacheSize: getEnvInt("ORGSEATS_JOIN_CODE_CACHE_SIZE", 1024),
		CodeCacheTTL:  getEnvDuration("ORGSEATS_JOIN_CODE_CACHE_TTL", 5*time.Minute),
	}
}

func loadReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Schedule: getEnv("ORGSEATS_RECONCILER_SCHEDULE", "*/15 * * * *"),
		Workers:  getEnvInt("ORGSEATS_RECONCILER_WORKERS", 4),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("ORGSEATS_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ORGSEATS_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ORGSEATS_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ORGSEATS_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ORGSEATS_OTEL_SERVICE_NAME", "orgseats"),
		OTelServiceVersion: getEnv("ORGSEATS_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ORGSEATS_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Plans.HotReload && c.Plans.Path == "" {
		return fmt.Errorf("plan hot reload requires a plans path")
	}

	switch c.Billing.GatewayMode {
	case GatewayHTTP:
		if c.Billing.GatewayURL == "" {
			return fmt.Errorf("gateway URL is required for http gateway mode")
		}
	case GatewayMock:
	default:
		return fmt.Errorf("invalid gateway mode: %s (must be http or mock)", c.Billing.GatewayMode)
	}

	if c.Join.Attempts < 1 {
		return fmt.Errorf("join attempts must be at least 1")
	}
	if c.Join.Window <= 0 {
		return fmt.Errorf("join window must be positive")
	}

	if _, err := cron.ParseStandard(c.Reconciler.Schedule); err != nil {
		return fmt.Errorf("invalid reconciler schedule %q: %w", c.Reconciler.Schedule, err)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// OTel returns the OpenTelemetry settings in the form InitOTel takes.
func (c *Config) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
