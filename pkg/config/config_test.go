package config

import (
	"strings"
	"testing"
	"time"

	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/storage"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true", envValue: "true", want: true},
		{name: "uppercase TRUE", envValue: "TRUE", want: true},
		{name: "one", envValue: "1", want: true},
		{name: "false overrides default", envValue: "false", defaultValue: true, want: false},
		{name: "garbage is false", envValue: "yes please", defaultValue: true, want: false},
		{name: "unset keeps default", envValue: "", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers covers the integer and duration helpers.
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_INT64", "9000000000")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_BAD_DURATION", "soon")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with invalid value = %d, want default 7", got)
	}
	if got := getEnvInt64("TEST_INT64", 1); got != 9000000000 {
		t.Errorf("getEnvInt64() = %d, want 9000000000", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvDuration("TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() with invalid value = %v, want default 1s", got)
	}
}

func TestLoadServerConfig(t *testing.T) {
	t.Setenv("ORGSEATS_PORT", "8000")
	t.Setenv("ORGSEATS_READ_TIMEOUT", "5s")

	cfg := loadServerConfig()
	if cfg.Port != "8000" {
		t.Errorf("Port = %s, want 8000", cfg.Port)
	}
	if cfg.ReadTimeout != 5*time.Second {
		t.Errorf("ReadTimeout = %v, want 5s", cfg.ReadTimeout)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %s, want 0.0.0.0", cfg.Host)
	}
	if cfg.HealthPort != "9090" {
		t.Errorf("HealthPort = %s, want 9090", cfg.HealthPort)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}
}

func TestLoadStorageConfig(t *testing.T) {
	t.Run("defaults to memory", func(t *testing.T) {
		cfg := loadStorageConfig()
		if cfg.Type != storage.TypeMemory {
			t.Errorf("Type = %s, want %s", cfg.Type, storage.TypeMemory)
		}
		if !cfg.RunMigrations {
			t.Error("RunMigrations should default to true")
		}
	})

	t.Run("postgres and redis from env", func(t *testing.T) {
		t.Setenv("ORGSEATS_STORAGE_TYPE", "postgres")
		t.Setenv("ORGSEATS_POSTGRES_URL", "postgres://localhost/orgseats")
		t.Setenv("ORGSEATS_POSTGRES_REPLICA_URLS", "postgres://r1/orgseats,postgres://r2/orgseats")
		t.Setenv("ORGSEATS_POSTGRES_MAX_CONNS", "50")
		t.Setenv("ORGSEATS_RUN_MIGRATIONS", "false")
		t.Setenv("ORGSEATS_REDIS_URL", "redis://localhost:6379")
		t.Setenv("ORGSEATS_REDIS_DB", "2")

		cfg := loadStorageConfig()
		if cfg.Type != storage.TypePostgres {
			t.Errorf("Type = %s, want postgres", cfg.Type)
		}
		if cfg.PostgresURL != "postgres://localhost/orgseats" {
			t.Errorf("PostgresURL = %s", cfg.PostgresURL)
		}
		if !strings.Contains(cfg.PostgresReplicaURLs, "r2") {
			t.Errorf("PostgresReplicaURLs = %s", cfg.PostgresReplicaURLs)
		}
		if cfg.PostgresMaxConns != 50 {
			t.Errorf("PostgresMaxConns = %d, want 50", cfg.PostgresMaxConns)
		}
		if cfg.RunMigrations {
			t.Error("RunMigrations should be disabled")
		}
		if cfg.RedisURL != "redis://localhost:6379" || cfg.RedisDB != 2 {
			t.Errorf("Redis = %s db %d", cfg.RedisURL, cfg.RedisDB)
		}
	})
}

func TestLoadBillingAndJoinConfig(t *testing.T) {
	t.Setenv("ORGSEATS_GATEWAY_MODE", "HTTP")
	t.Setenv("ORGSEATS_GATEWAY_URL", "https://payments.example.com")
	t.Setenv("ORGSEATS_AUTO_DOWNGRADE", "true")
	t.Setenv("ORGSEATS_BILLING_EVENTS_TOKEN", "relay-secret")
	t.Setenv("ORGSEATS_JOIN_ATTEMPTS", "3")

	billing := loadBillingConfig()
	if billing.GatewayMode != GatewayHTTP {
		t.Errorf("GatewayMode = %s, want http", billing.GatewayMode)
	}
	if !billing.AutoDowngrade {
		t.Error("AutoDowngrade should be enabled")
	}
	if billing.EventsToken != "relay-secret" {
		t.Errorf("EventsToken = %q, want relay-secret", billing.EventsToken)
	}
	if billing.GatewayTimeout != 10*time.Second {
		t.Errorf("GatewayTimeout = %v, want 10s", billing.GatewayTimeout)
	}

	join := loadJoinConfig()
	if join.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", join.Attempts)
	}
	if join.Window != time.Minute {
		t.Errorf("Window = %v, want 1m", join.Window)
	}
}

func TestLoadObservabilityConfig(t *testing.T) {
	t.Setenv("ORGSEATS_LOG_LEVEL", "debug")
	t.Setenv("ORGSEATS_OTEL_ENABLED", "true")

	cfg := loadObservabilityConfig()
	if cfg.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if !cfg.OTelEnabled {
		t.Error("OTelEnabled should be true")
	}
	if cfg.OTelServiceName != "orgseats" {
		t.Errorf("OTelServiceName = %s, want orgseats", cfg.OTelServiceName)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled should default to true")
	}
}

func validConfig() *Config {
	return &Config{
		Server:     ServerConfig{Port: "8080", HealthPort: "9090"},
		Storage:    storage.DefaultConfig(),
		Billing:    BillingConfig{GatewayMode: GatewayMock},
		Join:       JoinConfig{Attempts: 10, Window: time.Minute},
		Reconciler: ReconcilerConfig{Schedule: "*/15 * * * *"},
	}
}

// TestConfigValidate tests configuration validation
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port is required",
		},
		{
			name:    "same ports",
			mutate:  func(c *Config) { c.Server.HealthPort = "8080" },
			wantErr: "must be different",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Storage.Type = storage.TypePostgres },
			wantErr: "postgres URL is required",
		},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Storage.Type = "filesystem" },
			wantErr: "invalid storage type",
		},
		{
			name:    "hot reload without path",
			mutate:  func(c *Config) { c.Plans.HotReload = true },
			wantErr: "requires a plans path",
		},
		{
			name:    "http gateway without url",
			mutate:  func(c *Config) { c.Billing.GatewayMode = GatewayHTTP },
			wantErr: "gateway URL is required",
		},
		{
			name:    "unknown gateway mode",
			mutate:  func(c *Config) { c.Billing.GatewayMode = "stripe" },
			wantErr: "invalid gateway mode",
		},
		{
			name:    "zero join attempts",
			mutate:  func(c *Config) { c.Join.Attempts = 0 },
			wantErr: "join attempts",
		},
		{
			name:    "bad cron schedule",
			mutate:  func(c *Config) { c.Reconciler.Schedule = "every so often" },
			wantErr: "invalid reconciler schedule",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "orgseats"
			},
			wantErr: "OpenTelemetry endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			env:     map[string]string{},
			wantErr: false,
		},
		{
			name: "invalid config - same ports",
			env: map[string]string{
				"ORGSEATS_PORT":        "8080",
				"ORGSEATS_HEALTH_PORT": "8080",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if cfg.NoticeChannel != "orgseats:notices" {
				t.Errorf("NoticeChannel = %s", cfg.NoticeChannel)
			}
			if otel := cfg.OTel(); otel.ServiceName != "orgseats" || otel.Enabled {
				t.Errorf("OTel() = %+v", otel)
			}
		})
	}
}
