package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/savistas/orgseats/pkg/api"
	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/config"
	"github.com/savistas/orgseats/pkg/middleware"
	"github.com/savistas/orgseats/pkg/notify"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/plans"
	"github.com/savistas/orgseats/pkg/storage"
	"github.com/savistas/orgseats/pkg/usage"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("orgseats stopped with an error")
		os.Exit(1)
	}
}

func run(parent context.Context, cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	providers, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		return err
	}

	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		_ = observability.ShutdownOTel(ctx, providers, logger)
		return err
	}

	catalog, err := loadCatalog(ctx, cfg.Plans, logger)
	if err != nil {
		backend.Close()
		_ = observability.ShutdownOTel(ctx, providers, logger)
		return err
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	gateway, err := newGateway(cfg.Billing)
	if err != nil {
		backend.Close()
		_ = observability.ShutdownOTel(ctx, providers, logger)
		return err
	}

	notifier := newNotifier(backend, cfg.NoticeChannel, logger)

	coordinator := billing.NewCoordinator(backend.Seats, gateway,
		billing.WithCatalog(catalog),
		billing.WithNotifier(notifier),
		billing.WithLogger(logger.WithField("component", "billing")),
		billing.WithMetrics(metrics),
		billing.WithAutoDowngrade(cfg.Billing.AutoDowngrade),
	)
	resolver := orgs.NewResolver(backend.Directory, cfg.Join.CodeCacheSize, cfg.Join.CodeCacheTTL, metrics)
	memberships := orgs.NewService(backend.Directory, resolver,
		orgs.WithLogger(logger.WithField("component", "orgs")),
		orgs.WithMetrics(metrics),
		orgs.WithNotifier(notifier),
		orgs.WithRemovalObserver(coordinator),
	)
	meter := usage.NewMeter(backend.Usage, catalog,
		usage.WithLogger(logger.WithField("component", "usage")),
		usage.WithMetrics(metrics),
	)

	health := observability.NewHealthChecker(backend.DB, backend.Redis, version)
	server := api.NewServer(api.Deps{
		Memberships:   memberships,
		Meter:         meter,
		Seats:         coordinator,
		Organizations: backend.Organizations,
		JoinLimiter:   newJoinLimiter(backend, cfg.Join),
		Logger:        logger,
		Metrics:       metrics,
		AdminToken:    cfg.AdminToken,

		BillingEventsToken: cfg.Billing.EventsToken,
	})

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	if registry != nil {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if backend.Connections != nil {
		backend.Connections.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("telemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc("storage", func(context.Context) error {
		return backend.Close()
	})

	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Errorf("Server on %s failed", srv.Addr)
				cancel()
			}
		}(srv)
	}

	logger.WithFields(map[string]interface{}{
		"version":        version,
		"storage":        backend.Type,
		"gateway":        cfg.Billing.GatewayMode,
		"auto_downgrade": cfg.Billing.AutoDowngrade,
	}).Info("orgseats started")

	return shutdown.WaitForShutdown(ctx)
}

func loadCatalog(ctx context.Context, cfg config.PlansConfig, logger *observability.Logger) (*plans.Catalog, error) {
	if cfg.Path == "" {
		logger.Info("Using built-in plan catalog")
		return plans.Default(), nil
	}
	catalog, err := plans.Load(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.HotReload {
		if err := catalog.Watch(ctx, logger.WithField("component", "plans")); err != nil {
			return nil, err
		}
	}
	logger.WithField("path", cfg.Path).WithField("plans", len(catalog.Plans())).Info("Plan catalog loaded")
	return catalog, nil
}

func newGateway(cfg config.BillingConfig) (billing.Gateway, error) {
	if cfg.GatewayMode == config.GatewayMock {
		return billing.NewMockGateway(cfg.MockPricePerSeatCents), nil
	}
	return billing.NewHTTPGateway(billing.HTTPGatewayConfig{
		BaseURL: cfg.GatewayURL,
		APIKey:  cfg.GatewayAPIKey,
		Timeout: cfg.GatewayTimeout,
	})
}

// newNotifier publishes to Redis when it is configured and always to the log.
func newNotifier(backend *storage.Backend, channel string, logger *observability.Logger) notify.Publisher {
	logPublisher := notify.NewLogPublisher(logger.WithField("component", "notify"))
	if backend.Redis == nil {
		return logPublisher
	}
	return notify.Fanout{notify.NewRedisPublisher(backend.Redis, channel), logPublisher}
}

// newJoinLimiter shares join-attempt counters through Redis when available so
// every replica enforces one budget.
func newJoinLimiter(backend *storage.Backend, cfg config.JoinConfig) middleware.Limiter {
	limit := middleware.RateLimitConfig{Attempts: cfg.Attempts, Window: cfg.Window}
	if backend.Redis != nil {
		return middleware.NewRedisLimiter(backend.Redis, limit, "orgseats:join")
	}
	return middleware.NewLocalLimiter(limit)
}
