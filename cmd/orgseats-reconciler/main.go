package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/config"
	"github.com/savistas/orgseats/pkg/notify"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/plans"
	"github.com/savistas/orgseats/pkg/storage"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for the boundary sweep (defaults to ORGSEATS_RECONCILER_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run the sweep once and exit")
	timeout  = flag.Duration("timeout", 5*time.Minute, "Maximum duration of one sweep")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// The reconciler applies scheduled seat decreases whose billing period has
// ended. It covers boundary events the payment gateway failed to deliver.
func main() {
	flag.Parse()
	logger := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if *schedule == "" {
		*schedule = cfg.Reconciler.Schedule
	}
	if cfg.Storage.Type == storage.TypeMemory {
		logger.Warn("Reconciling the in-memory store only sees state created by this process")
	}

	serviceLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "orgseats-reconciler")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := storage.Open(ctx, cfg.Storage, serviceLogger)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer backend.Close()

	coordinator, err := newCoordinator(cfg, backend, serviceLogger)
	if err != nil {
		logger.Fatalf("Failed to create seat coordinator: %v", err)
	}

	if *runOnce {
		if err := sweep(ctx, coordinator, logger); err != nil {
			logger.Fatalf("Sweep failed: %v", err)
		}
		return
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	_, err = c.AddFunc(*schedule, func() {
		if err := sweep(ctx, coordinator, logger); err != nil {
			logger.Errorf("Sweep failed: %v", err)
		}
	})
	if err != nil {
		logger.Fatalf("Failed to schedule sweep: %v", err)
	}

	c.Start()
	logger.WithField("schedule", *schedule).Info("Seat reconciler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	cancel()
	stopped := c.Stop()
	<-stopped.Done()

	logger.Info("Reconciler stopped")
}

func sweep(parent context.Context, coordinator *billing.Coordinator, logger *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(parent, *timeout)
	defer cancel()

	start := time.Now()
	applied, err := coordinator.ApplyDueDecreases(ctx)
	entry := logger.WithFields(logrus.Fields{
		"applied":  applied,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("Boundary sweep finished with errors")
		return err
	}
	entry.Info("Boundary sweep complete")
	return nil
}

func newCoordinator(cfg *config.Config, backend *storage.Backend, logger *observability.Logger) (*billing.Coordinator, error) {
	catalog := plans.Default()
	if cfg.Plans.Path != "" {
		var err error
		if catalog, err = plans.Load(cfg.Plans.Path); err != nil {
			return nil, err
		}
	}

	var gateway billing.Gateway
	if cfg.Billing.GatewayMode == config.GatewayMock {
		gateway = billing.NewMockGateway(cfg.Billing.MockPricePerSeatCents)
	} else {
		httpGateway, err := billing.NewHTTPGateway(billing.HTTPGatewayConfig{
			BaseURL: cfg.Billing.GatewayURL,
			APIKey:  cfg.Billing.GatewayAPIKey,
			Timeout: cfg.Billing.GatewayTimeout,
		})
		if err != nil {
			return nil, err
		}
		gateway = httpGateway
	}

	var notifier notify.Publisher = notify.NewLogPublisher(logger)
	if backend.Redis != nil {
		notifier = notify.Fanout{notify.NewRedisPublisher(backend.Redis, cfg.NoticeChannel), notifier}
	}

	return billing.NewCoordinator(backend.Seats, gateway,
		billing.WithCatalog(catalog),
		billing.WithNotifier(notifier),
		billing.WithLogger(logger),
		billing.WithAutoDowngrade(cfg.Billing.AutoDowngrade),
	), nil
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
