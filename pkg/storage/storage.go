package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/savistas/orgseats/pkg/billing"
	"github.com/savistas/orgseats/pkg/observability"
	"github.com/savistas/orgseats/pkg/orgs"
	"github.com/savistas/orgseats/pkg/storage/memory"
	"github.com/savistas/orgseats/pkg/storage/postgres"
	"github.com/savistas/orgseats/pkg/usage"
)

// OrganizationWriter creates organizations. Both backends implement it.
type OrganizationWriter interface {
	CreateOrganization(ctx context.Context, org *orgs.Organization) error
}

// Backend bundles the store views of one opened backend.
type Backend struct {
	Type          string
	Organizations OrganizationWriter
	Directory     orgs.Store
	Seats         billing.Store
	Usage         usage.Store

	// DB and Connections are nil for the memory backend.
	DB          *sql.DB
	Connections *postgres.ConnectionManager
	// Redis is nil when no Redis URL is configured.
	Redis *redis.Client
}

// Open validates cfg and opens the configured backend.
func Open(ctx context.Context, cfg Config, logger *observability.Logger) (*Backend, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		b   *Backend
		err error
	)
	switch cfg.Type {
	case TypeMemory:
		b = openMemory()
	case TypePostgres:
		b, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.RedisURL != "" {
		client, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{
			URL:        cfg.RedisURL,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			MaxRetries: cfg.RedisMaxRetries,
			PoolSize:   cfg.RedisPoolSize,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Redis = client
	}

	logger.WithField("type", cfg.Type).WithField("redis", b.Redis != nil).Info("Storage backend opened")
	return b, nil
}

func openMemory() *Backend {
	db := memory.New()
	return &Backend{
		Type:          TypeMemory,
		Organizations: db,
		Directory:     db.Directory(),
		Seats:         db.Seats(),
		Usage:         db.Usage(),
	}
}

func openPostgres(ctx context.Context, cfg Config, logger *observability.Logger) (*Backend, error) {
	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.PostgresReplicaURLs),
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, cm.Primary(), logger); err != nil {
			cm.Close()
			return nil, err
		}
	}

	store := postgres.New(cm.Primary(), postgres.WithReplicas(cm), postgres.WithLogger(logger))
	return &Backend{
		Type:          TypePostgres,
		Organizations: store,
		Directory:     store.Directory(),
		Seats:         store.Seats(),
		Usage:         store.Usage(),
		DB:            cm.Primary(),
		Connections:   cm,
	}, nil
}

// Close releases every connection the backend holds.
func (b *Backend) Close() error {
	var errs []error
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	if b.Connections != nil {
		errs = append(errs, b.Connections.Close())
	}
	return errors.Join(errs...)
}
