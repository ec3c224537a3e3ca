// Package storage selects and opens the persistence backend.
//
// Two backends implement the stores the services depend on:
//
//   - memory: a single-process store for development and tests
//   - postgres: the production store, with optional read replicas
//
// Open returns a Backend whose views are handed to the services:
//
//	backend, err := storage.Open(ctx, cfg.Storage, logger)
//	if err != nil {
//		return err
//	}
//	defer backend.Close()
//
//	svc := orgs.NewService(backend.Directory, resolver)
//	meter := usage.NewMeter(backend.Usage, catalog)
//	coord := billing.NewCoordinator(backend.Seats, gateway)
//
// Redis is optional. When RedisURL is set the returned Backend carries a
// client for the notice publisher and the join attempt limiter.
package storage
