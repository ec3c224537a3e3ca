package async

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/savistas/orgseats/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery, a timeout and error
// logging. The task context is detached from parentCtx's cancellation so work
// started by a request survives the response being written, but it keeps the
// parent's values (request id, trace).
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// Batch processes items concurrently with at most workers goroutines and
// returns every error encountered. A panic in fn is converted to an error for
// that item. Each item gets its own timeout.
func Batch[T any](ctx context.Context, logger *observability.Logger, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if perr := observability.PanicError(logger, taskName, recover()); perr != nil {
					record(perr)
				}
			}()

			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(itemCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
