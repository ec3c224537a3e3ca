// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs fire-and-forget work (post-removal downgrade checks, notice
// delivery) with panic recovery, a timeout and error logging. Batch fans a
// slice of items out to a bounded number of goroutines and collects every
// error, which the boundary reconciler uses to sweep subscriptions.
//
//	async.SafeGo(ctx, logger, 10*time.Second, "downgrade check", func(ctx context.Context) error {
//		_, err := coordinator.ReconcileDowngrade(ctx, orgID)
//		return err
//	})
package async
