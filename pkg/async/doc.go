// Package async provides safe concurrent execution primitives for background
// work such as reconciliation sweeps.
//
// SafeGo runs a single fire-and-forget task with a timeout and panic
// recovery:
//
//	async.SafeGo(ctx, logger, time.Minute, "startup reconcile", func(ctx context.Context) error {
//		return reconciler.RunAll(ctx)
//	})
//
// Batch fans a slice out over a bounded worker pool and collects errors:
//
//	errs := async.Batch(ctx, logger, subs, 4, "orphaned profiles", 30*time.Second,
//		func(ctx context.Context, sub *billing.Subscription) error {
//			return cancelProfile(ctx, sub)
//		})
package async
