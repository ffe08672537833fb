// Package reconcile repairs state left behind by interrupted or partially
// failed lifecycle operations. Every job is safe to run repeatedly.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/subscriptionfu/pkg/async"
	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/ledger"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/processing"
)

// Job names, also used as metric labels
const (
	JobStaleCancellations = "stale_cancellations"
	JobOrphanedProfiles   = "orphaned_profiles"
	JobStaleActivations   = "stale_activations"
)

// Config tunes the reconciliation jobs
type Config struct {
	// StaleAfter is how long a cancellation may stay initiated before it is retried
	StaleAfter time.Duration
	// ActivationTimeout is how long a checkout may stay open before its
	// activation is marked failed
	ActivationTimeout time.Duration
	// OrphanLookback bounds how far back canceled subscriptions are rechecked
	OrphanLookback time.Duration
	BatchSize      int
	Workers        int
	ItemTimeout    time.Duration
}

// DefaultConfig returns the defaults used by the reconciler daemon
func DefaultConfig() Config {
	return Config{
		StaleAfter:        15 * time.Minute,
		ActivationTimeout: 72 * time.Hour,
		OrphanLookback:    30 * 24 * time.Hour,
		BatchSize:         500,
		Workers:           8,
		ItemTimeout:       30 * time.Second,
	}
}

// Result summarises one job run
type Result struct {
	Job     string
	Handled int
	Failed  int
	Skipped int
}

// Reconciler runs the reconciliation jobs
type Reconciler struct {
	svc     *billing.Service
	store   billing.Store
	ledger  ledger.Ledger
	proc    *processing.Processor
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler. metrics may be nil.
func NewReconciler(svc *billing.Service, store billing.Store, l ledger.Ledger, proc *processing.Processor,
	config Config, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Reconciler{
		svc:     svc,
		store:   store,
		ledger:  l,
		proc:    proc,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock replaces time.Now
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// tally counts per-item outcomes across workers
type tally struct {
	handled, failed, skipped atomic.Int64
}

func (t *tally) result(job string) Result {
	return Result{
		Job:     job,
		Handled: int(t.handled.Load()),
		Failed:  int(t.failed.Load()),
		Skipped: int(t.skipped.Load()),
	}
}

// start scopes ctx to one job run. Callers may set the actor themselves.
func (r *Reconciler) start(ctx context.Context, job string) context.Context {
	if observability.GetActor(ctx) == "" {
		ctx = observability.WithActor(ctx, "reconciler")
	}
	return observability.WithLogger(ctx, r.logger.WithField("job", job))
}

func (r *Reconciler) finish(ctx context.Context, job string, t *tally, errs []error) (Result, error) {
	res := t.result(job)
	err := errors.Join(errs...)
	r.metrics.ObserveReconcile(job, res.Handled, res.Failed, err)

	log := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"handled": res.Handled,
		"failed":  res.Failed,
		"skipped": res.Skipped,
	})
	if err != nil {
		log.WithError(err).Warn("reconciliation finished with errors")
	} else {
		log.Info("reconciliation finished")
	}
	return res, err
}

// RetryStaleCancellations completes cancellation transactions that stayed
// initiated longer than StaleAfter. Cancellations still waiting on their
// trigger are skipped.
func (r *Reconciler) RetryStaleCancellations(ctx context.Context) (Result, error) {
	ctx = r.start(ctx, JobStaleCancellations)
	var t tally
	before := r.now().Add(-r.config.StaleAfter)
	txs, err := r.ledger.ListStale(ctx, ledger.ActionCancellation, ledger.StatusInitiated, before, r.config.BatchSize)
	if err != nil {
		return r.finish(ctx, JobStaleCancellations, &t, []error{fmt.Errorf("failed to list stale cancellations: %w", err)})
	}

	errs := async.Batch(ctx, r.logger, txs, r.config.Workers, JobStaleCancellations, r.config.ItemTimeout,
		func(ctx context.Context, tx *ledger.Transaction) error {
			err := r.proc.CompleteCancellation(ctx, tx.ID)
			switch {
			case err == nil:
				t.handled.Add(1)
				return nil
			case errors.Is(err, processing.ErrTriggerNotComplete):
				t.skipped.Add(1)
				return nil
			}
			t.failed.Add(1)
			return fmt.Errorf("cancellation %s: %w", tx.ID, err)
		})
	return r.finish(ctx, JobStaleCancellations, &t, errs)
}

// CancelOrphanedProfiles asks the gateway again to cancel the profiles of
// canceled subscriptions that the gateway still reports as live. It pages
// through the lookback window in creation order, BatchSize at a time.
func (r *Reconciler) CancelOrphanedProfiles(ctx context.Context) (Result, error) {
	ctx = r.start(ctx, JobOrphanedProfiles)
	var t tally
	var errs []error
	since := r.now().Add(-r.config.OrphanLookback)
	var after billing.Cursor
	for ctx.Err() == nil {
		subs, err := r.store.ListCanceledWithProfile(ctx, since, after, r.config.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list canceled subscriptions: %w", err))
			break
		}
		if len(subs) == 0 {
			break
		}
		errs = append(errs, r.cancelOrphans(ctx, &t, subs)...)
		if r.config.BatchSize <= 0 || len(subs) < r.config.BatchSize {
			break
		}
		after = billing.CursorOf(subs[len(subs)-1])
	}
	return r.finish(ctx, JobOrphanedProfiles, &t, errs)
}

func (r *Reconciler) cancelOrphans(ctx context.Context, t *tally, subs []*billing.Subscription) []error {
	return async.Batch(ctx, r.logger, subs, r.config.Workers, JobOrphanedProfiles, r.config.ItemTimeout,
		func(ctx context.Context, sub *billing.Subscription) error {
			details, err := r.svc.RecurringDetails(ctx, sub)
			if err != nil {
				t.failed.Add(1)
				return fmt.Errorf("subscription %s: %w", sub.ID, err)
			}
			if details == nil || !details.Status.Live() {
				t.skipped.Add(1)
				return nil
			}
			if err := r.svc.CancelGatewayProfile(ctx, sub); err != nil {
				t.failed.Add(1)
				return fmt.Errorf("subscription %s: %w", sub.ID, err)
			}
			observability.FromContext(ctx).WithSubscription(sub.ID).WithField("profile_id", sub.PayPalProfileID).Info("orphaned gateway profile canceled")
			t.handled.Add(1)
			return nil
		})
}

// ExpireStaleActivations fails activations whose checkout was abandoned. The
// cancellations they triggered fail on the next RetryStaleCancellations run.
// An activation whose subscription did get activated is completed instead,
// along with the cancellations it triggered.
func (r *Reconciler) ExpireStaleActivations(ctx context.Context) (Result, error) {
	ctx = r.start(ctx, JobStaleActivations)
	var t tally
	before := r.now().Add(-r.config.ActivationTimeout)
	txs, err := r.ledger.ListStale(ctx, ledger.ActionActivation, ledger.StatusInitiated, before, r.config.BatchSize)
	if err != nil {
		return r.finish(ctx, JobStaleActivations, &t, []error{fmt.Errorf("failed to list stale activations: %w", err)})
	}

	errs := async.Batch(ctx, r.logger, txs, r.config.Workers, JobStaleActivations, r.config.ItemTimeout,
		func(ctx context.Context, tx *ledger.Transaction) error {
			sub, err := r.store.Get(ctx, tx.SubscriptionID)
			if err != nil {
				t.failed.Add(1)
				return fmt.Errorf("activation %s: %w", tx.ID, err)
			}
			if sub.Activated() {
				if err := r.proc.CompleteActivation(ctx, tx.ID, ""); err != nil {
					t.failed.Add(1)
					return fmt.Errorf("activation %s: %w", tx.ID, err)
				}
				observability.FromContext(ctx).WithSubscription(sub.ID).WithField("transaction_id", tx.ID).
					Info("stale activation recorded as complete")
				t.handled.Add(1)
				return nil
			}
			if _, err := r.ledger.SetStatus(ctx, tx.ID, ledger.StatusFailed); err != nil {
				if errors.Is(err, ledger.ErrInvalidTransition) {
					// completed concurrently
					t.skipped.Add(1)
					return nil
				}
				t.failed.Add(1)
				return fmt.Errorf("activation %s: %w", tx.ID, err)
			}
			t.handled.Add(1)
			return nil
		})
	return r.finish(ctx, JobStaleActivations, &t, errs)
}

// RunAll runs every job concurrently and returns their results in a fixed
// order. A failing job does not stop the others.
func (r *Reconciler) RunAll(ctx context.Context) ([]Result, error) {
	jobs := []func(context.Context) (Result, error){
		r.ExpireStaleActivations,
		r.RetryStaleCancellations,
		r.CancelOrphanedProfiles,
	}
	results := make([]Result, len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			results[i], errs[i] = job(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}
