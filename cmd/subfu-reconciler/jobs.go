package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/reconcile"
	"github.com/platinummonkey/subscriptionfu/pkg/storage/postgres"
)

type job struct {
	name     string
	schedule string
	run      func(context.Context) (reconcile.Result, error)
}

func (a *app) jobs() []job {
	rc := a.cfg.Reconcile
	return []job{
		{reconcile.JobStaleActivations, rc.StaleActivationsSchedule, a.reconciler.ExpireStaleActivations},
		{reconcile.JobStaleCancellations, rc.StaleCancellationsSchedule, a.reconciler.RetryStaleCancellations},
		{reconcile.JobOrphanedProfiles, rc.OrphanedProfilesSchedule, a.reconciler.CancelOrphanedProfiles},
	}
}

// schedule registers every job with cron. Overlapping runs of one job are
// skipped, and with Redis configured only one instance runs a job at a time.
func (a *app) schedule(logger *logrus.Logger) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	for _, j := range a.jobs() {
		if _, err := c.AddFunc(j.schedule, func() { a.runJob(context.Background(), logger, j) }); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}
	return c, nil
}

func (a *app) runJob(ctx context.Context, logger *logrus.Logger, j job) {
	runID := uuid.NewString()
	ctx = observability.WithRequestID(ctx, runID)
	entry := logger.WithFields(logrus.Fields{"job": j.name, "run_id": runID})

	if a.redis != nil {
		release, err := a.redis.Lock(ctx, j.name, a.cfg.Reconcile.LockTTL)
		if errors.Is(err, postgres.ErrLockHeld) {
			entry.Debug("Job is running on another instance, skipping")
			return
		}
		if err != nil {
			entry.WithError(err).Error("Failed to acquire job lock")
			return
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				entry.WithError(err).Warn("Failed to release job lock")
			}
		}()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Reconcile.LockTTL)
		defer cancel()
	}

	start := time.Now()
	result, err := j.run(ctx)
	entry = entry.WithFields(logrus.Fields{
		"handled":  result.Handled,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Error("Job finished with failures")
		return
	}
	entry.Info("Job finished")
}

// runOnce runs all jobs, or only the named one, and reports the outcome
func (a *app) runOnce(ctx context.Context, logger *logrus.Logger, only string) error {
	ctx = observability.WithRequestID(ctx, uuid.NewString())
	if only == "" {
		results, err := a.reconciler.RunAll(ctx)
		for _, r := range results {
			logger.WithFields(logrus.Fields{
				"job":     r.Job,
				"handled": r.Handled,
				"failed":  r.Failed,
				"skipped": r.Skipped,
			}).Info("Job finished")
		}
		return err
	}

	for _, j := range a.jobs() {
		if j.name != only {
			continue
		}
		result, err := j.run(ctx)
		logger.WithFields(logrus.Fields{
			"job":     result.Job,
			"handled": result.Handled,
			"failed":  result.Failed,
			"skipped": result.Skipped,
		}).Info("Job finished")
		return err
	}
	return fmt.Errorf("unknown job %q", only)
}

// close releases everything build opened, newest first. logger may be nil.
func (a *app) close(logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil && logger != nil {
			logger.WithError(err).Warnf("Failed to close %s", c.name)
		}
	}
}
