// Package scheduler dispatches full syncs: on the hourly, daily and weekly
// cron cadences, on demand, and for retries of failed log rows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/platformsync/internal/config"
	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
	"github.com/njoerd114/platformsync/internal/sync"
)

// Syncer runs one full sync. Implemented by [sync.Orchestrator].
type Syncer interface {
	FullSync(ctx context.Context, id string) (sync.Stats, error)
}

// Store lists integrations and moves log rows through the retry cycle.
// Implemented by [state.Store].
type Store interface {
	ListIntegrations(ctx context.Context, f state.IntegrationFilter) ([]*model.Integration, error)
	MarkForRetry(ctx context.Context, integrationID string, ids []string) ([]string, error)
	ResolvePending(ctx context.Context, ids []string, status model.LogStatus) error
}

// Options configures the cadences and worker pool.
type Options struct {
	Workers int
	Hourly  string
	Daily   string
	Weekly  string
}

// Scheduler owns the cron jobs and the sync worker pool. Create one with
// [New], then [Scheduler.Start] it.
type Scheduler struct {
	cron    *gocron.Scheduler
	store   Store
	syncer  Syncer
	workers int
	exprs   map[model.Frequency]string
	log     *slog.Logger

	// ctx scopes cron runs and enqueued syncs; Stop cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	pending gosync.WaitGroup
}

// New creates a stopped Scheduler. Empty cadences fall back to the defaults.
func New(store Store, syncer Syncer, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = config.DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		store:   store,
		syncer:  syncer,
		workers: opts.Workers,
		exprs: map[model.Frequency]string{
			model.FrequencyHourly: orDefault(opts.Hourly, config.DefaultHourly),
			model.FrequencyDaily:  orDefault(opts.Daily, config.DefaultDaily),
			model.FrequencyWeekly: orDefault(opts.Weekly, config.DefaultWeekly),
		},
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Start registers one cron job per cadence and starts them in the
// background.
func (s *Scheduler) Start() error {
	for _, freq := range []model.Frequency{model.FrequencyHourly, model.FrequencyDaily, model.FrequencyWeekly} {
		expr := s.exprs[freq]
		job, err := s.cron.Cron(expr).Do(func() {
			if _, err := s.RunCadence(s.ctx, freq); err != nil {
				s.log.Error("cadence run failed", "frequency", freq, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling %s cadence %q: %w", freq, expr, err)
		}
		job.Tag(string(freq))
		job.SingletonMode()
		s.log.Debug("cadence scheduled", "frequency", freq, "cron", expr)
	}
	s.cron.StartAsync()
	s.log.Info("scheduler started", "workers", s.workers)
	return nil
}

// Every runs fn every d under the scheduler's context, starting now. Runs do
// not overlap. Errors are logged. name tags the job.
func (s *Scheduler) Every(d time.Duration, name string, fn func(context.Context) error) error {
	job, err := s.cron.Every(d).Do(func() {
		if err := fn(s.ctx); err != nil {
			s.log.Error("periodic job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %s every %v: %w", name, d, err)
	}
	job.Tag(name)
	job.SingletonMode()
	s.log.Debug("periodic job scheduled", "job", name, "interval", d)
	return nil
}

// Stop halts the cron jobs, cancels running syncs and waits for enqueued
// ones to return.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	s.pending.Wait()
	s.log.Info("scheduler stopped")
}

// RunCadence fully syncs every active, auto-syncing integration whose
// frequency is freq, at most Workers at a time. Per-integration failures are
// logged, not returned. It returns the number of syncs dispatched.
func (s *Scheduler) RunCadence(ctx context.Context, freq model.Frequency) (int, error) {
	all, err := s.store.ListIntegrations(ctx, state.IntegrationFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("listing integrations for %s cadence: %w", freq, err)
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	dispatched := 0
	for _, in := range all {
		if !in.SyncSettings.AutoSync || in.SyncSettings.Frequency != freq || in.SyncStatus == model.SyncStatusPaused {
			continue
		}
		id := in.ID
		dispatched++
		g.Go(func() error {
			s.run(ctx, id)
			return nil
		})
	}
	err = g.Wait()
	s.log.Info("cadence run complete", "frequency", freq, "dispatched", dispatched)
	return dispatched, err
}

// run performs one full sync and logs its outcome.
func (s *Scheduler) run(ctx context.Context, id string) {
	stats, err := s.syncer.FullSync(ctx, id)
	switch {
	case errors.Is(err, sync.ErrSyncInFlight):
		s.log.Debug("sync coalesced", "integration_id", id)
	case err != nil:
		s.log.Error("scheduled sync failed", "integration_id", id, "error", err)
	default:
		s.log.Debug("scheduled sync finished", "integration_id", id,
			"created", stats.Created, "updated", stats.Updated, "errors", stats.Errors)
	}
}

// Trigger runs a full sync of id now and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, id string) (sync.Stats, error) {
	return s.syncer.FullSync(ctx, id)
}

// Enqueue starts a full sync of id in the background. Stop waits for it.
func (s *Scheduler) Enqueue(id string) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.run(s.ctx, id)
	}()
}

// Wait blocks until every enqueued sync has returned. Unlike Stop it does not
// cancel them.
func (s *Scheduler) Wait() {
	s.pending.Wait()
}

// RetryFailed moves the integration's retryable error rows (all of them when
// logIDs is empty) to pending, runs a fresh full sync, and resolves the
// marked rows to success or error with the run's outcome. Rows already
// retried the maximum number of times are left untouched.
func (s *Scheduler) RetryFailed(ctx context.Context, id string, logIDs []string) ([]string, sync.Stats, error) {
	marked, err := s.store.MarkForRetry(ctx, id, logIDs)
	if err != nil {
		return nil, sync.Stats{}, fmt.Errorf("marking logs of %s for retry: %w", id, err)
	}
	if len(marked) == 0 {
		s.log.Info("nothing to retry", "integration_id", id)
		return nil, sync.Stats{}, nil
	}

	stats, syncErr := s.Trigger(ctx, id)
	outcome := model.LogSuccess
	if syncErr != nil || stats.Errors > 0 {
		outcome = model.LogError
	}
	if err := s.store.ResolvePending(context.WithoutCancel(ctx), marked, outcome); err != nil {
		return marked, stats, errors.Join(syncErr, fmt.Errorf("resolving retried logs of %s: %w", id, err))
	}
	s.log.Info("retry finished", "integration_id", id, "rows", len(marked), "outcome", outcome)
	return marked, stats, syncErr
}
