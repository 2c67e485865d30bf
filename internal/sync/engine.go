package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/lock"
	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
)

const (
	otelScope      = "platformsync/sync"
	spanFull       = "sync.full"
	spanRealtime   = "sync.realtime_item"
	metricCreated  = "platformsync.sync.items.created"
	metricUpdated  = "platformsync.sync.items.updated"
	metricSkipped  = "platformsync.sync.items.skipped"
	metricErrors   = "platformsync.sync.items.errors"
	metricRuns     = "platformsync.sync.runs"
	metricDropped  = "platformsync.realtime.dropped"
	defaultBudget  = 10 * time.Minute
	opFullSync     = "full_sync"
	flightKeyScope = "sync:"
)

// ErrSyncInFlight is returned by FullSync when another sync of the same
// integration is running. The second trigger is dropped, not queued.
var ErrSyncInFlight = errors.New("sync already in flight")

// Stats tracks the outcome of one full sync or realtime change.
type Stats struct {
	Created int
	Updated int
	Skipped int
	Errors  int
}

func (s *Stats) add(o Stats) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Orchestrator runs full syncs and applies realtime changes. Create one with
// [NewOrchestrator].
type Orchestrator struct {
	store    StateStore
	adapters AdapterSource
	flight   lock.Locker
	items    *lock.Keyed
	budget   time.Duration
	now      func() time.Time
	log      *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntCreated metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntSkipped metric.Int64Counter
	cntErrors  metric.Int64Counter
	cntRuns    metric.Int64Counter
}

// NewOrchestrator creates an Orchestrator. flight provides the per-integration
// single-flight lock; budget bounds each full sync and defaults to 10 minutes
// when zero.
func NewOrchestrator(store StateStore, adapters AdapterSource, flight lock.Locker, budget time.Duration, logger *slog.Logger) *Orchestrator {
	if budget <= 0 {
		budget = defaultBudget
	}
	meter := otel.Meter(otelScope)
	return &Orchestrator{
		store:    store,
		adapters: adapters,
		flight:   flight,
		items:    lock.NewKeyed(),
		budget:   budget,
		now:      time.Now,
		log:      logger,

		tracer:     otel.Tracer(otelScope),
		cntCreated: mustCounter(meter, logger, metricCreated, "Number of entities created during sync"),
		cntUpdated: mustCounter(meter, logger, metricUpdated, "Number of entities updated during sync"),
		cntSkipped: mustCounter(meter, logger, metricSkipped, "Number of entities skipped during sync"),
		cntErrors:  mustCounter(meter, logger, metricErrors, "Number of entity failures during sync"),
		cntRuns:    mustCounter(meter, logger, metricRuns, "Number of full syncs started"),
	}
}

func mustCounter(meter metric.Meter, logger *slog.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Error("creating OTel counter", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

// FullSync runs one import phase and, for bidirectional integrations, one
// export phase. A missing, inactive or paused integration is a no-op. Item
// failures are logged and counted but do not fail the run; fetch failures and
// an exceeded budget do, and are appended to the integration's error log.
func (o *Orchestrator) FullSync(ctx context.Context, id string) (Stats, error) {
	release, ok, err := o.flight.TryAcquire(ctx, flightKeyScope+id)
	if err != nil {
		return Stats{}, fmt.Errorf("acquiring sync lock for %s: %w", id, err)
	}
	if !ok {
		o.log.Info("sync already running, dropping trigger", "integration_id", id)
		return Stats{}, ErrSyncInFlight
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, spanFull, trace.WithAttributes(attribute.String("integration.id", id)))
	defer span.End()
	o.cntRuns.Add(ctx, 1)

	in, err := o.store.GetIntegration(ctx, id)
	if err != nil {
		span.RecordError(err)
		return Stats{}, fmt.Errorf("loading integration %s: %w", id, err)
	}
	if in == nil || !in.IsActive || in.SyncStatus == model.SyncStatusPaused {
		o.log.Debug("integration not runnable, skipping sync", "integration_id", id)
		return Stats{}, nil
	}

	a, err := o.adapterFor(ctx, in)
	if err != nil {
		o.fail(ctx, in, err)
		span.RecordError(err)
		return Stats{}, err
	}

	start := o.now()
	phase, dir := model.SyncImport, model.FromExternal
	stats, err := o.importPhase(ctx, in, a)
	if err == nil && in.SyncSettings.Bidirectional {
		phase, dir = model.SyncExport, model.ToExternal
		var es Stats
		es, err = o.exportPhase(ctx, in, a)
		stats.add(es)
	}
	o.record(ctx, span, stats)

	if err != nil {
		o.fail(ctx, in, err)
		o.logPhaseFailure(ctx, in, phase, dir, start, err)
		span.RecordError(err)
		return stats, err
	}
	if err := o.store.MarkSyncSuccess(ctx, id, o.now()); err != nil {
		return stats, fmt.Errorf("marking sync success for %s: %w", id, err)
	}

	o.log.Info("sync complete",
		"integration_id", id,
		"platform", in.Platform,
		"created", stats.Created,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
		"duration", o.now().Sub(start),
	)
	return stats, nil
}

// ApplyChange imports one realtime change. Events for integrations that are
// not runnable or not loaded, and for entity types the integration does not
// sync, are dropped. Deletes are recorded as skipped.
func (o *Orchestrator) ApplyChange(ctx context.Context, ev adapter.Event) (Stats, error) {
	ctx, span := o.tracer.Start(ctx, spanRealtime, trace.WithAttributes(
		attribute.String("integration.id", ev.IntegrationID),
		attribute.String("entity.type", string(ev.EntityType)),
		attribute.String("operation", string(ev.Operation)),
	))
	defer span.End()

	in, err := o.store.GetIntegration(ctx, ev.IntegrationID)
	if err != nil {
		span.RecordError(err)
		return Stats{}, fmt.Errorf("loading integration %s: %w", ev.IntegrationID, err)
	}
	if in == nil || !in.IsActive || in.SyncStatus == model.SyncStatusPaused {
		o.log.Debug("dropping event for idle integration", "integration_id", ev.IntegrationID)
		return Stats{}, nil
	}
	if !in.SyncSettings.Includes(ev.EntityType) {
		o.log.Debug("dropping event for unsynced type", "integration_id", in.ID, "type", ev.EntityType)
		return Stats{}, nil
	}
	a, ok := o.adapters.Get(in.ID)
	if !ok {
		o.log.Debug("dropping event for unloaded integration", "integration_id", in.ID)
		return Stats{}, nil
	}

	item := ev.Payload
	if item.Type == "" {
		item.Type = ev.EntityType
	}

	var stats Stats
	if ev.Operation == model.OpDelete {
		o.logSkippedDelete(ctx, in, item)
		stats.Skipped++
	} else {
		stats = o.importItem(ctx, in, a, item)
	}
	o.record(ctx, span, stats)
	return stats, nil
}

// adapterFor returns the live adapter, asking the registry to load it once
// when missing.
func (o *Orchestrator) adapterFor(ctx context.Context, in *model.Integration) (adapter.Adapter, error) {
	if a, ok := o.adapters.Get(in.ID); ok {
		return a, nil
	}
	if err := o.adapters.Load(ctx, in); err != nil {
		return nil, fmt.Errorf("loading adapter for %s: %w", in.ID, err)
	}
	a, ok := o.adapters.Get(in.ID)
	if !ok {
		return nil, model.ConfigErrorf("adapter for %s not available after load", in.ID)
	}
	return a, nil
}

// fail appends err to the integration's error log. It runs detached from ctx
// so a timed-out run still records why.
func (o *Orchestrator) fail(ctx context.Context, in *model.Integration, err error) {
	o.log.Error("sync failed", "integration_id", in.ID, "platform", in.Platform, "error", err)
	entry := model.ErrorEntry{
		Timestamp: o.now().UTC(),
		Operation: opFullSync,
		Message:   err.Error(),
		Code:      model.ErrorCode(err),
	}
	if aerr := o.store.AppendIntegrationError(context.WithoutCancel(ctx), in.ID, entry); aerr != nil {
		o.log.Error("recording sync failure", "integration_id", in.ID, "error", aerr)
	}
}

// logPhaseFailure writes one sync log row for a phase that stopped early,
// such as a failed fetch or an exhausted budget, so the failure shows up in
// the log and can be retried.
func (o *Orchestrator) logPhaseFailure(ctx context.Context, in *model.Integration, st model.SyncType, dir model.Direction, start time.Time, err error) {
	entry := o.newLog(in, st, dir, "")
	entry.Operation = model.OpSync
	entry.Status = model.LogError
	entry.Error = &state.LogError{Message: err.Error(), Code: model.ErrorCode(err)}
	entry.ProcessingTime = o.now().Sub(start)
	if lerr := o.store.AppendSyncLog(context.WithoutCancel(ctx), entry); lerr != nil {
		o.log.Error("writing sync log", "integration_id", in.ID, "error", lerr)
	}
}

// record adds stats to the counters and span.
func (o *Orchestrator) record(ctx context.Context, span trace.Span, stats Stats) {
	if stats.Created > 0 {
		o.cntCreated.Add(ctx, int64(stats.Created))
	}
	if stats.Updated > 0 {
		o.cntUpdated.Add(ctx, int64(stats.Updated))
	}
	if stats.Skipped > 0 {
		o.cntSkipped.Add(ctx, int64(stats.Skipped))
	}
	if stats.Errors > 0 {
		o.cntErrors.Add(ctx, int64(stats.Errors))
	}
	span.SetAttributes(
		attribute.Int("sync.created", stats.Created),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.skipped", stats.Skipped),
		attribute.Int("sync.errors", stats.Errors),
	)
}
