package sync

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/njoerd114/platformsync/internal/adapter"
)

// DefaultBuffer is the bridge channel capacity when none is configured.
const DefaultBuffer = 256

// ChangeApplier consumes realtime events. Implemented by [Orchestrator].
type ChangeApplier interface {
	ApplyChange(ctx context.Context, ev adapter.Event) (Stats, error)
}

// Bridge is a buffered channel between adapters pushing change events and the
// orchestrator. It implements [adapter.Emitter].
type Bridge struct {
	events     chan adapter.Event
	log        *slog.Logger
	cntDropped metric.Int64Counter
}

// NewBridge creates a Bridge holding up to buffer pending events.
func NewBridge(buffer int, logger *slog.Logger) *Bridge {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	meter := otel.Meter(otelScope)
	return &Bridge{
		events:     make(chan adapter.Event, buffer),
		log:        logger,
		cntDropped: mustCounter(meter, logger, metricDropped, "Number of realtime events dropped on a full buffer"),
	}
}

// Emit enqueues ev without blocking. A full buffer drops the event; the next
// full sync picks the change up.
func (b *Bridge) Emit(ev adapter.Event) bool {
	select {
	case b.events <- ev:
		return true
	default:
		b.log.Warn("realtime buffer full, dropping event",
			"integration_id", ev.IntegrationID,
			"type", ev.EntityType,
			"operation", ev.Operation,
			"external_id", ev.Payload.ID,
		)
		b.cntDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("integration.id", ev.IntegrationID)))
		return false
	}
}

// Pending returns the number of queued events.
func (b *Bridge) Pending() int {
	return len(b.events)
}

// Run hands queued events to applier one at a time. It blocks until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context, applier ChangeApplier) error {
	for {
		select {
		case <-ctx.Done():
			b.log.Info("realtime bridge shutting down", "pending", len(b.events))
			return ctx.Err()
		case ev := <-b.events:
			if _, err := applier.ApplyChange(ctx, ev); err != nil {
				b.log.Error("applying realtime change failed",
					"integration_id", ev.IntegrationID,
					"type", ev.EntityType,
					"error", err,
				)
			}
		}
	}
}
