// Package sync implements the full-sync orchestrator and the realtime bridge.
// A full sync pulls every external item of an integration into the internal
// store (import) and, for bidirectional integrations, pushes changed internal
// records back out (export). Mappings tie the two sides together.
//
// The package contains two main components:
//
//   - [Orchestrator] runs full syncs and single realtime changes.
//   - [Bridge] carries change events from adapters to the orchestrator.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
)

// StateStore provides access to integrations, mappings and sync logs.
// Implemented by [state.Store].
type StateStore interface {
	GetIntegration(ctx context.Context, id string) (*model.Integration, error)
	MarkSyncSuccess(ctx context.Context, id string, at time.Time) error
	AppendIntegrationError(ctx context.Context, id string, e model.ErrorEntry) error

	GetMappingByExternal(ctx context.Context, integrationID string, t model.EntityType, externalID string) (*state.Mapping, error)
	GetMappingByInternal(ctx context.Context, integrationID string, t model.EntityType, internalID string) (*state.Mapping, error)
	CreateMapping(ctx context.Context, m *state.Mapping) error
	TouchMapping(ctx context.Context, id string, lastSynced time.Time, externalURL string) error
	ReplaceMapping(ctx context.Context, oldID string, next *state.Mapping) error

	AppendSyncLog(ctx context.Context, l *state.SyncLog) error
}

// AdapterSource hands out live adapters. Implemented by [registry.Registry].
type AdapterSource interface {
	Get(id string) (adapter.Adapter, bool)
	Load(ctx context.Context, in *model.Integration) error
}
