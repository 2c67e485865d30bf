// Package control is the management surface of the daemon: integration
// lifecycle, on-demand syncs, status, logs, stats and retries. The CLI calls
// it directly.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
	"github.com/njoerd114/platformsync/internal/sync"
)

// DefaultStatsWindow is the Stats window when none is given.
const DefaultStatsWindow = 24 * time.Hour

// Store is the persistence the service needs. Implemented by [state.Store].
type Store interface {
	CreateIntegration(ctx context.Context, in *model.Integration) error
	GetIntegration(ctx context.Context, id string) (*model.Integration, error)
	ListIntegrations(ctx context.Context, f state.IntegrationFilter) ([]*model.Integration, error)
	PatchIntegration(ctx context.Context, id string, p state.IntegrationPatch) error
	SetPaused(ctx context.Context, id string, paused bool) error
	QuerySyncLogs(ctx context.Context, q state.LogQuery) ([]*state.SyncLog, int, error)
	Stats(ctx context.Context, workspaceID string, since time.Time) ([]state.StatRow, error)
}

// Registry manages live adapters. Implemented by [registry.Registry].
type Registry interface {
	Load(ctx context.Context, in *model.Integration) error
	Reload(ctx context.Context, in *model.Integration) error
	Detach(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	CheckCredentials(ctx context.Context, in *model.Integration) error
	Health(ctx context.Context, id string) model.Health
}

// Runner starts full syncs. Implemented by [scheduler.Scheduler].
type Runner interface {
	Trigger(ctx context.Context, id string) (sync.Stats, error)
	Enqueue(id string)
	RetryFailed(ctx context.Context, id string, logIDs []string) ([]string, sync.Stats, error)
}

// Catalog reports which platforms have an adapter.
// Implemented by [adapter.Catalog].
type Catalog interface {
	Supports(p model.Platform) bool
}

// Service implements the control operations. Create one with [New].
type Service struct {
	store    Store
	registry Registry
	runner   Runner
	catalog  Catalog
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Service.
func New(store Store, registry Registry, runner Runner, catalog Catalog, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		runner:   runner,
		catalog:  catalog,
		now:      time.Now,
		log:      logger,
	}
}

// CreateRequest describes a new integration. A nil SyncSettings selects the
// defaults.
type CreateRequest struct {
	WorkspaceID  string
	Name         string
	Platform     model.Platform
	Credentials  model.Credentials
	Config       map[string]string
	SyncSettings *model.SyncSettings
}

// UpdateRequest changes the mutable parts of an integration. Nil fields are
// left alone. Workspace and platform cannot change.
type UpdateRequest struct {
	Name         *string
	Config       map[string]string
	Credentials  *model.Credentials
	SyncSettings *model.SyncSettings
}

// ListFilter narrows ListIntegrations.
type ListFilter struct {
	WorkspaceID     string
	Platform        model.Platform
	IncludeInactive bool
}

// StatusReport merges the stored integration with its live health.
type StatusReport struct {
	Integration *model.Integration
	Health      model.Health
}

// LogPage is one page of sync logs.
type LogPage struct {
	Logs  []*state.SyncLog
	Total int
	Page  int
	Limit int
	Pages int
}

// RetryResult reports a RetryFailed call.
type RetryResult struct {
	Marked []string
	Stats  sync.Stats
}

// CreateIntegration validates req, stores the integration and loads its
// adapter. A load failure does not fail the call; it is visible on the
// returned integration's status and error log.
func (s *Service) CreateIntegration(ctx context.Context, req CreateRequest) (*model.Integration, error) {
	switch {
	case req.WorkspaceID == "":
		return nil, model.ConfigErrorf("workspace id is required")
	case req.Name == "":
		return nil, model.ConfigErrorf("name is required")
	case !s.catalog.Supports(req.Platform):
		return nil, model.ConfigErrorf("unsupported platform %q", req.Platform)
	}

	settings := model.DefaultSyncSettings()
	if req.SyncSettings != nil {
		settings = *req.SyncSettings
	}
	if err := normalizeSettings(&settings); err != nil {
		return nil, err
	}

	in := &model.Integration{
		WorkspaceID:  req.WorkspaceID,
		Name:         req.Name,
		Platform:     req.Platform,
		Credentials:  req.Credentials,
		Config:       req.Config,
		SyncSettings: settings,
		IsActive:     true,
	}
	if err := s.store.CreateIntegration(ctx, in); err != nil {
		return nil, err
	}
	s.log.Info("integration created", "integration_id", in.ID, "platform", in.Platform, "workspace_id", in.WorkspaceID)

	if err := s.registry.Load(ctx, in); err != nil {
		s.log.Warn("integration created but not loaded", "integration_id", in.ID, "error", err)
	} else if settings.AutoSync {
		s.runner.Enqueue(in.ID)
	}
	return s.GetIntegration(ctx, in.ID)
}

// UpdateIntegration applies req and reloads the adapter of an active,
// unpaused integration so the new settings take effect. Only the fields req
// sets are written.
func (s *Service) UpdateIntegration(ctx context.Context, id string, req UpdateRequest) (*model.Integration, error) {
	if _, err := s.GetIntegration(ctx, id); err != nil {
		return nil, err
	}
	if req.Name != nil && *req.Name == "" {
		return nil, model.ConfigErrorf("name cannot be empty")
	}
	patch := state.IntegrationPatch{
		Name:        req.Name,
		Config:      req.Config,
		Credentials: req.Credentials,
	}
	if req.SyncSettings != nil {
		settings := *req.SyncSettings
		if err := normalizeSettings(&settings); err != nil {
			return nil, err
		}
		patch.SyncSettings = &settings
	}
	if err := s.store.PatchIntegration(ctx, id, patch); err != nil {
		return nil, err
	}

	in, err := s.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.IsActive && in.SyncStatus != model.SyncStatusPaused {
		if err := s.registry.Reload(ctx, in); err != nil {
			s.log.Warn("reload after update failed", "integration_id", id, "error", err)
		}
	}
	return in, nil
}

// DeleteIntegration unloads the adapter and soft-deletes the integration.
func (s *Service) DeleteIntegration(ctx context.Context, id string) error {
	if _, err := s.GetIntegration(ctx, id); err != nil {
		return err
	}
	if err := s.registry.Unload(ctx, id); err != nil {
		return fmt.Errorf("deleting integration %s: %w", id, err)
	}
	s.log.Info("integration deleted", "integration_id", id)
	return nil
}

// ListIntegrations returns matching integrations, active ones only unless
// f.IncludeInactive is set.
func (s *Service) ListIntegrations(ctx context.Context, f ListFilter) ([]*model.Integration, error) {
	return s.store.ListIntegrations(ctx, state.IntegrationFilter{
		WorkspaceID: f.WorkspaceID,
		Platform:    f.Platform,
		ActiveOnly:  !f.IncludeInactive,
	})
}

// GetIntegration returns the integration or model.ErrNotFound.
func (s *Service) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	in, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, fmt.Errorf("integration %s: %w", id, model.ErrNotFound)
	}
	return in, nil
}

// TriggerSync runs a full sync of id now. A sync already in flight yields
// sync.ErrSyncInFlight.
func (s *Service) TriggerSync(ctx context.Context, id string) (sync.Stats, error) {
	in, err := s.GetIntegration(ctx, id)
	if err != nil {
		return sync.Stats{}, err
	}
	if !in.IsActive {
		return sync.Stats{}, fmt.Errorf("%w: integration %s is deleted", model.ErrConflict, id)
	}
	if in.SyncStatus == model.SyncStatusPaused {
		return sync.Stats{}, fmt.Errorf("%w: integration %s is paused", model.ErrConflict, id)
	}
	return s.runner.Trigger(ctx, id)
}

// Pause stops scheduled and realtime syncs for id and detaches its adapter.
func (s *Service) Pause(ctx context.Context, id string) (*model.Integration, error) {
	if _, err := s.GetIntegration(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.SetPaused(ctx, id, true); err != nil {
		return nil, err
	}
	if err := s.registry.Detach(ctx, id); err != nil {
		s.log.Warn("detaching paused integration", "integration_id", id, "error", err)
	}
	s.log.Info("integration paused", "integration_id", id)
	return s.GetIntegration(ctx, id)
}

// Resume re-enables syncing for id and loads its adapter.
func (s *Service) Resume(ctx context.Context, id string) (*model.Integration, error) {
	in, err := s.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if !in.IsActive {
		return nil, fmt.Errorf("%w: integration %s is deleted", model.ErrConflict, id)
	}
	if err := s.store.SetPaused(ctx, id, false); err != nil {
		return nil, err
	}
	if in, err = s.GetIntegration(ctx, id); err != nil {
		return nil, err
	}
	if err := s.registry.Load(ctx, in); err != nil {
		s.log.Warn("loading resumed integration", "integration_id", id, "error", err)
	}
	s.log.Info("integration resumed", "integration_id", id)
	return s.GetIntegration(ctx, id)
}

// Status reports the stored integration together with its live health.
func (s *Service) Status(ctx context.Context, id string) (*StatusReport, error) {
	in, err := s.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Integration: in, Health: s.registry.Health(ctx, id)}, nil
}

// Test checks the integration's credentials against its platform.
func (s *Service) Test(ctx context.Context, id string) error {
	in, err := s.GetIntegration(ctx, id)
	if err != nil {
		return err
	}
	if err := s.registry.CheckCredentials(ctx, in); err != nil {
		return fmt.Errorf("testing %s integration %s: %w", in.Platform, id, err)
	}
	return nil
}

// Logs returns one page of the integration's sync logs, newest first.
// Page and Limit default to 1 and 50.
func (s *Service) Logs(ctx context.Context, id string, q state.LogQuery) (*LogPage, error) {
	if _, err := s.GetIntegration(ctx, id); err != nil {
		return nil, err
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 50
	}
	q.IntegrationID = id
	logs, total, err := s.store.QuerySyncLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	return &LogPage{
		Logs:  logs,
		Total: total,
		Page:  q.Page,
		Limit: q.Limit,
		Pages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// Stats aggregates the sync logs of the integration's workspace over the
// trailing window, 24h when zero.
func (s *Service) Stats(ctx context.Context, id string, window time.Duration) ([]state.StatRow, error) {
	in, err := s.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultStatsWindow
	}
	return s.store.Stats(ctx, in.WorkspaceID, s.now().Add(-window))
}

// RetryFailed retries the integration's failed log rows, all retryable ones
// when logIDs is empty.
func (s *Service) RetryFailed(ctx context.Context, id string, logIDs []string) (*RetryResult, error) {
	if _, err := s.GetIntegration(ctx, id); err != nil {
		return nil, err
	}
	marked, stats, err := s.runner.RetryFailed(ctx, id, logIDs)
	return &RetryResult{Marked: marked, Stats: stats}, err
}

func normalizeSettings(st *model.SyncSettings) error {
	if st.Frequency == "" {
		st.Frequency = model.FrequencyRealtime
	}
	if !st.Frequency.Valid() {
		return model.ConfigErrorf("invalid frequency %q", st.Frequency)
	}
	if len(st.EntityTypes) == 0 {
		st.EntityTypes = model.DefaultSyncSettings().EntityTypes
	}
	for _, t := range st.EntityTypes {
		if _, err := model.ParseEntityType(string(t)); err != nil {
			return model.ConfigErrorf("invalid entity type %q", t)
		}
	}
	return nil
}
