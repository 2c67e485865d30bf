package control

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
	psync "github.com/njoerd114/platformsync/internal/sync"
)

// --- Mock Registry -----------------------------------------------------------

type mockRegistry struct {
	mu       sync.Mutex
	live     map[string]bool
	loadErr  error
	credsErr error
	calls    []string
}

func newMockRegistry() *mockRegistry { return &mockRegistry{live: make(map[string]bool)} }

func (m *mockRegistry) record(op, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+":"+id)
}

func (m *mockRegistry) Load(_ context.Context, in *model.Integration) error {
	m.record("load", in.ID)
	if m.loadErr != nil {
		return m.loadErr
	}
	m.mu.Lock()
	m.live[in.ID] = true
	m.mu.Unlock()
	return nil
}

func (m *mockRegistry) Reload(_ context.Context, in *model.Integration) error {
	m.record("reload", in.ID)
	return nil
}

func (m *mockRegistry) Detach(_ context.Context, id string) error {
	m.record("detach", id)
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
	return nil
}

func (m *mockRegistry) Unload(_ context.Context, id string) error {
	m.record("unload", id)
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
	return nil
}

func (m *mockRegistry) CheckCredentials(_ context.Context, in *model.Integration) error {
	m.record("check", in.ID)
	return m.credsErr
}

func (m *mockRegistry) Health(_ context.Context, id string) model.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[id] {
		return model.HealthHealthy
	}
	return model.HealthNotLoaded
}

func (m *mockRegistry) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// --- Mock Runner -------------------------------------------------------------

type mockRunner struct {
	mu        sync.Mutex
	triggered []string
	enqueued  []string
	retried   []string
	stats     psync.Stats
	err       error
}

func (m *mockRunner) Trigger(_ context.Context, id string) (psync.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered = append(m.triggered, id)
	return m.stats, m.err
}

func (m *mockRunner) Enqueue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, id)
}

func (m *mockRunner) RetryFailed(_ context.Context, id string, logIDs []string) ([]string, psync.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried = append(m.retried, id)
	return logIDs, m.stats, m.err
}

// --- Mock Catalog ------------------------------------------------------------

type mockCatalog map[model.Platform]bool

func (c mockCatalog) Supports(p model.Platform) bool { return c[p] }

// --- helpers -----------------------------------------------------------------

type fixture struct {
	svc      *Service
	store    *state.Store
	registry *mockRegistry
	runner   *mockRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.Open(state.DriverSQLite, filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := newMockRegistry()
	run := &mockRunner{}
	cat := mockCatalog{model.PlatformIssueTracker: true, model.PlatformChat: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		svc:      New(store, reg, run, cat, logger),
		store:    store,
		registry: reg,
		runner:   run,
	}
}

func (f *fixture) create(t *testing.T, p model.Platform) *model.Integration {
	t.Helper()
	in, err := f.svc.CreateIntegration(context.Background(), CreateRequest{
		WorkspaceID: "ws-1",
		Name:        string(p) + " integration",
		Platform:    p,
		Credentials: model.Credentials{AccessToken: "tok"},
	})
	if err != nil {
		t.Fatalf("CreateIntegration: %v", err)
	}
	return in
}
