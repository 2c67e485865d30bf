package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
)

// --- Mock Adapter ------------------------------------------------------------

type mockAdapter struct {
	mu sync.Mutex

	external []model.Item
	internal map[string]model.Record // internal id → record
	pushed   []model.Item
	nextID   int

	failTransform map[string]bool // external ids whose transform fails
	panicOn       map[string]bool // record titles whose apply panics
	fetchErr      error
	waitOnApply   bool // ApplyToInternal blocks until ctx is done
	recreate      bool // ApplyToExternal update returns a fresh id

	// entered is signalled (non-blocking) when FetchExternalData starts;
	// release, when non-nil, blocks it until closed.
	entered chan struct{}
	release chan struct{}

	fetches         int
	internalCreates int
	internalUpdates int
	externalCreates int
	externalUpdates int
}

func newMockAdapter(items ...model.Item) *mockAdapter {
	return &mockAdapter{
		external:      items,
		internal:      make(map[string]model.Record),
		failTransform: make(map[string]bool),
		panicOn:       make(map[string]bool),
	}
}

func (m *mockAdapter) Platform() model.Platform                  { return model.PlatformIssueTracker }
func (m *mockAdapter) Initialize(context.Context) error          { return nil }
func (m *mockAdapter) ValidateCredentials(context.Context) error { return nil }
func (m *mockAdapter) RefreshAccessToken(context.Context) error  { return nil }
func (m *mockAdapter) Cleanup(context.Context) error             { return nil }

func (m *mockAdapter) CheckHealth(context.Context) model.Health { return model.HealthHealthy }

func (m *mockAdapter) FetchExternalData(ctx context.Context) ([]model.Item, error) {
	m.mu.Lock()
	m.fetches++
	entered, release := m.entered, m.release
	m.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make([]model.Item, len(m.external))
	copy(out, m.external)
	return out, nil
}

func (m *mockAdapter) FetchInternalData(context.Context) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Record, 0, len(m.internal))
	for _, r := range m.internal {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockAdapter) TransformFromExternal(item model.Item) (model.Record, error) {
	m.mu.Lock()
	fail := m.failTransform[item.ID]
	m.mu.Unlock()
	if fail {
		return model.Record{}, model.TransformErrorf("cannot transform %s", item.ID)
	}
	return model.Record{Type: item.Type, Title: item.String("title"), ExternalURL: item.URL}, nil
}

func (m *mockAdapter) TransformToExternal(rec model.Record) (model.Item, error) {
	return model.Item{Type: rec.Type, Fields: map[string]any{"title": rec.Title}}, nil
}

func (m *mockAdapter) ApplyToInternal(ctx context.Context, op model.Operation, existingID string, rec model.Record) (model.Result, error) {
	m.mu.Lock()
	wait := m.waitOnApply
	m.mu.Unlock()
	if wait {
		<-ctx.Done()
		return model.Result{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.internal[existingID]; op == model.OpUpdate && ok {
		rec.ID = existingID
		rec.UpdatedAt = time.Now().UTC()
		m.internal[rec.ID] = rec
		m.internalUpdates++
		return model.Result{ID: rec.ID}, nil
	}
	m.nextID++
	rec.ID = fmt.Sprintf("rec-%d", m.nextID)
	rec.UpdatedAt = time.Now().UTC()
	m.internal[rec.ID] = rec
	m.internalCreates++
	return model.Result{ID: rec.ID}, nil
}

func (m *mockAdapter) ApplyToExternal(_ context.Context, op model.Operation, existingID string, item model.Item) (model.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, item)
	if op == model.OpUpdate && !m.recreate {
		m.externalUpdates++
		return model.Result{ID: existingID, URL: "https://example.test/" + existingID}, nil
	}
	m.nextID++
	id := fmt.Sprintf("ext-%d", m.nextID)
	m.externalCreates++
	return model.Result{ID: id, URL: "https://example.test/" + id}, nil
}

// check panics when key is listed in panicOn.
func (m *mockAdapter) check(key string) {
	m.mu.Lock()
	p := m.panicOn[key]
	m.mu.Unlock()
	if p {
		panic("mock adapter exploded on " + key)
	}
}

// panickyAdapter panics during ApplyToInternal for record titles in panicOn.
type panickyAdapter struct{ *mockAdapter }

func (p panickyAdapter) ApplyToInternal(ctx context.Context, op model.Operation, existingID string, rec model.Record) (model.Result, error) {
	p.check(rec.Title)
	return p.mockAdapter.ApplyToInternal(ctx, op, existingID, rec)
}

func (m *mockAdapter) seedRecord(rec model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.internal[rec.ID] = rec
}

func (m *mockAdapter) touchRecord(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.internal[id]
	r.UpdatedAt = at
	m.internal[id] = r
}

func (m *mockAdapter) counts() (creates, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.internalCreates, m.internalUpdates
}

func (m *mockAdapter) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// --- Mock Adapter Source -----------------------------------------------------

type mockSource struct {
	mu       sync.Mutex
	adapters map[string]adapter.Adapter
	onLoad   adapter.Adapter
	loadErr  error
	loads    int
}

func newMockSource() *mockSource {
	return &mockSource{adapters: make(map[string]adapter.Adapter)}
}

func (s *mockSource) put(id string, a adapter.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[id] = a
}

func (s *mockSource) Get(id string) (adapter.Adapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[id]
	return a, ok
}

func (s *mockSource) Load(_ context.Context, in *model.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return s.loadErr
	}
	if s.onLoad != nil {
		s.adapters[in.ID] = s.onLoad
	}
	return nil
}

// --- Mock Applier ------------------------------------------------------------

type recordingApplier struct {
	next ChangeApplier
	done chan adapter.Event
}

func (r *recordingApplier) ApplyChange(ctx context.Context, ev adapter.Event) (Stats, error) {
	s, err := r.next.ApplyChange(ctx, ev)
	r.done <- ev
	return s, err
}

// --- helpers -----------------------------------------------------------------

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(state.DriverSQLite, filepath.Join(t.TempDir(), "sync-test.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createIntegration(t *testing.T, store *state.Store, mutate func(*model.Integration)) *model.Integration {
	t.Helper()
	settings := model.DefaultSyncSettings()
	settings.Frequency = model.FrequencyHourly
	in := &model.Integration{
		WorkspaceID:  "ws-1",
		Name:         "acme/app",
		Platform:     model.PlatformIssueTracker,
		Config:       map[string]string{"owner": "acme", "repo": "app"},
		SyncSettings: settings,
		IsActive:     true,
	}
	if mutate != nil {
		mutate(in)
	}
	if err := store.CreateIntegration(context.Background(), in); err != nil {
		t.Fatalf("CreateIntegration: %v", err)
	}
	return in
}

func task(id, title string) model.Item {
	return model.Item{
		ID:     id,
		Type:   model.EntityTask,
		URL:    "https://example.test/issues/" + id,
		Fields: map[string]any{"title": title},
	}
}

// --- Shared-store Adapter ----------------------------------------------------

// storeAdapter keeps internal records in the real state store, so several
// integrations of one workspace see each other's imports.
type storeAdapter struct {
	*mockAdapter
	platform model.Platform
	store    *state.Store
	ws       string
}

func (s storeAdapter) Platform() model.Platform { return s.platform }

func (s storeAdapter) FetchInternalData(ctx context.Context) ([]model.Record, error) {
	return s.store.ListRecords(ctx, s.ws, []model.EntityType{model.EntityTask, model.EntityComment})
}

func (s storeAdapter) ApplyToInternal(ctx context.Context, op model.Operation, existingID string, rec model.Record) (model.Result, error) {
	rec.WorkspaceID = s.ws
	rec.SourcePlatform = s.platform
	var (
		out model.Record
		err error
	)
	if op == model.OpUpdate {
		rec.ID = existingID
		out, err = s.store.UpdateRecord(ctx, rec)
	} else {
		out, err = s.store.CreateRecord(ctx, rec)
	}
	if err != nil {
		return model.Result{}, err
	}
	return model.Result{ID: out.ID}, nil
}
