package control

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
	psync "github.com/njoerd114/platformsync/internal/sync"
)

// --- create ------------------------------------------------------------------

func TestCreateIntegration_DefaultsLoadAndInitialSync(t *testing.T) {
	f := newFixture(t)
	in := f.create(t, model.PlatformIssueTracker)

	if in.ID == "" || !in.IsActive {
		t.Fatalf("created = %+v", in)
	}
	want := model.DefaultSyncSettings()
	if in.SyncSettings.Frequency != want.Frequency || !in.SyncSettings.AutoSync || !in.SyncSettings.Bidirectional {
		t.Errorf("settings = %+v, want defaults", in.SyncSettings)
	}
	if !slices.Equal(f.registry.called(), []string{"load:" + in.ID}) {
		t.Errorf("registry calls = %v", f.registry.called())
	}
	if !slices.Equal(f.runner.enqueued, []string{in.ID}) {
		t.Errorf("enqueued = %v, want initial sync", f.runner.enqueued)
	}
}

func TestCreateIntegration_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := model.SyncSettings{Frequency: "every-minute"}
	badType := model.SyncSettings{Frequency: model.FrequencyHourly, EntityTypes: []model.EntityType{"widget"}}

	cases := map[string]CreateRequest{
		"no workspace":    {Name: "x", Platform: model.PlatformChat},
		"no name":         {WorkspaceID: "ws", Platform: model.PlatformChat},
		"unsupported":     {WorkspaceID: "ws", Name: "x", Platform: model.PlatformTodo},
		"bad frequency":   {WorkspaceID: "ws", Name: "x", Platform: model.PlatformChat, SyncSettings: &bad},
		"bad entity type": {WorkspaceID: "ws", Name: "x", Platform: model.PlatformChat, SyncSettings: &badType},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.svc.CreateIntegration(ctx, req); !errors.Is(err, model.ErrConfiguration) {
				t.Errorf("err = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestCreateIntegration_Conflict(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.PlatformChat)
	_, err := f.svc.CreateIntegration(context.Background(), CreateRequest{
		WorkspaceID: "ws-1", Name: "again", Platform: model.PlatformChat,
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestCreateIntegration_LoadFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.registry.loadErr = model.ErrAuth
	in := f.create(t, model.PlatformChat)

	if len(f.runner.enqueued) != 0 {
		t.Errorf("enqueued = %v, want none after failed load", f.runner.enqueued)
	}
	if got, _ := f.store.GetIntegration(context.Background(), in.ID); got == nil {
		t.Error("integration was not stored")
	}
}

// --- update / delete ---------------------------------------------------------

func TestUpdateIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, model.PlatformIssueTracker)

	name := "renamed"
	settings := model.SyncSettings{Frequency: model.FrequencyDaily, AutoSync: true}
	got, err := f.svc.UpdateIntegration(ctx, in.ID, UpdateRequest{
		Name:         &name,
		Config:       map[string]string{"repository": "acme/api"},
		SyncSettings: &settings,
	})
	if err != nil {
		t.Fatalf("UpdateIntegration: %v", err)
	}
	if got.Name != "renamed" || got.ConfigValue("repository") != "acme/api" {
		t.Errorf("updated = %+v", got)
	}
	if got.SyncSettings.Frequency != model.FrequencyDaily || len(got.SyncSettings.EntityTypes) == 0 {
		t.Errorf("settings = %+v", got.SyncSettings)
	}
	if got.WorkspaceID != "ws-1" || got.Platform != model.PlatformIssueTracker {
		t.Errorf("immutable fields changed: %s/%s", got.WorkspaceID, got.Platform)
	}
	if !slices.Contains(f.registry.called(), "reload:"+in.ID) {
		t.Errorf("registry calls = %v, want reload", f.registry.called())
	}

	empty := ""
	if _, err := f.svc.UpdateIntegration(ctx, in.ID, UpdateRequest{Name: &empty}); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("empty name err = %v", err)
	}
	if _, err := f.svc.UpdateIntegration(ctx, "missing", UpdateRequest{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestDeleteIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, model.PlatformChat)

	if err := f.svc.DeleteIntegration(ctx, in.ID); err != nil {
		t.Fatalf("DeleteIntegration: %v", err)
	}
	if !slices.Contains(f.registry.called(), "unload:"+in.ID) {
		t.Errorf("registry calls = %v, want unload", f.registry.called())
	}
	if err := f.svc.DeleteIntegration(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, model.PlatformChat)
	f.create(t, model.PlatformIssueTracker)
	if err := f.store.SetActive(ctx, a.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	active, err := f.svc.ListIntegrations(ctx, ListFilter{WorkspaceID: "ws-1"})
	if err != nil || len(active) != 1 {
		t.Errorf("active = %d, %v; want 1", len(active), err)
	}
	all, _ := f.svc.ListIntegrations(ctx, ListFilter{WorkspaceID: "ws-1", IncludeInactive: true})
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
	chat, _ := f.svc.ListIntegrations(ctx, ListFilter{Platform: model.PlatformChat, IncludeInactive: true})
	if len(chat) != 1 || chat[0].ID != a.ID {
		t.Errorf("chat = %v", chat)
	}
	if _, err := f.svc.GetIntegration(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}
}

// --- sync control ------------------------------------------------------------

func TestTriggerSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, model.PlatformChat)
	f.runner.stats = psync.Stats{Created: 2}

	stats, err := f.svc.TriggerSync(ctx, in.ID)
	if err != nil || stats.Created != 2 {
		t.Fatalf("TriggerSync = %+v, %v", stats, err)
	}

	if _, err := f.svc.Pause(ctx, in.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := f.svc.TriggerSync(ctx, in.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("paused trigger err = %v, want ErrConflict", err)
	}
	if len(f.runner.triggered) != 1 {
		t.Errorf("triggered = %v", f.runner.triggered)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, model.PlatformIssueTracker)

	paused, err := f.svc.Pause(ctx, in.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.SyncStatus != model.SyncStatusPaused || paused.SyncSettings.AutoSync {
		t.Errorf("paused = %s autoSync=%v", paused.SyncStatus, paused.SyncSettings.AutoSync)
	}
	if h := f.registry.Health(ctx, in.ID); h != model.HealthNotLoaded {
		t.Errorf("health after pause = %s", h)
	}

	resumed, err := f.svc.Resume(ctx, in.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.SyncStatus != model.SyncStatusSuccess || !resumed.SyncSettings.AutoSync {
		t.Errorf("resumed = %s autoSync=%v", resumed.SyncStatus, resumed.SyncSettings.AutoSync)
	}
	report, err := f.svc.Status(ctx, in.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Health != model.HealthHealthy || report.Integration.ID != in.ID {
		t.Errorf("status = %+v", report)
	}
}

func TestTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, model.PlatformChat)

	if err := f.svc.Test(ctx, in.ID); err != nil {
		t.Errorf("Test: %v", err)
	}
	f.registry.credsErr = model.ErrAuth
	if err := f.svc.Test(ctx, in.ID); !errors.Is(err, model.ErrAuth) {
		t.Errorf("Test err = %v, want ErrAuth", err)
	}
}

// --- logs, stats, retry ------------------------------------------------------

func appendLogs(t *testing.T, f *fixture, in *model.Integration, n int, status model.LogStatus) {
	t.Helper()
	for range n {
		l := &state.SyncLog{
			IntegrationID: in.ID, WorkspaceID: in.WorkspaceID, Platform: in.Platform,
			SyncType: model.SyncImport, Operation: model.OpCreate, EntityType: model.EntityTask,
			Status: status, Direction: model.FromExternal, ProcessingTime: 10 * time.Millisecond,
		}
		if err := f.store.AppendSyncLog(context.Background(), l); err != nil {
			t.Fatalf("AppendSyncLog: %v", err)
		}
	}
}

func TestLogs_Paging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, model.PlatformChat)
	appendLogs(t, f, in, 5, model.LogSuccess)
	appendLogs(t, f, in, 2, model.LogError)

	page, err := f.svc.Logs(ctx, in.ID, state.LogQuery{Limit: 3, Page: 3})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if page.Total != 7 || page.Pages != 3 || len(page.Logs) != 1 {
		t.Errorf("page = total %d pages %d len %d", page.Total, page.Pages, len(page.Logs))
	}

	page, _ = f.svc.Logs(ctx, in.ID, state.LogQuery{Status: model.LogError})
	if page.Page != 1 || page.Limit != 50 || page.Total != 2 {
		t.Errorf("defaults = page %d limit %d total %d", page.Page, page.Limit, page.Total)
	}
	if _, err := f.svc.Logs(ctx, "missing", state.LogQuery{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	in := f.create(t, model.PlatformChat)
	appendLogs(t, f, in, 3, model.LogSuccess)
	appendLogs(t, f, in, 1, model.LogError)

	rows, err := f.svc.Stats(context.Background(), in.ID, 0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	counts := map[model.LogStatus]int{}
	for _, r := range rows {
		counts[r.Status] += r.Count
	}
	if counts[model.LogSuccess] != 3 || counts[model.LogError] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, model.PlatformChat)
	f.runner.stats = psync.Stats{Updated: 1}

	res, err := f.svc.RetryFailed(ctx, in.ID, []string{"log-1"})
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if !slices.Equal(res.Marked, []string{"log-1"}) || res.Stats.Updated != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, err := f.svc.RetryFailed(ctx, "missing", nil); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}
