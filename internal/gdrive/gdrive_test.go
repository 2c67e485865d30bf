package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/adapter/adaptertest"
	"github.com/njoerd114/platformsync/internal/model"
)

// --- fake Drive --------------------------------------------------------------

type fakeDrive struct {
	mu      sync.Mutex
	queries []string
	bodies  map[string]map[string]any
	watched map[string]any
	stopped map[string]any
}

func (f *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /about", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"code":401,"message":"invalid credentials"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"user":{"emailAddress":"ann@example.com"}}`)
	})
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		f.mu.Unlock()
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"nextPageToken":"p2","files":[{"id":"f1","name":"Plan","mimeType":"application/vnd.google-apps.document","modifiedTime":"2024-04-01T09:00:00.000Z","parents":["root"]}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"files":[{"id":"f2","name":"Budget","mimeType":"application/vnd.google-apps.spreadsheet"}]}`)
	})
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, _ = io.WriteString(w, `{"id":"f9","name":"New","webViewLink":"https://docs.google.com/document/d/f9"}`)
	})
	mux.HandleFunc("PATCH /files/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"File not found"}}`)
			return
		}
		f.record(r)
		_, _ = io.WriteString(w, `{"id":"`+r.PathValue("id")+`","webViewLink":"https://docs.google.com/document/d/`+r.PathValue("id")+`"}`)
	})
	mux.HandleFunc("GET /changes/startPageToken", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"startPageToken":"100"}`)
	})
	mux.HandleFunc("POST /changes/watch", func(w http.ResponseWriter, r *http.Request) {
		var ch map[string]any
		_ = json.NewDecoder(r.Body).Decode(&ch)
		ch["resourceId"] = "res-1"
		ch["pageToken"] = r.URL.Query().Get("pageToken")
		f.mu.Lock()
		f.watched = ch
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ch)
	})
	mux.HandleFunc("POST /channels/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.stopped)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /changes", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") != "100" {
			_, _ = io.WriteString(w, `{"newStartPageToken":"`+r.URL.Query().Get("pageToken")+`"}`)
			return
		}
		_, _ = io.WriteString(w, `{"newStartPageToken":"101","changes":[
			{"fileId":"f1","file":{"id":"f1","name":"Plan v2","modifiedTime":"2024-04-02T09:00:00Z"}},
			{"fileId":"f3","removed":true}
		]}`)
	})
	return mux
}

func (f *fakeDrive) record(r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = make(map[string]map[string]any)
	}
	f.bodies[r.Method+" "+r.URL.Path] = body
}

func newAdapter(t *testing.T, f *fakeDrive, config map[string]string, webhookBase string) (*Adapter, adapter.Deps) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	d := adaptertest.Deps(adaptertest.Integration(model.PlatformOfficeSuite, srv.URL, config), webhookBase)
	a, err := New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a.(*Adapter), d
}

// --- tests -------------------------------------------------------------------

func TestValidateCredentials(t *testing.T) {
	a, d := newAdapter(t, &fakeDrive{}, nil, "")
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	in := d.Integration.Clone()
	in.Credentials.AccessToken = "expired"
	d.Integration = in
	bad, err := New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := bad.ValidateCredentials(context.Background()); !errors.Is(err, model.ErrAuth) {
		t.Errorf("bad token err = %v, want ErrAuth", err)
	}
}

func TestFetchExternalData_Paginates(t *testing.T) {
	f := &fakeDrive{}
	a, _ := newAdapter(t, f, map[string]string{ConfigFolder: "fold'er"}, "")
	items, err := a.FetchExternalData(context.Background())
	if err != nil {
		t.Fatalf("FetchExternalData: %v", err)
	}
	if len(items) != 2 || items[0].ID != "f1" || items[1].ID != "f2" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].String("parent") != "root" || items[0].UpdatedAt.IsZero() {
		t.Errorf("first item = %+v", items[0])
	}
	if want := `trashed = false and 'fold\'er' in parents`; f.queries[0] != want {
		t.Errorf("q = %q, want %q", f.queries[0], want)
	}
}

func TestTransform(t *testing.T) {
	a, _ := newAdapter(t, &fakeDrive{}, nil, "")
	rec, err := a.TransformFromExternal(model.Item{ID: "f1", Type: model.EntityFile, Fields: map[string]any{"name": "Plan", "mime_type": "text/plain"}})
	if err != nil {
		t.Fatalf("TransformFromExternal: %v", err)
	}
	if rec.Title != "Plan" || rec.Extra["mime_type"] != "text/plain" {
		t.Errorf("record = %+v", rec)
	}
	if _, err := a.TransformFromExternal(model.Item{ID: "f1", Type: model.EntityFile}); !errors.Is(err, model.ErrTransform) {
		t.Errorf("nameless err = %v, want ErrTransform", err)
	}

	it, err := a.TransformToExternal(model.Record{Type: model.EntityFile, Title: "Spec", Extra: map[string]string{"mimetype": "application/pdf"}})
	if err != nil {
		t.Fatalf("TransformToExternal: %v", err)
	}
	if it.String("mime_type") != "application/pdf" {
		t.Errorf("mime_type = %q", it.String("mime_type"))
	}
	it, _ = a.TransformToExternal(model.Record{Type: model.EntityFile, Title: "Notes"})
	if it.String("mime_type") != DefaultMimeType {
		t.Errorf("default mime_type = %q", it.String("mime_type"))
	}
	if _, err := a.TransformToExternal(model.Record{Type: model.EntityTask}); !errors.Is(err, model.ErrTransform) {
		t.Errorf("task err = %v, want ErrTransform", err)
	}
}

func TestApplyToExternal(t *testing.T) {
	f := &fakeDrive{}
	a, _ := newAdapter(t, f, map[string]string{ConfigFolder: "fold"}, "")
	ctx := context.Background()

	file := model.Item{Type: model.EntityFile, Fields: map[string]any{"name": "New", "mime_type": DefaultMimeType}}
	res, err := a.ApplyToExternal(ctx, model.OpCreate, "", file)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.ID != "f9" || res.URL == "" {
		t.Errorf("create result = %+v", res)
	}
	body := f.bodies["POST /files"]
	if parents, _ := body["parents"].([]any); len(parents) != 1 || parents[0] != "fold" || body["mimeType"] != DefaultMimeType {
		t.Errorf("create body = %v", body)
	}

	if res, err := a.ApplyToExternal(ctx, model.OpUpdate, "f9", file); err != nil || res.ID != "f9" {
		t.Errorf("update = %+v, %v", res, err)
	}
	_, err = a.ApplyToExternal(ctx, model.OpUpdate, "gone", file)
	if !errors.Is(err, model.ErrApply) || !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing file err = %v, want ErrApply wrapping ErrNotFound", err)
	}
	if _, err := a.ApplyToExternal(ctx, model.OpDelete, "f9", file); !errors.Is(err, model.ErrApply) {
		t.Errorf("delete err = %v, want ErrApply", err)
	}
}

func TestPushChannel(t *testing.T) {
	f := &fakeDrive{}
	a, d := newAdapter(t, f, nil, "https://sync.example.com")
	em := d.Emitter.(*adaptertest.Emitter)
	ctx := context.Background()

	if err := a.SetupWebhooks(ctx); err != nil {
		t.Fatalf("SetupWebhooks: %v", err)
	}
	if f.watched["address"] != "https://sync.example.com/webhooks/office-suite/int-1" || f.watched["pageToken"] != "100" {
		t.Fatalf("watch request = %v", f.watched)
	}

	h := http.Header{}
	h.Set("X-Goog-Channel-ID", f.watched["id"].(string))
	h.Set("X-Goog-Channel-Token", f.watched["token"].(string))
	h.Set("X-Goog-Resource-State", "sync")
	if _, err := a.HandleWebhook(ctx, h, nil); err != nil {
		t.Fatalf("sync notification: %v", err)
	}
	if len(em.Events()) != 0 {
		t.Fatal("sync notification emitted events")
	}

	h.Set("X-Goog-Resource-State", "change")
	if _, err := a.HandleWebhook(ctx, h, nil); err != nil {
		t.Fatalf("change notification: %v", err)
	}
	evs := em.Events()
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Operation != model.OpUpdate || evs[0].Payload.String("name") != "Plan v2" {
		t.Errorf("update event = %+v", evs[0])
	}
	if evs[1].Operation != model.OpDelete || evs[1].Payload.ID != "f3" {
		t.Errorf("delete event = %+v", evs[1])
	}
	if a.pageToken != "101" {
		t.Errorf("page token = %q, want 101", a.pageToken)
	}

	h.Set("X-Goog-Channel-Token", "forged")
	if _, err := a.HandleWebhook(ctx, h, nil); !errors.Is(err, model.ErrAuth) {
		t.Errorf("forged token err = %v, want ErrAuth", err)
	}

	if err := a.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if f.stopped["id"] != f.watched["id"] || f.stopped["resourceId"] != "res-1" {
		t.Errorf("stop request = %v", f.stopped)
	}
	if _, err := a.HandleWebhook(ctx, h, nil); !errors.Is(err, model.ErrAuth) {
		t.Errorf("after cleanup err = %v, want ErrAuth", err)
	}
}
