package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/adapter/adaptertest"
	"github.com/njoerd114/platformsync/internal/model"
)

// --- fake Slack --------------------------------------------------------------

type fakeSlack struct {
	mu      sync.Mutex
	badAuth bool
	calls   []string
	bodies  map[string]map[string]any
}

func (f *fakeSlack) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth.test", func(w http.ResponseWriter, _ *http.Request) {
		if f.badAuth {
			_, _ = io.WriteString(w, `{"ok":false,"error":"invalid_auth"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"team_id":"T1","user_id":"U0"}`)
	})
	mux.HandleFunc("GET /conversations.list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			_, _ = io.WriteString(w, `{"ok":true,"channels":[{"id":"C1","name":"general","created":1700000000,"purpose":{"value":"chat"}}],"response_metadata":{"next_cursor":"p2"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"channels":[{"id":"C2","name":"random","created":1700000000}],"response_metadata":{"next_cursor":""}}`)
	})
	mux.HandleFunc("GET /conversations.history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel") != "C1" {
			_, _ = io.WriteString(w, `{"ok":true,"messages":[]}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"messages":[
			{"type":"message","ts":"1700000100.000200","user":"U1","text":"hello"},
			{"type":"message","subtype":"channel_join","ts":"1700000050.000100","user":"U2","text":"joined"}
		]}`)
	})
	mux.HandleFunc("GET /users.list", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true,"members":[
			{"id":"U1","name":"ann","real_name":"Ann","updated":1700000000,"profile":{"email":"ann@example.com"}},
			{"id":"B1","name":"bot","is_bot":true}
		]}`)
	})
	mux.HandleFunc("GET /files.list", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true,"files":[{"id":"F1","name":"plan.pdf","title":"Plan","created":1700000000}],"paging":{"pages":1}}`)
	})
	mux.HandleFunc("POST /chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		body := f.record(r)
		fmt.Fprintf(w, `{"ok":true,"channel":%q,"ts":"1700000200.000100"}`, body["channel"])
	})
	mux.HandleFunc("POST /chat.update", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("POST /conversations.create", func(w http.ResponseWriter, r *http.Request) {
		body := f.record(r)
		fmt.Fprintf(w, `{"ok":true,"channel":{"id":"C9","name":%q}}`, body["name"])
	})
	mux.HandleFunc("POST /conversations.setPurpose", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	return mux
}

func (f *fakeSlack) record(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.URL.Path)
	if f.bodies == nil {
		f.bodies = make(map[string]map[string]any)
	}
	f.bodies[r.URL.Path] = body
	return body
}

func newAdapter(t *testing.T, f *fakeSlack, config map[string]string) (*Adapter, adapter.Deps) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg := map[string]string{ConfigTeam: "acme"}
	for k, v := range config {
		cfg[k] = v
	}
	d := adaptertest.Deps(adaptertest.Integration(model.PlatformChat, srv.URL, cfg), "")
	a, err := New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a.(*Adapter), d
}

// --- tests -------------------------------------------------------------------

func TestValidateCredentials(t *testing.T) {
	a, _ := newAdapter(t, &fakeSlack{}, nil)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	bad, _ := newAdapter(t, &fakeSlack{badAuth: true}, nil)
	if err := bad.ValidateCredentials(context.Background()); !errors.Is(err, model.ErrAuth) {
		t.Errorf("invalid_auth err = %v, want ErrAuth", err)
	}
	if bad.CheckHealth(context.Background()) != model.HealthUnhealthy {
		t.Error("health = healthy with invalid auth")
	}
}

func TestFetchExternalData(t *testing.T) {
	a, _ := newAdapter(t, &fakeSlack{}, nil)
	items, err := a.FetchExternalData(context.Background())
	if err != nil {
		t.Fatalf("FetchExternalData: %v", err)
	}
	byType := map[model.EntityType][]model.Item{}
	for _, it := range items {
		byType[it.Type] = append(byType[it.Type], it)
	}
	if n := len(byType[model.EntityProject]); n != 2 {
		t.Errorf("channels = %d, want 2 across both pages", n)
	}
	msgs := byType[model.EntityMessage]
	if len(msgs) != 1 || msgs[0].ID != "C1:1700000100.000200" {
		t.Fatalf("messages = %+v, want the single plain message", msgs)
	}
	if want := time.Unix(1700000100, 200000).UTC(); !msgs[0].UpdatedAt.Equal(want) {
		t.Errorf("message time = %v, want %v", msgs[0].UpdatedAt, want)
	}
	if n := len(byType[model.EntityUser]); n != 1 {
		t.Errorf("users = %d, want 1 (bots skipped)", n)
	}
	if n := len(byType[model.EntityFile]); n != 1 {
		t.Errorf("files = %d, want 1", n)
	}
}

func TestFetch_ChannelFilter(t *testing.T) {
	a, _ := newAdapter(t, &fakeSlack{}, map[string]string{ConfigChannels: "C2"})
	channels, err := a.channels(context.Background())
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "C2" {
		t.Errorf("channels = %+v, want only C2", channels)
	}
}

func TestTransform(t *testing.T) {
	a, _ := newAdapter(t, &fakeSlack{}, map[string]string{ConfigDefaultChannel: "C1"})

	rec, err := a.TransformFromExternal(model.Item{
		ID: "U1", Type: model.EntityUser,
		Fields: map[string]any{"name": "ann", "email": "ann@example.com"},
	})
	if err != nil {
		t.Fatalf("TransformFromExternal: %v", err)
	}
	if rec.Title != "ann" || rec.Extra["email"] != "ann@example.com" {
		t.Errorf("user record = %+v", rec)
	}

	it, err := a.TransformToExternal(model.Record{Type: model.EntityProject, Title: "Q3 Launch!"})
	if err != nil {
		t.Fatalf("TransformToExternal project: %v", err)
	}
	if it.String("name") != "q3-launch" {
		t.Errorf("channel name = %q, want q3-launch", it.String("name"))
	}

	it, err = a.TransformToExternal(model.Record{Type: model.EntityMessage, Body: "hi"})
	if err != nil {
		t.Fatalf("TransformToExternal message: %v", err)
	}
	if it.String("channel") != "C1" {
		t.Errorf("message channel = %q, want default C1", it.String("channel"))
	}

	if _, err := a.TransformToExternal(model.Record{Type: model.EntityProject, Title: "!!!"}); !errors.Is(err, model.ErrTransform) {
		t.Errorf("unnameable project err = %v, want ErrTransform", err)
	}
	if _, err := a.TransformToExternal(model.Record{Type: model.EntityTask}); !errors.Is(err, model.ErrTransform) {
		t.Errorf("task err = %v, want ErrTransform", err)
	}
}

func TestApplyToExternal(t *testing.T) {
	f := &fakeSlack{}
	a, _ := newAdapter(t, f, nil)
	ctx := context.Background()

	msg := model.Item{Type: model.EntityMessage, Fields: map[string]any{"channel": "C1", "text": "hi", "thread_ts": "1.2"}}
	res, err := a.ApplyToExternal(ctx, model.OpCreate, "", msg)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.ID != "C1:1700000200.000100" {
		t.Errorf("post id = %q", res.ID)
	}
	if f.bodies["/chat.postMessage"]["thread_ts"] != "1.2" {
		t.Errorf("postMessage body = %v", f.bodies["/chat.postMessage"])
	}

	if _, err := a.ApplyToExternal(ctx, model.OpUpdate, res.ID, msg); err != nil {
		t.Fatalf("update: %v", err)
	}
	if b := f.bodies["/chat.update"]; b["channel"] != "C1" || b["ts"] != "1700000200.000100" {
		t.Errorf("chat.update body = %v", b)
	}

	project := model.Item{Type: model.EntityProject, Fields: map[string]any{"name": "launch", "purpose": "ship it"}}
	res, err = a.ApplyToExternal(ctx, model.OpCreate, "", project)
	if err != nil || res.ID != "C9" {
		t.Fatalf("create channel = %+v, %v", res, err)
	}
	if f.bodies["/conversations.setPurpose"]["purpose"] != "ship it" {
		t.Error("channel purpose not set")
	}

	if _, err := a.ApplyToExternal(ctx, model.OpUpdate, "no-colon", msg); !errors.Is(err, model.ErrApply) {
		t.Errorf("malformed id err = %v, want ErrApply", err)
	}
	if _, err := a.ApplyToExternal(ctx, model.OpDelete, res.ID, msg); !errors.Is(err, model.ErrApply) {
		t.Errorf("delete err = %v, want ErrApply", err)
	}
}

// --- Events API --------------------------------------------------------------

var fixedNow = time.Unix(1700000000, 0)

func signed(secret string, ts time.Time, body []byte) http.Header {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = io.WriteString(mac, "v0:"+stamp+":")
	mac.Write(body)
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", stamp)
	h.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return h
}

func TestHandleWebhook_URLVerification(t *testing.T) {
	a, _ := newAdapter(t, &fakeSlack{}, map[string]string{ConfigSigningSecret: "sekret"})
	a.now = func() time.Time { return fixedNow }

	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	reply, err := a.HandleWebhook(context.Background(), signed("sekret", fixedNow, body), body)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if string(reply) != `{"challenge":"abc123"}` {
		t.Errorf("reply = %s", reply)
	}
}

func TestHandleWebhook_Signature(t *testing.T) {
	a, _ := newAdapter(t, &fakeSlack{}, map[string]string{ConfigSigningSecret: "sekret"})
	a.now = func() time.Time { return fixedNow }
	body := []byte(`{"type":"event_callback","event":{"type":"message","channel":"C1","ts":"1.0","text":"x"}}`)

	tests := []struct {
		name   string
		header http.Header
	}{
		{"wrong secret", signed("other", fixedNow, body)},
		{"stale timestamp", signed("sekret", fixedNow.Add(-10*time.Minute), body)},
		{"missing headers", http.Header{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.HandleWebhook(context.Background(), tt.header, body); !errors.Is(err, model.ErrAuth) {
				t.Errorf("err = %v, want ErrAuth", err)
			}
		})
	}
}

func TestHandleWebhook_Events(t *testing.T) {
	a, d := newAdapter(t, &fakeSlack{}, nil)
	em := d.Emitter.(*adaptertest.Emitter)
	ctx := context.Background()

	bodies := []string{
		`{"type":"event_callback","event":{"type":"message","channel":"C1","ts":"1700000300.000100","user":"U1","text":"new"}}`,
		`{"type":"event_callback","event":{"type":"message","subtype":"message_changed","channel":"C1","message":{"ts":"1700000300.000100","text":"edited","edited":{"ts":"1700000310.000000"}}}}`,
		`{"type":"event_callback","event":{"type":"message","subtype":"message_deleted","channel":"C1","deleted_ts":"1700000300.000100"}}`,
		`{"type":"event_callback","event":{"type":"channel_created","channel":{"id":"C7","name":"fresh","created":1700000000}}}`,
		`{"type":"app_rate_limited"}`,
	}
	for _, b := range bodies {
		if _, err := a.HandleWebhook(ctx, http.Header{}, []byte(b)); err != nil {
			t.Fatalf("HandleWebhook(%s): %v", b, err)
		}
	}

	evs := em.Events()
	if len(evs) != 4 {
		t.Fatalf("events = %d, want 4", len(evs))
	}
	wantOps := []model.Operation{model.OpCreate, model.OpUpdate, model.OpDelete, model.OpCreate}
	for i, op := range wantOps {
		if evs[i].Operation != op {
			t.Errorf("event %d op = %s, want %s", i, evs[i].Operation, op)
		}
	}
	for _, ev := range evs[:3] {
		if ev.Payload.ID != "C1:1700000300.000100" {
			t.Errorf("message id = %q", ev.Payload.ID)
		}
	}
	if evs[1].Payload.String("text") != "edited" {
		t.Errorf("edited text = %q", evs[1].Payload.String("text"))
	}
	if evs[3].EntityType != model.EntityProject || evs[3].Payload.ID != "C7" {
		t.Errorf("channel event = %+v", evs[3])
	}

	if _, err := a.HandleWebhook(ctx, http.Header{}, []byte(`{not json`)); !errors.Is(err, model.ErrTransform) {
		t.Errorf("bad body err = %v, want ErrTransform", err)
	}
}
