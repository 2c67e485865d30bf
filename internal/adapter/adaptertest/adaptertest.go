// Package adaptertest provides in-memory doubles for testing platform
// adapters against an httptest server.
package adaptertest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

// Store is an in-memory adapter.InternalStore.
type Store struct {
	mu   sync.Mutex
	recs map[string]model.Record
	seq  int
}

// NewStore returns an empty Store.
func NewStore() *Store { return &Store{recs: make(map[string]model.Record)} }

func (s *Store) ListRecords(_ context.Context, ws string, types []model.EntityType) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Record
	for _, r := range s.recs {
		for _, t := range types {
			if r.WorkspaceID == ws && r.Type == t {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *Store) GetRecord(_ context.Context, id string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, nil //nolint:nilnil // not found
	}
	return &r, nil
}

func (s *Store) CreateRecord(_ context.Context, r model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r.ID = fmt.Sprintf("rec-%d", s.seq)
	s.recs[r.ID] = r
	return r, nil
}

func (s *Store) UpdateRecord(_ context.Context, r model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[r.ID]; !ok {
		return model.Record{}, model.ErrNotFound
	}
	s.recs[r.ID] = r
	return r, nil
}

// Emitter records every emitted event.
type Emitter struct {
	mu     sync.Mutex
	events []adapter.Event
}

func (e *Emitter) Emit(ev adapter.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return true
}

// Events returns a copy of the recorded events.
func (e *Emitter) Events() []adapter.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]adapter.Event(nil), e.events...)
}

// Credentials records saved credentials.
type Credentials struct {
	mu    sync.Mutex
	Saved map[string]model.Credentials
}

func (c *Credentials) SaveCredentials(_ context.Context, id string, creds model.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Saved == nil {
		c.Saved = make(map[string]model.Credentials)
	}
	c.Saved[id] = creds
	return nil
}

// Integration returns an active integration of platform p with every entity
// type enabled. baseURL, when set, overrides the adapter's API base URL.
func Integration(p model.Platform, baseURL string, config map[string]string) *model.Integration {
	cfg := map[string]string{}
	for k, v := range config {
		cfg[k] = v
	}
	if baseURL != "" {
		cfg[adapter.ConfigBaseURL] = baseURL
	}
	return &model.Integration{
		ID:          "int-1",
		WorkspaceID: "ws-1",
		Name:        string(p),
		Platform:    p,
		Credentials: model.Credentials{AccessToken: "tok"},
		Config:      cfg,
		SyncSettings: model.SyncSettings{
			Bidirectional: true,
			Frequency:     model.FrequencyRealtime,
			AutoSync:      true,
		},
		IsActive: true,
	}
}

// Deps returns adapter dependencies for in backed by fresh doubles, with
// fast retries and webhooks published under webhookBase.
func Deps(in *model.Integration, webhookBase string) adapter.Deps {
	return adapter.Deps{
		Integration:    in,
		Store:          NewStore(),
		Emitter:        &Emitter{},
		Credentials:    &Credentials{},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		HTTP:           adapter.HTTPSettings{Timeout: 5 * time.Second, MaxRetries: 1, BaseDelay: time.Millisecond},
		WebhookBaseURL: webhookBase,
	}
}
