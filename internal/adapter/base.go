package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/njoerd114/platformsync/internal/httpx"
	"github.com/njoerd114/platformsync/internal/model"
)

// ConfigBaseURL is the per-integration config key that overrides a platform's
// API base URL (self-hosted instances, tests).
const ConfigBaseURL = "base_url"

// BaseOptions describes the platform-specific parts of a Base.
type BaseOptions struct {
	// DefaultURL is the API base URL used unless the integration config
	// overrides it with ConfigBaseURL.
	DefaultURL string

	// Supported lists the entity types the adapter handles.
	Supported []model.EntityType

	// Authorize decorates outgoing requests. Nil means a bearer token from
	// the integration's access token.
	Authorize func(b *Base, r *http.Request) error
}

// Base carries the state and behaviour shared by concrete adapters: the
// integration snapshot, the internal store, the change emitter, the HTTP
// client with the shared call policy, and the OAuth2 refresh flow. Concrete
// adapters embed *Base.
type Base struct {
	HTTP *httpx.Client

	mu    sync.RWMutex
	integ *model.Integration

	store     InternalStore
	emitter   Emitter
	creds     CredentialStore
	oauth     *oauth2.Config
	webhooks  string
	supported []model.EntityType
	log       *slog.Logger
}

// NewBase builds a Base for d.
func NewBase(d Deps, opts BaseOptions) *Base {
	b := &Base{
		integ:     d.Integration,
		store:     d.Store,
		emitter:   d.Emitter,
		creds:     d.Credentials,
		oauth:     d.OAuth,
		webhooks:  strings.TrimRight(d.WebhookBaseURL, "/"),
		supported: opts.Supported,
		log:       d.Logger.With("platform", d.Integration.Platform, "integration_id", d.Integration.ID),
	}

	authorize := opts.Authorize
	if authorize == nil {
		authorize = bearer
	}
	t := httpx.Options{
		MaxRetries: d.HTTP.MaxRetries,
		BaseDelay:  d.HTTP.BaseDelay,
		UserAgent:  d.HTTP.UserAgent,
		Limiter:    d.Limiter,
		Authorize:  func(r *http.Request) error { return authorize(b, r) },
		Logger:     b.log,
	}
	if b.canRefresh() {
		t.Refresh = b.RefreshAccessToken
	}

	baseURL := opts.DefaultURL
	if u := d.Integration.ConfigValue(ConfigBaseURL); u != "" {
		baseURL = u
	}
	b.HTTP = httpx.NewClient(baseURL, d.HTTP.Timeout, t)
	return b
}

func bearer(b *Base, r *http.Request) error {
	tok := b.AccessToken()
	if tok == "" {
		return fmt.Errorf("%w: no access token", model.ErrAuth)
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Log returns the adapter's logger, scoped to the integration.
func (b *Base) Log() *slog.Logger { return b.log }

// Integration returns a copy of the integration snapshot.
func (b *Base) Integration() *model.Integration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.integ.Clone()
}

// IntegrationID returns the integration id.
func (b *Base) IntegrationID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.integ.ID
}

// Config returns the per-platform config value for key.
func (b *Base) Config(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.integ.ConfigValue(key)
}

// AccessToken returns the current access token.
func (b *Base) AccessToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.integ.Credentials.AccessToken
}

// RequireConfig fails with model.ErrConfiguration naming the first missing
// key.
func (b *Base) RequireConfig(keys ...string) error {
	for _, k := range keys {
		if b.Config(k) == "" {
			return model.ConfigErrorf("%s integration requires config %q", b.integ.Platform, k)
		}
	}
	return nil
}

// Types returns the supported entity types the integration syncs.
func (b *Base) Types() []model.EntityType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.EntityType
	for _, t := range b.supported {
		if b.integ.SyncSettings.Includes(t) {
			out = append(out, t)
		}
	}
	return out
}

// Syncs reports whether t is supported and passes the integration filter.
func (b *Base) Syncs(t model.EntityType) bool {
	return slices.Contains(b.Types(), t)
}

// WebhookURL is where the platform should deliver webhooks for this
// integration, or "" when no public URL is configured.
func (b *Base) WebhookURL() string {
	if b.webhooks == "" {
		return ""
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("%s/webhooks/%s/%s", b.webhooks, b.integ.Platform, b.integ.ID)
}

// Emit publishes a change event for this integration.
func (b *Base) Emit(op model.Operation, item model.Item) bool {
	if b.emitter == nil || !b.Syncs(item.Type) {
		return false
	}
	ok := b.emitter.Emit(Event{
		IntegrationID: b.IntegrationID(),
		EntityType:    item.Type,
		Operation:     op,
		Payload:       item,
	})
	if !ok {
		b.log.Warn("realtime event dropped", "entity_type", item.Type, "external_id", item.ID)
	}
	return ok
}

// FetchInternalData returns the workspace records of the types this
// integration syncs.
func (b *Base) FetchInternalData(ctx context.Context) ([]model.Record, error) {
	types := b.Types()
	if len(types) == 0 {
		return nil, nil
	}
	b.mu.RLock()
	ws := b.integ.WorkspaceID
	b.mu.RUnlock()
	recs, err := b.store.ListRecords(ctx, ws, types)
	if err != nil {
		return nil, fmt.Errorf("listing internal records: %w", err)
	}
	return recs, nil
}

// ApplyToInternal writes rec to the internal store. An update whose target no
// longer exists creates a fresh record; the caller sees the new id.
func (b *Base) ApplyToInternal(ctx context.Context, op model.Operation, existingID string, rec model.Record) (model.Result, error) {
	b.mu.RLock()
	rec.WorkspaceID = b.integ.WorkspaceID
	rec.SourcePlatform = b.integ.Platform
	b.mu.RUnlock()

	var (
		out model.Record
		err error
	)
	switch op {
	case model.OpCreate:
		out, err = b.store.CreateRecord(ctx, rec)
	case model.OpUpdate:
		rec.ID = existingID
		out, err = b.store.UpdateRecord(ctx, rec)
		if errors.Is(err, model.ErrNotFound) {
			rec.ID = ""
			out, err = b.store.CreateRecord(ctx, rec)
		}
	default:
		return model.Result{}, model.ApplyErrorf("internal %s not supported", op)
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("%w: writing internal %s: %w", model.ErrApply, rec.Type, err)
	}
	return model.Result{ID: out.ID, URL: out.ExternalURL}, nil
}

func (b *Base) canRefresh() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.oauth != nil && b.integ.Credentials.RefreshToken != ""
}

// RefreshAccessToken exchanges the refresh token for a new access token with
// the platform's OAuth2 endpoint and persists the result.
func (b *Base) RefreshAccessToken(ctx context.Context) error {
	if !b.canRefresh() {
		return fmt.Errorf("%w: no refresh token or OAuth client configured", model.ErrAuth)
	}

	b.mu.RLock()
	rt := b.integ.Credentials.RefreshToken
	b.mu.RUnlock()

	// The token endpoint is called with a plain client: going through
	// b.HTTP would re-enter the refresh path on a 401.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: httpx.DefaultTimeout})
	tok, err := b.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		return fmt.Errorf("%w: refreshing token: %w", model.ErrAuth, err)
	}

	creds := model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = rt
	}

	b.mu.Lock()
	b.integ.Credentials = creds
	id := b.integ.ID
	b.mu.Unlock()

	if b.creds != nil {
		if err := b.creds.SaveCredentials(ctx, id, creds); err != nil {
			return fmt.Errorf("persisting refreshed credentials: %w", err)
		}
	}
	b.log.Info("access token refreshed", "expires_at", creds.ExpiresAt)
	return nil
}
