// Package registry owns the live adapters, one per loaded integration.
//
// Adapters are built from an [adapter.Catalog], initialized, and kept in a map
// keyed by integration id. Per-id keyed locks make Load, Detach and Unload
// safe to call concurrently for the same integration; the map lock is never
// held across network I/O.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/config"
	"github.com/njoerd114/platformsync/internal/httpx"
	"github.com/njoerd114/platformsync/internal/lock"
	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
)

// Store is the persistence the registry needs. Implemented by [state.Store].
type Store interface {
	adapter.InternalStore
	adapter.CredentialStore

	ListIntegrations(ctx context.Context, f state.IntegrationFilter) ([]*model.Integration, error)
	AppendIntegrationError(ctx context.Context, id string, e model.ErrorEntry) error
	SetActive(ctx context.Context, id string, active bool) error
}

// Options carries the shared adapter settings.
type Options struct {
	HTTP           adapter.HTTPSettings
	Limiters       *httpx.Limiters
	OAuth          map[model.Platform]*oauth2.Config
	WebhookBaseURL string

	// Passive skips webhook registration and realtime streams. One-shot CLI
	// commands load adapters this way so the daemon's subscriptions stay put.
	Passive bool
}

// OptionsFromConfig derives Options from the loaded configuration.
// tokenURLs supplies each platform's default OAuth2 token endpoint.
func OptionsFromConfig(cfg *config.Config, tokenURLs map[model.Platform]string) Options {
	oauth := make(map[model.Platform]*oauth2.Config, len(cfg.OAuth))
	for name, oc := range cfg.OAuth {
		p := model.Platform(name)
		tokenURL := oc.TokenURL
		if tokenURL == "" {
			tokenURL = tokenURLs[p]
		}
		oauth[p] = &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
	}
	return Options{
		HTTP: adapter.HTTPSettings{
			Timeout:    cfg.HTTP.Timeout,
			MaxRetries: cfg.HTTP.MaxRetries,
			BaseDelay:  cfg.HTTP.RetryBaseDelay,
			UserAgent:  cfg.HTTP.UserAgent,
		},
		Limiters:       httpx.NewLimiters(cfg.HTTP.RatePerMinute),
		OAuth:          oauth,
		WebhookBaseURL: cfg.Webhooks.PublicURL,
	}
}

// Registry is the arena of live adapters. Create one with [New].
type Registry struct {
	catalog *adapter.Catalog
	store   Store
	emitter adapter.Emitter
	opts    Options
	keyed   *lock.Keyed
	now     func() time.Time
	log     *slog.Logger

	mu     sync.RWMutex
	live   map[string]adapter.Adapter
	revs   map[string]int64 // revision each live adapter was built from
	failed map[string]int64 // revision whose last load failed
}

// New creates an empty Registry. Adapters emit change events to emitter.
func New(catalog *adapter.Catalog, store Store, emitter adapter.Emitter, opts Options, logger *slog.Logger) *Registry {
	if opts.Limiters == nil {
		opts.Limiters = httpx.NewLimiters(func(string) int { return config.DefaultRatePerMinute })
	}
	return &Registry{
		catalog: catalog,
		store:   store,
		emitter: emitter,
		opts:    opts,
		keyed:   lock.NewKeyed(),
		now:     time.Now,
		log:     logger,
		live:    make(map[string]adapter.Adapter),
		revs:    make(map[string]int64),
		failed:  make(map[string]int64),
	}
}

// Get returns the live adapter for id.
func (r *Registry) Get(id string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.live[id]
	return a, ok
}

// Loaded returns the ids of every live adapter, sorted.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load builds, initializes and registers the adapter for in. Loading an
// already live integration is a no-op. A failure is appended to the
// integration's error log and returned.
func (r *Registry) Load(ctx context.Context, in *model.Integration) error {
	unlock := r.keyed.Lock(in.ID)
	defer unlock()

	if _, ok := r.Get(in.ID); ok {
		return nil
	}

	a, err := r.build(ctx, in)
	if err != nil {
		r.log.Error("loading integration failed", "integration_id", in.ID, "platform", in.Platform, "error", err)
		entry := model.ErrorEntry{
			Timestamp: r.now().UTC(),
			Operation: "load",
			Message:   err.Error(),
			Code:      model.ErrorCode(err),
		}
		if aerr := r.store.AppendIntegrationError(context.WithoutCancel(ctx), in.ID, entry); aerr != nil {
			r.log.Error("recording load failure", "integration_id", in.ID, "error", aerr)
		}
		r.mu.Lock()
		r.failed[in.ID] = in.Revision
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.live[in.ID] = a
	r.revs[in.ID] = in.Revision
	delete(r.failed, in.ID)
	r.mu.Unlock()
	r.log.Info("integration loaded", "integration_id", in.ID, "platform", in.Platform, "name", in.Name)
	return nil
}

func (r *Registry) deps(in *model.Integration) adapter.Deps {
	return adapter.Deps{
		Integration:    in.Clone(),
		Store:          r.store,
		Emitter:        r.emitter,
		Credentials:    r.store,
		Logger:         r.log.With("integration_id", in.ID, "platform", in.Platform),
		HTTP:           r.opts.HTTP,
		Limiter:        r.opts.Limiters.For(in.Platform),
		OAuth:          r.opts.OAuth[in.Platform],
		WebhookBaseURL: r.opts.WebhookBaseURL,
	}
}

func (r *Registry) build(ctx context.Context, in *model.Integration) (adapter.Adapter, error) {
	a, err := r.catalog.New(r.deps(in))
	if err != nil {
		return nil, err
	}

	if err := a.Initialize(ctx); err != nil {
		_ = a.Cleanup(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("initializing %s integration %s: %w", in.Platform, in.ID, err)
	}

	if !r.opts.Passive && in.SyncSettings.Frequency == model.FrequencyRealtime {
		if ws, ok := a.(adapter.WebhookSetter); ok {
			// The adapter stays loaded; scheduled syncs still run.
			if err := ws.SetupWebhooks(ctx); err != nil {
				r.log.Warn("webhook registration failed", "integration_id", in.ID, "platform", in.Platform, "error", err)
			}
		}
	}
	return a, nil
}

// Detach cleans up and removes the live adapter for id without touching the
// stored integration. Detaching an id that is not loaded is a no-op.
func (r *Registry) Detach(ctx context.Context, id string) error {
	unlock := r.keyed.Lock(id)
	defer unlock()
	return r.detach(ctx, id)
}

func (r *Registry) detach(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.live[id]
	delete(r.live, id)
	delete(r.revs, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.Cleanup(ctx); err != nil {
		return fmt.Errorf("cleaning up integration %s: %w", id, err)
	}
	r.log.Info("integration unloaded", "integration_id", id)
	return nil
}

// Unload detaches the adapter for id and marks the integration inactive.
func (r *Registry) Unload(ctx context.Context, id string) error {
	unlock := r.keyed.Lock(id)
	defer unlock()

	cleanupErr := r.detach(ctx, id)
	if err := r.store.SetActive(ctx, id, false); err != nil {
		return errors.Join(cleanupErr, fmt.Errorf("deactivating integration %s: %w", id, err))
	}
	return cleanupErr
}

// Reload replaces the live adapter for in with a fresh one built from the
// current settings.
func (r *Registry) Reload(ctx context.Context, in *model.Integration) error {
	if err := r.Detach(ctx, in.ID); err != nil {
		r.log.Warn("cleanup before reload failed", "integration_id", in.ID, "error", err)
	}
	return r.Load(ctx, in)
}

// LoadAll loads every active, non-paused integration. Failures are logged and
// joined; the remaining integrations still load.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	all, err := r.store.ListIntegrations(ctx, state.IntegrationFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("listing active integrations: %w", err)
	}
	var (
		loaded int
		errs   []error
	)
	for _, in := range all {
		if in.SyncStatus == model.SyncStatusPaused {
			continue
		}
		if err := r.Load(ctx, in); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	r.log.Info("integrations loaded", "loaded", loaded, "failed", len(errs))
	return loaded, errors.Join(errs...)
}

// Reconcile aligns the live adapters with the store. Runnable integrations
// are loaded, or rebuilt when their revision moved since they were loaded.
// Live adapters whose integration was paused, deactivated or deleted are
// detached. The daemon runs it on a timer to pick up changes made through
// other processes. A load that failed is retried only after the integration's
// revision changes; scheduled syncs still load on demand.
func (r *Registry) Reconcile(ctx context.Context) error {
	all, err := r.store.ListIntegrations(ctx, state.IntegrationFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("listing active integrations: %w", err)
	}
	runnable := make(map[string]bool, len(all))
	for _, in := range all {
		if in.SyncStatus != model.SyncStatusPaused {
			runnable[in.ID] = true
		}
	}

	var errs []error
	for _, id := range r.Loaded() {
		if runnable[id] {
			continue
		}
		if err := r.Detach(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	for _, in := range all {
		if !runnable[in.ID] {
			continue
		}
		r.mu.RLock()
		_, live := r.live[in.ID]
		rev := r.revs[in.ID]
		failedRev, failed := r.failed[in.ID]
		r.mu.RUnlock()

		switch {
		case live && rev == in.Revision:
			continue
		case live:
			r.log.Info("integration changed, reloading", "integration_id", in.ID, "revision", in.Revision)
			err = r.Reload(ctx, in)
		case failed && failedRev == in.Revision:
			continue
		default:
			err = r.Load(ctx, in)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckCredentials validates the credentials of in. A live adapter is reused; otherwise
// a throwaway adapter is built and cleaned up without being registered.
func (r *Registry) CheckCredentials(ctx context.Context, in *model.Integration) error {
	if a, ok := r.Get(in.ID); ok {
		return a.ValidateCredentials(ctx)
	}
	a, err := r.catalog.New(r.deps(in))
	if err != nil {
		return err
	}
	defer func() { _ = a.Cleanup(context.WithoutCancel(ctx)) }()
	return a.ValidateCredentials(ctx)
}

// Health reports the live health of id, or not_loaded.
func (r *Registry) Health(ctx context.Context, id string) model.Health {
	a, ok := r.Get(id)
	if !ok {
		return model.HealthNotLoaded
	}
	return a.CheckHealth(ctx)
}

// Close detaches every live adapter.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, id := range r.Loaded() {
		if err := r.Detach(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
