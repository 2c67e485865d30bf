// Package homeassistant is the todo adapter. It syncs the items of Home
// Assistant todo entities through the todo.* services and follows their
// state_changed events over the WebSocket API.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	haclient "github.com/mkelcik/go-ha-client/v2"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

const (
	// ConfigURL is the Home Assistant base URL, e.g. http://homeassistant.local:8123.
	ConfigURL = "url"
	// ConfigEntities lists the todo entity ids to sync, comma separated.
	ConfigEntities = "entities"
)

// Live is the long-lived Home Assistant connection used for health checks
// and the state change stream. Implemented by the go-ha-client wrapper
// returned from Dial.
type Live interface {
	Ping(ctx context.Context) error
	// Watch blocks until ctx is cancelled, calling changed with the entity id
	// of every state_changed event for one of entityIDs.
	Watch(ctx context.Context, entityIDs []string, changed func(entityID string)) error
	Close() error
}

// DialFunc opens a Live connection.
type DialFunc func(baseURL, token string, logger *slog.Logger) (Live, error)

// Adapter syncs the configured todo entities of one Home Assistant instance.
type Adapter struct {
	*adapter.Base

	dial DialFunc
	now  func() time.Time

	mu      sync.Mutex
	live    Live
	seen    map[string]map[string]string // entity -> uid -> fingerprint
	stop    context.CancelFunc
	stopped chan struct{}
}

// New is the adapter.Factory for the todo platform.
func New(d adapter.Deps) (adapter.Adapter, error) {
	return NewWithDialer(d, Dial), nil
}

// NewWithDialer builds an Adapter whose live connection comes from dial.
func NewWithDialer(d adapter.Deps, dial DialFunc) *Adapter {
	b := adapter.NewBase(d, adapter.BaseOptions{
		DefaultURL: d.Integration.ConfigValue(ConfigURL),
		Supported:  []model.EntityType{model.EntityTask},
	})
	return &Adapter{Base: b, dial: dial, now: time.Now, seen: make(map[string]map[string]string)}
}

func (a *Adapter) Platform() model.Platform { return model.PlatformTodo }

func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.RequireConfig(ConfigURL, ConfigEntities); err != nil {
		return err
	}
	return a.ValidateCredentials(ctx)
}

// ValidateCredentials pings the instance with the integration's long-lived
// access token.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	live, err := a.connection()
	if err != nil {
		return err
	}
	if err := live.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping home assistant: %w", model.ErrAuth, err)
	}
	return nil
}

func (a *Adapter) CheckHealth(ctx context.Context) model.Health {
	return adapter.HealthOf(a.ValidateCredentials(ctx))
}

func (a *Adapter) connection() (Live, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live != nil {
		return a.live, nil
	}
	live, err := a.dial(a.HTTP.BaseURL(), a.AccessToken(), a.Log())
	if err != nil {
		return nil, model.ConfigErrorf("home assistant client: %v", err)
	}
	a.live = live
	return live, nil
}

func (a *Adapter) entities() []string {
	var out []string
	for _, e := range strings.Split(a.Config(ConfigEntities), ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// --- todo services -----------------------------------------------------------

type serviceResponse struct {
	ServiceResponse map[string]json.RawMessage `json:"service_response"`
}

// getItems fetches all todo items of entityID.
func (a *Adapter) getItems(ctx context.Context, entityID string) ([]haTodoItem, error) {
	var resp serviceResponse
	path := "/api/services/" + domainTodo + "/" + serviceGetItems + "?return_response"
	if err := a.HTTP.Do(ctx, http.MethodPost, path, buildGetItemsData(entityID), &resp); err != nil {
		return nil, fmt.Errorf("get items for %s: %w", entityID, err)
	}
	raw, ok := resp.ServiceResponse[entityID]
	if !ok {
		return nil, fmt.Errorf("no service response for entity %s", entityID)
	}
	var items haItemsResponse
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse items response for %s: %w", entityID, err)
	}
	return items.Items, nil
}

func (a *Adapter) callService(ctx context.Context, service string, data map[string]any) error {
	return a.HTTP.Do(ctx, http.MethodPost, "/api/services/"+domainTodo+"/"+service, data, nil)
}

// --- sync --------------------------------------------------------------------

func (a *Adapter) FetchExternalData(ctx context.Context) ([]model.Item, error) {
	if !a.Syncs(model.EntityTask) {
		return nil, nil
	}
	var items []model.Item
	for _, entity := range a.entities() {
		got, err := a.getItems(ctx, entity)
		if err != nil {
			return nil, err
		}
		a.remember(entity, got)
		for _, h := range got {
			items = append(items, haItemToItem(entity, h))
		}
	}
	return items, nil
}

func (a *Adapter) TransformFromExternal(it model.Item) (model.Record, error) {
	if it.Type != model.EntityTask {
		return model.Record{}, model.UnsupportedType(model.PlatformTodo, it.Type)
	}
	return itemToRecord(it)
}

// TransformToExternal targets the record's own entity when it came from this
// instance, otherwise the first configured entity.
func (a *Adapter) TransformToExternal(rec model.Record) (model.Item, error) {
	if rec.Type != model.EntityTask {
		return model.Item{}, model.UnsupportedType(model.PlatformTodo, rec.Type)
	}
	if rec.Title == "" {
		return model.Item{}, model.TransformErrorf("home assistant item needs a summary")
	}
	entity := rec.Extra["entity_id"]
	if entity == "" || !strings.HasPrefix(entity, domainTodo+".") {
		entities := a.entities()
		if len(entities) == 0 {
			return model.Item{}, model.ConfigErrorf("no %s configured", ConfigEntities)
		}
		entity = entities[0]
	}
	return recordToItem(entity, rec), nil
}

// ApplyToExternal adds or updates a todo item. todo.add_item returns no uid,
// so the entity is re-read to find the new item.
func (a *Adapter) ApplyToExternal(ctx context.Context, op model.Operation, existingID string, it model.Item) (model.Result, error) {
	if it.Type != model.EntityTask {
		return model.Result{}, model.ApplyErrorf("home assistant does not support %s", it.Type)
	}
	switch op {
	case model.OpCreate:
		entity := it.String("entity_id")
		before, err := a.getItems(ctx, entity)
		if err != nil {
			return model.Result{}, fmt.Errorf("%w: %w", model.ErrApply, err)
		}
		if err := a.callService(ctx, serviceAddItem, buildAddItemData(entity, it)); err != nil {
			return model.Result{}, fmt.Errorf("%w: add item %q to %s: %w", model.ErrApply, it.String("summary"), entity, err)
		}
		uid, err := a.findNew(ctx, entity, before, it.String("summary"))
		if err != nil {
			return model.Result{}, fmt.Errorf("%w: %w", model.ErrApply, err)
		}
		if it.String("status") == statusCompleted {
			if err := a.callService(ctx, serviceUpdateItem, buildUpdateItemData(entity, uid, it)); err != nil {
				return model.Result{}, fmt.Errorf("%w: complete item %s: %w", model.ErrApply, uid, err)
			}
		}
		return model.Result{ID: externalID(entity, uid)}, nil

	case model.OpUpdate:
		entity, uid, err := splitID(existingID)
		if err != nil {
			return model.Result{}, fmt.Errorf("%w: %w", model.ErrApply, err)
		}
		if err := a.callService(ctx, serviceUpdateItem, buildUpdateItemData(entity, uid, it)); err != nil {
			return model.Result{}, fmt.Errorf("%w: update item %s: %w", model.ErrApply, uid, err)
		}
		return model.Result{ID: existingID}, nil
	}
	return model.Result{}, model.ApplyErrorf("home assistant does not support %s of tasks", op)
}

// findNew returns the uid of the item with summary that was not in before.
func (a *Adapter) findNew(ctx context.Context, entity string, before []haTodoItem, summary string) (string, error) {
	known := make(map[string]bool, len(before))
	for _, h := range before {
		known[h.UID] = true
	}
	after, err := a.getItems(ctx, entity)
	if err != nil {
		return "", err
	}
	for i := len(after) - 1; i >= 0; i-- {
		if h := after[i]; !known[h.UID] && h.Summary == summary {
			return h.UID, nil
		}
	}
	return "", fmt.Errorf("added item %q not found in %s", summary, entity)
}

// --- state stream ------------------------------------------------------------

// SetupWebhooks starts following state_changed events for the configured
// entities. Each change re-reads the entity and emits the items that differ
// from the last read.
func (a *Adapter) SetupWebhooks(ctx context.Context) error {
	live, err := a.connection()
	if err != nil {
		return err
	}
	entities := a.entities()
	if len(entities) == 0 {
		return nil
	}

	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.stop, a.stopped = cancel, done
	a.mu.Unlock()

	go func() {
		defer close(done)
		err := live.Watch(watchCtx, entities, func(entity string) { a.refresh(watchCtx, entity) })
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Log().Error("home assistant state stream ended", "error", err)
		}
	}()
	a.Log().Info("following home assistant state changes", "entities", entities)
	return nil
}

// refresh re-reads entity and emits created, changed and removed items.
func (a *Adapter) refresh(ctx context.Context, entity string) {
	items, err := a.getItems(ctx, entity)
	if err != nil {
		a.Log().Warn("re-reading todo entity", "entity_id", entity, "error", err)
		return
	}

	a.mu.Lock()
	prev := a.seen[entity]
	a.mu.Unlock()

	now := a.now().UTC()
	current := make(map[string]bool, len(items))
	for _, h := range items {
		current[h.UID] = true
		old, known := prev[h.UID]
		if known && old == fingerprint(h) {
			continue
		}
		it := haItemToItem(entity, h)
		it.UpdatedAt = now
		op := model.OpUpdate
		if !known {
			op = model.OpCreate
		}
		a.Emit(op, it)
	}
	for uid := range prev {
		if !current[uid] {
			a.Emit(model.OpDelete, model.Item{ID: externalID(entity, uid), Type: model.EntityTask})
		}
	}
	a.remember(entity, items)
}

func (a *Adapter) remember(entity string, items []haTodoItem) {
	snap := make(map[string]string, len(items))
	for _, h := range items {
		snap[h.UID] = fingerprint(h)
	}
	a.mu.Lock()
	a.seen[entity] = snap
	a.mu.Unlock()
}

// Cleanup stops the state stream and closes the live connection.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	stop, stopped, live := a.stop, a.stopped, a.live
	a.stop, a.stopped, a.live = nil, nil, nil
	a.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if live != nil {
		return live.Close()
	}
	return nil
}

// --- go-ha-client ------------------------------------------------------------

// haLive wraps the go-ha-client REST and WebSocket clients.
type haLive struct {
	rest *haclient.Client
	ws   *haclient.WSClient
	log  *slog.Logger
}

// Dial creates REST and WebSocket clients for baseURL. The WebSocket is
// configured with unlimited auto-reconnect and connects on Watch.
func Dial(baseURL, token string, logger *slog.Logger) (Live, error) {
	rest, err := haclient.NewClient(baseURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}
	ws := rest.WS(
		haclient.WithAutoReconnect(true),
		haclient.WithMaxRetries(0), // unlimited retries
		haclient.WithOnReconnect(func() {
			logger.Info("HA WebSocket reconnected")
		}),
		haclient.WithOnReconnectError(func(err error) {
			logger.Error("HA WebSocket reconnect failed", "error", err)
		}),
	)
	return &haLive{rest: rest, ws: ws, log: logger}, nil
}

func (l *haLive) Ping(ctx context.Context) error { return l.rest.Ping(ctx) }

func (l *haLive) Watch(ctx context.Context, entityIDs []string, changed func(string)) error {
	if err := l.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect HA WebSocket: %w", err)
	}

	tracked := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		tracked[id] = struct{}{}
	}

	sub, err := l.ws.SubscribeEvents(ctx, haclient.EventTypeStateChanged)
	if err != nil {
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	defer func() { _ = sub.Unsubscribe(context.WithoutCancel(ctx)) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("subscription events channel closed")
			}
			data, isStateChanged, parseErr := ev.StateChanged()
			if parseErr != nil {
				l.log.Debug("failed to parse state_changed event", "error", parseErr)
				continue
			}
			if !isStateChanged {
				continue
			}
			if _, ok := tracked[data.EntityID]; ok {
				changed(data.EntityID)
			}
		case subErr, ok := <-sub.Errors():
			if !ok {
				return errors.New("subscription errors channel closed")
			}
			// Auto-reconnect restores the subscription.
			l.log.Error("subscription error", "error", subErr)
		}
	}
}

func (l *haLive) Close() error { return l.ws.Close() }
