// Package adapter defines the capability contract every external platform
// implements, the catalog that maps platforms to adapter factories, and Base,
// a helper embedded by concrete adapters for the parts they share.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/njoerd114/platformsync/internal/model"
)

// Adapter is the contract between the sync engine and one external platform.
// One value serves one integration.
type Adapter interface {
	Platform() model.Platform

	// Initialize checks required config, validates credentials and performs
	// platform setup. The registry calls it once after construction.
	Initialize(ctx context.Context) error

	ValidateCredentials(ctx context.Context) error

	// FetchExternalData returns every external item of the types the
	// integration syncs, paging internally.
	FetchExternalData(ctx context.Context) ([]model.Item, error)

	// FetchInternalData returns the internal records eligible for export.
	FetchInternalData(ctx context.Context) ([]model.Record, error)

	// TransformFromExternal and TransformToExternal are pure. They fail with
	// model.ErrTransform for a type the adapter does not handle.
	TransformFromExternal(item model.Item) (model.Record, error)
	TransformToExternal(rec model.Record) (model.Item, error)

	// ApplyToInternal writes rec to the internal store. existingID is the
	// mapped internal id for OpUpdate and empty for OpCreate.
	ApplyToInternal(ctx context.Context, op model.Operation, existingID string, rec model.Record) (model.Result, error)

	// ApplyToExternal writes item to the platform. existingID is the mapped
	// external id for OpUpdate and empty for OpCreate. Unsupported writes
	// fail with model.ErrApply.
	ApplyToExternal(ctx context.Context, op model.Operation, existingID string, item model.Item) (model.Result, error)

	RefreshAccessToken(ctx context.Context) error

	// CheckHealth never fails; any error reads as unhealthy.
	CheckHealth(ctx context.Context) model.Health

	// Cleanup releases platform resources such as webhook subscriptions and
	// open connections.
	Cleanup(ctx context.Context) error
}

// WebhookSetter is implemented by adapters that register push subscriptions
// with their platform.
type WebhookSetter interface {
	SetupWebhooks(ctx context.Context) error
}

// WebhookReceiver is implemented by adapters that accept inbound webhook
// deliveries. reply, when non-nil, is written back as the response body.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, header http.Header, body []byte) (reply []byte, err error)
}

// Event is a change notification pushed by an adapter.
type Event struct {
	IntegrationID string
	EntityType    model.EntityType
	Operation     model.Operation
	Payload       model.Item
}

// Emitter accepts change events. Emit never blocks; it reports false when the
// event was dropped.
type Emitter interface {
	Emit(ev Event) bool
}

// InternalStore is the internal data store adapters import into and export
// from.
type InternalStore interface {
	ListRecords(ctx context.Context, workspaceID string, types []model.EntityType) ([]model.Record, error)
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	CreateRecord(ctx context.Context, rec model.Record) (model.Record, error)
	UpdateRecord(ctx context.Context, rec model.Record) (model.Record, error)
}

// CredentialStore persists refreshed credentials.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, integrationID string, creds model.Credentials) error
}

// HTTPSettings carries the outbound call policy from configuration.
type HTTPSettings struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	UserAgent  string
}

// Deps is everything a factory needs to build an adapter.
type Deps struct {
	// Integration is a private copy; the adapter may keep it.
	Integration *model.Integration

	Store       InternalStore
	Emitter     Emitter
	Credentials CredentialStore
	Logger      *slog.Logger

	HTTP    HTTPSettings
	Limiter *rate.Limiter

	// OAuth is the platform's client registration, nil when not configured.
	OAuth *oauth2.Config

	// WebhookBaseURL is the public base URL platforms deliver webhooks to.
	// Empty disables webhook registration.
	WebhookBaseURL string
}

// Factory builds an adapter for one integration.
type Factory func(d Deps) (Adapter, error)

// Catalog maps platforms to factories.
type Catalog struct {
	factories map[model.Platform]Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[model.Platform]Factory)}
}

// Register adds or replaces the factory for p.
func (c *Catalog) Register(p model.Platform, f Factory) {
	c.factories[p] = f
}

// Supports reports whether a factory is registered for p.
func (c *Catalog) Supports(p model.Platform) bool {
	_, ok := c.factories[p]
	return ok
}

// Platforms lists registered platforms in sorted order.
func (c *Catalog) Platforms() []model.Platform {
	out := make([]model.Platform, 0, len(c.factories))
	for p := range c.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds the adapter for d.Integration.
func (c *Catalog) New(d Deps) (Adapter, error) {
	f, ok := c.factories[d.Integration.Platform]
	if !ok {
		return nil, model.ConfigErrorf("no adapter registered for platform %q", d.Integration.Platform)
	}
	a, err := f(d)
	if err != nil {
		return nil, fmt.Errorf("building %s adapter: %w", d.Integration.Platform, err)
	}
	return a, nil
}

// HealthOf maps a credential check result onto a health value.
func HealthOf(err error) model.Health {
	if err != nil {
		return model.HealthUnhealthy
	}
	return model.HealthHealthy
}

// FilterItems drops items whose type the integration does not sync.
func FilterItems(s model.SyncSettings, items []model.Item) []model.Item {
	if len(s.EntityTypes) == 0 {
		return items
	}
	return slices.DeleteFunc(items, func(it model.Item) bool { return !s.Includes(it.Type) })
}

// ExtraSyncTo is the record Extra key listing, comma separated, the platforms
// a record imported from elsewhere should also be pushed to.
const ExtraSyncTo = "sync_to"

// Exportable reports whether an unmapped record may be pushed to platform p.
// Records written natively in the internal store qualify. Records imported
// from a platform qualify only when they opt in through ExtraSyncTo.
func Exportable(rec model.Record, p model.Platform) bool {
	if rec.SourcePlatform == "" {
		return true
	}
	for _, name := range strings.Split(rec.Extra[ExtraSyncTo], ",") {
		if model.Platform(strings.TrimSpace(name)) == p {
			return true
		}
	}
	return false
}
