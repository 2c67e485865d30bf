// Package config loads and validates the platformsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Lock      LockConfig      `yaml:"lock"`

	// OAuth holds per-platform OAuth2 client settings used to refresh
	// expired access tokens, keyed by platform name ("issue-tracker", ...).
	OAuth map[string]OAuthConfig `yaml:"oauth,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// DatabaseConfig selects the state store backend.
type DatabaseConfig struct {
	// Driver is "sqlite3" (default) or "pgx".
	Driver string `yaml:"driver"`

	// DSN is the file path for sqlite3 or a connection URL for pgx.
	// Defaults to ~/.local/share/platformsync/state.db for sqlite3.
	DSN string `yaml:"dsn"`
}

// SchedulerConfig controls the periodic full-sync cadences and worker pool.
type SchedulerConfig struct {
	// Workers bounds the number of concurrent full syncs. Defaults to 4.
	Workers int `yaml:"workers"`

	// SyncTimeout is the wall-clock budget for one full sync. Defaults to 10m.
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// Cron expressions for the three cadences (standard 5-field syntax).
	Hourly string `yaml:"hourly"`
	Daily  string `yaml:"daily"`
	Weekly string `yaml:"weekly"`

	// ReconcileInterval is how often the daemon picks up integrations
	// added, changed, paused or removed by other processes. Defaults to 30s.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// HTTPConfig tunes the outbound call wrapper shared by every adapter.
type HTTPConfig struct {
	// Timeout bounds every outbound request. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`

	// RetryBaseDelay is the first backoff interval; it doubles per retry.
	// Defaults to 1s.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// MaxRetries is the number of retries after the first attempt for
	// rate-limited or reset calls. Defaults to 3.
	MaxRetries int `yaml:"max_retries"`

	// UserAgent is sent on every request. Defaults to "platformsync".
	UserAgent string `yaml:"user_agent"`

	// RateLimits maps platform name to requests per minute. Platforms not
	// listed get 100.
	RateLimits map[string]int `yaml:"rate_limits,omitempty"`
}

// RealtimeConfig sizes the realtime bridge.
type RealtimeConfig struct {
	// Buffer is the capacity of the change-event channel. Defaults to 256.
	Buffer int `yaml:"buffer"`
}

// WebhooksConfig configures the inbound webhook listener.
type WebhooksConfig struct {
	// Listen is the address the webhook server binds to. Empty disables it.
	Listen string `yaml:"listen"`

	// PublicURL is the externally reachable base URL registered with
	// platforms, e.g. "https://sync.example.com".
	PublicURL string `yaml:"public_url"`
}

// LockConfig selects the single-flight lock backend.
type LockConfig struct {
	// Backend is "database" (default), "local" or "redis". The database
	// backend leases through the state store, so the daemon and one-shot CLI
	// runs against the same database exclude each other. "local" only covers
	// one process.
	Backend string `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// OAuthConfig is one platform's OAuth2 client registration.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenURL overrides the platform's default token endpoint.
	TokenURL string `yaml:"token_url"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "platformsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Defaults applied by validate.
const (
	DefaultWorkers        = 4
	DefaultSyncTimeout    = 10 * time.Minute
	DefaultHourly         = "0 * * * *"
	DefaultDaily          = "0 0 * * *"
	DefaultWeekly         = "0 0 * * 0"
	DefaultReconcile      = 30 * time.Second
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultRetryBaseDelay = time.Second
	DefaultMaxRetries     = 3
	DefaultRatePerMinute  = 100
	DefaultRealtimeBuffer = 256
)

// DefaultPath returns the default config file path: ~/.config/platformsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "platformsync", "config.yaml"), nil
}

// DefaultDBPath returns ~/.local/share/platformsync/state.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "platformsync", "state.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied. It
// is used when no config file exists.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RatePerMinute returns the configured request budget for platform.
func (h HTTPConfig) RatePerMinute(platform string) int {
	if n, ok := h.RateLimits[platform]; ok {
		return n
	}
	return DefaultRatePerMinute
}

// validate fills defaults and checks that every field is well-formed.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "":
		c.Database.Driver = "sqlite3"
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver %q must be sqlite3 or pgx", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		if c.Database.Driver == "pgx" {
			return fmt.Errorf("database.dsn is required for the pgx driver")
		}
		p, err := DefaultDBPath()
		if err != nil {
			return err
		}
		c.Database.DSN = p
	}

	s := &c.Scheduler
	if s.Workers == 0 {
		s.Workers = DefaultWorkers
	}
	if s.Workers < 1 {
		return fmt.Errorf("scheduler.workers %d must be positive", s.Workers)
	}
	if s.SyncTimeout == 0 {
		s.SyncTimeout = DefaultSyncTimeout
	}
	if s.SyncTimeout < time.Second {
		return fmt.Errorf("scheduler.sync_timeout %v is too short (minimum 1s)", s.SyncTimeout)
	}
	if s.Hourly == "" {
		s.Hourly = DefaultHourly
	}
	if s.Daily == "" {
		s.Daily = DefaultDaily
	}
	if s.Weekly == "" {
		s.Weekly = DefaultWeekly
	}
	if s.ReconcileInterval == 0 {
		s.ReconcileInterval = DefaultReconcile
	}
	if s.ReconcileInterval < time.Second {
		return fmt.Errorf("scheduler.reconcile_interval %v is too short (minimum 1s)", s.ReconcileInterval)
	}

	h := &c.HTTP
	if h.Timeout == 0 {
		h.Timeout = DefaultHTTPTimeout
	}
	if h.RetryBaseDelay == 0 {
		h.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if h.MaxRetries == 0 {
		h.MaxRetries = DefaultMaxRetries
	}
	if h.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries %d must not be negative", h.MaxRetries)
	}
	if h.UserAgent == "" {
		h.UserAgent = "platformsync"
	}
	for p, n := range h.RateLimits {
		if n <= 0 {
			return fmt.Errorf("http.rate_limits[%q] %d must be positive", p, n)
		}
	}

	if c.Realtime.Buffer == 0 {
		c.Realtime.Buffer = DefaultRealtimeBuffer
	}
	if c.Realtime.Buffer < 1 {
		return fmt.Errorf("realtime.buffer %d must be positive", c.Realtime.Buffer)
	}

	if c.Webhooks.PublicURL != "" {
		u, err := url.ParseRequestURI(c.Webhooks.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhooks.public_url %q must be a valid http or https URL", c.Webhooks.PublicURL)
		}
	}

	switch c.Lock.Backend {
	case "":
		c.Lock.Backend = "database"
	case "database", "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend %q must be database, local or redis", c.Lock.Backend)
	}

	for p, o := range c.OAuth {
		if o.ClientID == "" {
			return fmt.Errorf("oauth[%q].client_id is required", p)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
