package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/config"
	"github.com/njoerd114/platformsync/internal/control"
	"github.com/njoerd114/platformsync/internal/figma"
	"github.com/njoerd114/platformsync/internal/gdrive"
	"github.com/njoerd114/platformsync/internal/github"
	"github.com/njoerd114/platformsync/internal/homeassistant"
	"github.com/njoerd114/platformsync/internal/lock"
	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/registry"
	"github.com/njoerd114/platformsync/internal/scheduler"
	"github.com/njoerd114/platformsync/internal/slack"
	"github.com/njoerd114/platformsync/internal/state"
	psync "github.com/njoerd114/platformsync/internal/sync"
	"github.com/njoerd114/platformsync/internal/telemetry"
	"github.com/njoerd114/platformsync/internal/trello"
)

const shutdownTimeout = 10 * time.Second

// tokenURLs are the default OAuth2 token endpoints of the platforms that
// refresh access tokens.
var tokenURLs = map[model.Platform]string{
	model.PlatformChat:         slack.TokenURL,
	model.PlatformIssueTracker: github.TokenURL,
	model.PlatformDesign:       figma.TokenURL,
	model.PlatformOfficeSuite:  gdrive.TokenURL,
}

func newCatalog() *adapter.Catalog {
	c := adapter.NewCatalog()
	c.Register(model.PlatformChat, slack.New)
	c.Register(model.PlatformIssueTracker, github.New)
	c.Register(model.PlatformDesign, figma.New)
	c.Register(model.PlatformBoard, trello.New)
	c.Register(model.PlatformOfficeSuite, gdrive.New)
	c.Register(model.PlatformTodo, homeassistant.New)
	return c
}

// app is the wired engine shared by the daemon and the one-shot commands.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	store        *state.Store
	bridge       *psync.Bridge
	registry     *registry.Registry
	orchestrator *psync.Orchestrator
	scheduler    *scheduler.Scheduler
	control      *control.Service

	daemon  bool
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

// newApp loads the configuration and wires the engine. One-shot commands
// (daemon=false) load adapters passively so they never register or remove
// platform webhooks.
func newApp(ctx context.Context, g *globalFlags, daemon bool) (*app, error) {
	logger := telemetry.NewLogger(os.Stderr, g.verbose, false)
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, daemon: daemon}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = telemetry.NewLogger(os.Stderr, g.verbose, true)
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, namedCloser{"telemetry shutdown", shutdownTel})
		}
	}
	a.log = logger

	// --- State store ---------------------------------------------------------

	store, err := state.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, namedCloser{"state store close", func(context.Context) error { return store.Close() }})
	logger.Debug("state store opened", "driver", cfg.Database.Driver)

	// --- Single-flight lock --------------------------------------------------

	var flight lock.Locker
	switch cfg.Lock.Backend {
	case "local":
		flight = lock.NewLocal()
	case "database":
		flight = lock.NewLease(store, cfg.Scheduler.SyncTimeout, logger)
	case "redis":
		rl, closeRedis, err := lock.NewRedis(ctx, lock.RedisOptions{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
			TTL:      cfg.Scheduler.SyncTimeout,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		flight = rl
		a.closers = append(a.closers, namedCloser{"redis close", func(context.Context) error { return closeRedis() }})
	}
	logger.Debug("single-flight lock ready", "backend", cfg.Lock.Backend)

	// --- Engine --------------------------------------------------------------

	catalog := newCatalog()
	opts := registry.OptionsFromConfig(cfg, tokenURLs)
	opts.Passive = !daemon

	a.bridge = psync.NewBridge(cfg.Realtime.Buffer, logger)
	a.registry = registry.New(catalog, store, a.bridge, opts, logger)
	a.orchestrator = psync.NewOrchestrator(store, a.registry, flight, cfg.Scheduler.SyncTimeout, logger)
	a.scheduler = scheduler.New(store, a.orchestrator, scheduler.Options{
		Workers: cfg.Scheduler.Workers,
		Hourly:  cfg.Scheduler.Hourly,
		Daily:   cfg.Scheduler.Daily,
		Weekly:  cfg.Scheduler.Weekly,
	}, logger)
	a.control = control.New(store, a.registry, a.scheduler, catalog, logger)
	return a, nil
}

// loadConfig reads path. A missing file at the default location falls back
// to the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if def, _ := config.DefaultPath(); path == def && errors.Is(err, fs.ErrNotExist) {
		return config.Default()
	}
	return nil, fmt.Errorf("loading config from %q: %w", path, err)
}

// Close stops the scheduler, cleans up live adapters and releases the store,
// the lock backend and telemetry, in that order. One-shot commands first let
// enqueued syncs finish.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.scheduler != nil {
		if !a.daemon {
			a.scheduler.Wait()
		}
		a.scheduler.Stop()
	}
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			a.log.Error("closing adapters", "error", err)
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.closers[i].name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown", "error", err)
	}
}
