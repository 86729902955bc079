// Package engine wires the FleetLab components into one process.
//
// It owns the startup and shutdown order: storage first, then the
// registry cache, the bus, the coordination layer, the watcher, and
// finally the API surface. Shutdown runs the same chain in reverse so
// nothing publishes to a closed transport.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetlab/fleetlab-core/internal/api"
	"github.com/fleetlab/fleetlab-core/internal/audit"
	"github.com/fleetlab/fleetlab-core/internal/auth"
	"github.com/fleetlab/fleetlab-core/internal/device"
	"github.com/fleetlab/fleetlab-core/internal/group"
	"github.com/fleetlab/fleetlab-core/internal/history"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/config"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/database"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/logging"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/mqtt"
	"github.com/fleetlab/fleetlab-core/internal/watcher"
	"github.com/fleetlab/fleetlab-core/internal/wire"
)

// Engine is the assembled FleetLab Core instance.
type Engine struct {
	cfg     *config.Config
	logger  *logging.Logger
	version string

	db          *database.DB
	registry    *device.Registry
	coordinator *group.Coordinator
	mqttClient  *mqtt.Client
	bus         *wire.Bus
	router      *wire.Router
	watch       *watcher.Watcher
	sink        *history.Sink
	apiServer   *api.Server
}

// New creates an engine. Nothing is opened or connected until Start().
func New(cfg *config.Config, logger *logging.Logger, version string) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}, nil
}

// Start brings the instance up.
//
// The caller should defer Close() regardless of the returned error;
// Close is nil-safe for components that never started.
func (e *Engine) Start(ctx context.Context) error {
	log := e.logger

	// Storage
	db, err := database.Open(ctx, database.Config{
		Path:        e.cfg.Database.Path,
		WALMode:     e.cfg.Database.WALMode,
		BusyTimeout: e.cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	e.db = db
	log.Info("database connected", "path", e.cfg.Database.Path)

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")

	// Device registry
	e.registry = device.NewRegistry(device.NewSQLiteRepository(db.DB))
	e.registry.SetLogger(log)
	if err := e.registry.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	log.Info("device registry initialised", "devices", e.registry.DeviceCount())

	// MQTT transport
	e.mqttClient, err = mqtt.Connect(e.cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", e.cfg.MQTT.Broker.Host, e.cfg.MQTT.Broker.Port),
		"client_id", e.cfg.MQTT.Broker.ClientID,
	)
	e.mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	e.mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Optional event history sink
	e.sink, err = history.Connect(e.cfg.History)
	switch {
	case errors.Is(err, history.ErrDisabled):
		e.sink = nil
		log.Info("event history disabled")
	case err != nil:
		return fmt.Errorf("connecting to history sink: %w", err)
	default:
		e.sink.SetOnError(func(err error) {
			log.Error("history write error", "error", err)
		})
		log.Info("event history connected", "url", e.cfg.History.URL, "bucket", e.cfg.History.Bucket)
	}

	// Event distribution
	e.bus = wire.NewBus(e.mqttClient, e.cfg.Platform.ID, log)
	e.router = wire.NewRouter(e.registry, e.bus, log)

	// Coordination
	tee := &eventTee{bus: e.bus, sink: e.sink, registry: e.registry}
	e.coordinator = group.NewCoordinator(e.registry, tee, e.router, log)
	e.coordinator.SetAuditor(audit.NewRecorder(audit.NewSQLiteRepository(db.DB), log))

	// Change notifications and provider status
	reach := &reachTee{router: e.router, sink: e.sink}
	e.watch = watcher.New(e.cfg.Platform.ID, e.mqttClient, e.bus, e.registry, e.coordinator, reach, log)
	if err := e.watch.Start(); err != nil {
		return fmt.Errorf("starting devices watcher: %w", err)
	}
	log.Info("devices watcher started", "origin", e.cfg.Platform.ID)

	// API surface
	e.apiServer, err = api.New(api.Deps{
		Config:      e.cfg.API,
		WS:          e.cfg.WebSocket,
		Security:    e.cfg.Security,
		Logger:      log,
		Registry:    e.registry,
		Coordinator: e.coordinator,
		Users:       auth.NewUserRepository(db.DB),
		Tokens:      auth.NewTokenRepository(db.DB),
		Audit:       audit.NewSQLiteRepository(db.DB),
		MQTT:        e.mqttClient,
		Version:     e.version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := e.apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", e.cfg.API.Host, e.cfg.API.Port))

	if err := e.HealthCheck(ctx); err != nil {
		return fmt.Errorf("startup health check: %w", err)
	}
	log.Info("all health checks passed")

	return nil
}

// Close shuts the instance down in reverse start order. The registry is
// marked shutting-down before the transport closes so no mutation can
// commit without its events being publishable.
func (e *Engine) Close() error {
	log := e.logger
	var firstErr error

	if e.apiServer != nil {
		if err := e.apiServer.Close(); err != nil {
			log.Error("error closing API server", "error", err)
			firstErr = err
		}
	}

	if e.watch != nil {
		e.watch.Stop()
		log.Info("devices watcher stopped")
	}

	if e.registry != nil {
		e.registry.Shutdown()
		log.Info("device registry marked shutting down")
	}

	if e.sink != nil {
		e.sink.Flush()
		if err := e.sink.Close(); err != nil {
			log.Error("error closing history sink", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if e.mqttClient != nil {
		if err := e.mqttClient.Close(); err != nil {
			log.Error("error closing MQTT", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Error("error closing database", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// HealthCheck verifies every started component.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if e.db != nil {
		if err := e.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if e.mqttClient != nil {
		if err := e.mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if e.sink != nil {
		if err := e.sink.HealthCheck(ctx); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	if e.apiServer != nil {
		if err := e.apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}
	return nil
}

// eventTee fans committed events to the broadcast bus and, when enabled,
// the history sink. The sink write is fire-and-forget; only transport
// errors surface to the coordinator.
type eventTee struct {
	bus      *wire.Bus
	sink     *history.Sink
	registry *device.Registry
}

func (t *eventTee) Broadcast(ev *wire.DeviceEvent) error {
	err := t.bus.Broadcast(ev)
	if t.sink != nil {
		t.sink.RecordEvent(ev)
		if t.registry != nil && fleetSizeEvent(ev.Kind) {
			t.sink.RecordFleetSize(t.registry.DeviceCount())
		}
	}
	return err
}

// fleetSizeEvent reports whether an event kind changes the fleet-size
// series: registrations and presence transitions do, ownership changes
// do not.
func fleetSizeEvent(kind wire.EventKind) bool {
	switch kind {
	case wire.EventDeviceRegistered, wire.EventDevicePresent, wire.EventDeviceWentOffline:
		return true
	default:
		return false
	}
}

// reachTee mirrors provider reachability transitions into the router
// and, when enabled, the history sink's provider-status series.
type reachTee struct {
	router *wire.Router
	sink   *history.Sink
}

func (t *reachTee) SetReachable(providerID string, up bool) {
	t.router.SetReachable(providerID, up)
	if t.sink != nil {
		t.sink.RecordProviderStatus(providerID, up)
	}
}
