// Package extension provides the Forge extension adapter for the settlement
// coordinator.
//
// It implements the forge.Extension interface to integrate the coordinator
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.settlement" or "settlement" keys.
package extension

import (
	"context"
	"errors"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/api"
	"github.com/xraph/settlement/connector"
	"github.com/xraph/settlement/store"
	"github.com/xraph/settlement/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "settlement"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Settlement coordination between a connector and a settlement engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the settlement coordinator as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config          Config
	coordinator     *settlement.Coordinator
	handler         http.Handler
	store           store.Store
	connector       connector.Connector
	coordinatorOpts []settlement.Option
}

// New creates a new settlement Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Coordinator returns the underlying coordinator.
// This is nil until Register is called.
func (e *Extension) Coordinator() *settlement.Coordinator { return e.coordinator }

// Handler returns the settlement API, to be mounted under Config.BasePath.
// This is nil until Register is called, or when routes are disabled.
func (e *Extension) Handler() http.Handler { return e.handler }

// Config returns the resolved configuration.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It loads configuration,
// builds the coordinator, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		e.store = memory.New()
	}
	if e.connector == nil {
		e.connector = connector.NewClient(e.config.Connector)
	}

	e.coordinator = settlement.New(e.store, e.connector, e.buildCoordinatorOpts()...)

	if err := vessel.Provide(fapp.Container(), func() (*settlement.Coordinator, error) {
		return e.coordinator, nil
	}); err != nil {
		return err
	}

	if e.config.DisableRoutes {
		return nil
	}
	h := api.New(e.coordinator)
	e.handler = http.StripPrefix(e.config.BasePath, h)
	return vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
		return h, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.coordinator == nil {
		return errors.New("settlement: extension not initialized")
	}

	if err := e.coordinator.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.coordinator != nil {
		if err := e.coordinator.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("settlement: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildCoordinatorOpts constructs settlement.Option values from the resolved
// config. Pass-through options are applied last and win.
func (e *Extension) buildCoordinatorOpts() []settlement.Option {
	opts := []settlement.Option{
		settlement.WithLeaseDuration(e.config.LeaseDuration),
		settlement.WithPollInterval(e.config.PollInterval),
		settlement.WithNotifyConcurrency(e.config.NotifyConcurrency),
		settlement.WithNotifyTimeout(e.config.NotifyTimeout),
		settlement.WithRequestRetention(e.config.RequestRetention),
	}
	if e.config.SettleSweep > 0 {
		opts = append(opts, settlement.WithSettleSweep(e.config.SettleSweep))
	}
	if e.config.DisableMigrate {
		opts = append(opts, settlement.WithoutMigrate())
	}
	return append(opts, e.coordinatorOpts...)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("settlement: configuration is required but not found in config files; " +
				"ensure 'extensions.settlement' or 'settlement' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("settlement: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("lease_duration", e.config.LeaseDuration),
		forge.F("notify_timeout", e.config.NotifyTimeout),
		forge.F("request_retention", e.config.RequestRetention),
		forge.F("connector_url", e.config.Connector.URL),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.settlement", "settlement"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("settlement: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("settlement: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}
