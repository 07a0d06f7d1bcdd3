package extension

import (
	"time"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/connector"
	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/plugin"
	"github.com/xraph/settlement/store"
)

// Option configures the settlement Forge extension.
type Option func(*Extension)

// WithStore sets the store for the coordinator.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithConnector replaces the HTTP connector client built from config.
func WithConnector(c connector.Connector) Option {
	return func(e *Extension) {
		e.connector = c
	}
}

// WithCoordinatorOption passes a settlement.Option through to the coordinator.
func WithCoordinatorOption(opt settlement.Option) Option {
	return func(e *Extension) {
		e.coordinatorOpts = append(e.coordinatorOpts, opt)
	}
}

// WithPlugin registers a coordinator plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.coordinatorOpts = append(e.coordinatorOpts, settlement.WithPlugin(p))
	}
}

// WithEngine sets the factory the coordinator builds its settlement engine with.
func WithEngine(factory engine.Factory) Option {
	return func(e *Extension) {
		e.coordinatorOpts = append(e.coordinatorOpts, settlement.WithEngine(factory))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the HTTP handler from being provided.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate skips store migration when the extension starts.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for the settlement API.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithConnectorURL sets the base URL of the connector.
func WithConnectorURL(url string) Option {
	return func(e *Extension) { e.config.Connector.URL = url }
}

// WithLeaseDuration sets how long prepared amounts stay leased.
func WithLeaseDuration(d time.Duration) Option {
	return func(e *Extension) { e.config.LeaseDuration = d }
}

// WithNotifyTimeout bounds a single connector notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.NotifyTimeout = d }
}

// WithRequestRetention sets how long idempotency records are kept.
func WithRequestRetention(d time.Duration) Option {
	return func(e *Extension) { e.config.RequestRetention = d }
}

// WithSettleSweep enables the periodic settle sweep.
func WithSettleSweep(interval time.Duration) Option {
	return func(e *Extension) { e.config.SettleSweep = interval }
}
