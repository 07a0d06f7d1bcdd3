package extension

import (
	"time"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/connector"
)

// Config holds the settlement extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.settlement" or "settlement" keys).
type Config struct {
	// DisableRoutes prevents the HTTP handler from being provided.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate skips store migration on start. The coordinator and its
	// background workers still start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix the settlement API is mounted under (default: "/settlement").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// LeaseDuration bounds how long prepared amounts stay leased (default: 30s).
	LeaseDuration time.Duration `json:"lease_duration" mapstructure:"lease_duration" yaml:"lease_duration"`

	// PollInterval is how often the credit loop looks for due retries (default: 50ms).
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`

	// NotifyConcurrency caps in-flight connector notifications (default: 16).
	NotifyConcurrency int `json:"notify_concurrency" mapstructure:"notify_concurrency" yaml:"notify_concurrency"`

	// NotifyTimeout bounds a single connector notification (default: 10s).
	NotifyTimeout time.Duration `json:"notify_timeout" mapstructure:"notify_timeout" yaml:"notify_timeout"`

	// RequestRetention is how long idempotency records are kept (default: 24h).
	RequestRetention time.Duration `json:"request_retention" mapstructure:"request_retention" yaml:"request_retention"`

	// SettleSweep is the interval of the periodic settle sweep (0 disables it).
	SettleSweep time.Duration `json:"settle_sweep" mapstructure:"settle_sweep" yaml:"settle_sweep"`

	// Connector configures the HTTP client used to reach the connector.
	Connector connector.Config `json:"connector" mapstructure:"connector" yaml:"connector"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:          "/settlement",
		LeaseDuration:     settlement.DefaultLeaseDuration,
		PollInterval:      settlement.DefaultPollInterval,
		NotifyConcurrency: settlement.DefaultNotifyConcurrency,
		NotifyTimeout:     settlement.DefaultNotifyTimeout,
		RequestRetention:  settlement.DefaultRequestRetention,
		Connector: connector.Config{
			URL: connector.DefaultURL,
		},
	}
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.NotifyConcurrency == 0 {
		cfg.NotifyConcurrency = defaults.NotifyConcurrency
	}
	if cfg.NotifyTimeout == 0 {
		cfg.NotifyTimeout = defaults.NotifyTimeout
	}
	if cfg.RequestRetention == 0 {
		cfg.RequestRetention = defaults.RequestRetention
	}
	if cfg.Connector.URL == "" {
		cfg.Connector.URL = defaults.Connector.URL
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.LeaseDuration == 0 {
		yamlConfig.LeaseDuration = programmaticConfig.LeaseDuration
	}
	if yamlConfig.PollInterval == 0 {
		yamlConfig.PollInterval = programmaticConfig.PollInterval
	}
	if yamlConfig.NotifyConcurrency == 0 {
		yamlConfig.NotifyConcurrency = programmaticConfig.NotifyConcurrency
	}
	if yamlConfig.NotifyTimeout == 0 {
		yamlConfig.NotifyTimeout = programmaticConfig.NotifyTimeout
	}
	if yamlConfig.RequestRetention == 0 {
		yamlConfig.RequestRetention = programmaticConfig.RequestRetention
	}
	if yamlConfig.SettleSweep == 0 {
		yamlConfig.SettleSweep = programmaticConfig.SettleSweep
	}

	conn := &yamlConfig.Connector
	if conn.URL == "" {
		conn.URL = programmaticConfig.Connector.URL
	}
	if conn.CreditURL == "" {
		conn.CreditURL = programmaticConfig.Connector.CreditURL
	}
	if conn.MessageURL == "" {
		conn.MessageURL = programmaticConfig.Connector.MessageURL
	}
	if conn.Timeout == 0 {
		conn.Timeout = programmaticConfig.Connector.Timeout
	}
	conn.HTTPClient = programmaticConfig.Connector.HTTPClient

	return mergeWithDefaults(yamlConfig)
}
