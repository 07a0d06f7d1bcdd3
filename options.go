package settlement

import (
	"log/slog"
	"time"

	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/plugin"
)

// Option configures a Coordinator instance.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
		c.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(c *Coordinator) {
		_ = c.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithEngine sets the factory Start uses to build the settlement engine.
func WithEngine(factory engine.Factory) Option {
	return func(c *Coordinator) {
		c.engineFactory = factory
	}
}

// WithLeaseDuration sets the lease used when Prepare is called without one.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.leaseDuration = d
		}
	}
}

// WithPollInterval sets how long the credit loop sleeps when nothing is ready.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRetryPolicy sets the backoff for failed connector notifications.
func WithRetryPolicy(p credit.RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retryPolicy = p
	}
}

// WithNotifyConcurrency bounds concurrent connector notifications.
func WithNotifyConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.notifyConcurrency = n
		}
	}
}

// WithNotifyTimeout bounds a single connector notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.notifyTimeout = d
		}
	}
}

// WithRequestRetention sets how long idempotency records are kept after the
// last request with their key. Zero keeps them forever.
func WithRequestRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		c.requestRetention = max(d, 0)
	}
}

// WithPurgeInterval sets how often expired idempotency records are purged.
func WithPurgeInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.purgeInterval = d
	}
}

// WithSettleSweep retries settlement for every account on start and then at
// the given interval, so funds reclaimed from expired leases are not left
// waiting for the next request. Zero disables the sweep.
func WithSettleSweep(interval time.Duration) Option {
	return func(c *Coordinator) {
		c.settleSweep = interval
	}
}

// WithoutMigrate makes Start skip store migration, for deployments that
// migrate out of band. The background workers still run.
func WithoutMigrate() Option {
	return func(c *Coordinator) {
		c.skipMigrate = true
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}
