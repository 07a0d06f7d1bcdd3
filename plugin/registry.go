package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/settlement/credit"
)

// hookTimeout bounds a single plugin call.
const hookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onAccountCreated       []OnAccountCreated
	onAccountDeleted       []OnAccountDeleted
	onSettlementQueued     []OnSettlementQueued
	onSettlementPrepared   []OnSettlementPrepared
	onSettlementCommitted  []OnSettlementCommitted
	onSettlementFailed     []OnSettlementFailed
	onSettlementRefunded   []OnSettlementRefunded
	onRequestsPurged       []OnRequestsPurged
	onCreditRecorded       []OnCreditRecorded
	onCreditFinalized      []OnCreditFinalized
	onCreditRetryScheduled []OnCreditRetryScheduled
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{logger: slog.Default()}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountCreated); ok {
		r.onAccountCreated = append(r.onAccountCreated, v)
	}
	if v, ok := p.(OnAccountDeleted); ok {
		r.onAccountDeleted = append(r.onAccountDeleted, v)
	}
	if v, ok := p.(OnSettlementQueued); ok {
		r.onSettlementQueued = append(r.onSettlementQueued, v)
	}
	if v, ok := p.(OnSettlementPrepared); ok {
		r.onSettlementPrepared = append(r.onSettlementPrepared, v)
	}
	if v, ok := p.(OnSettlementCommitted); ok {
		r.onSettlementCommitted = append(r.onSettlementCommitted, v)
	}
	if v, ok := p.(OnSettlementFailed); ok {
		r.onSettlementFailed = append(r.onSettlementFailed, v)
	}
	if v, ok := p.(OnSettlementRefunded); ok {
		r.onSettlementRefunded = append(r.onSettlementRefunded, v)
	}
	if v, ok := p.(OnRequestsPurged); ok {
		r.onRequestsPurged = append(r.onRequestsPurged, v)
	}
	if v, ok := p.(OnCreditRecorded); ok {
		r.onCreditRecorded = append(r.onCreditRecorded, v)
	}
	if v, ok := p.(OnCreditFinalized); ok {
		r.onCreditFinalized = append(r.onCreditFinalized, v)
	}
	if v, ok := p.(OnCreditRetryScheduled); ok {
		r.onCreditRetryScheduled = append(r.onCreditRetryScheduled, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnAccountCreated", reflect.TypeFor[OnAccountCreated]()},
	{"OnAccountDeleted", reflect.TypeFor[OnAccountDeleted]()},
	{"OnSettlementQueued", reflect.TypeFor[OnSettlementQueued]()},
	{"OnSettlementPrepared", reflect.TypeFor[OnSettlementPrepared]()},
	{"OnSettlementCommitted", reflect.TypeFor[OnSettlementCommitted]()},
	{"OnSettlementFailed", reflect.TypeFor[OnSettlementFailed]()},
	{"OnSettlementRefunded", reflect.TypeFor[OnSettlementRefunded]()},
	{"OnRequestsPurged", reflect.TypeFor[OnRequestsPurged]()},
	{"OnCreditRecorded", reflect.TypeFor[OnCreditRecorded]()},
	{"OnCreditFinalized", reflect.TypeFor[OnCreditFinalized]()},
	{"OnCreditRetryScheduled", reflect.TypeFor[OnCreditRetryScheduled]()},
}

// implementedInterfaces returns the hooks implemented by the plugin.
func implementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			interfaces = append(interfaces, h.name)
		}
	}
	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, coordinator any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, coordinator)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAccountCreated emits an account created event.
func (r *Registry) EmitAccountCreated(ctx context.Context, accountID string) {
	r.mu.RLock()
	plugins := r.onAccountCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnAccountCreated(ctx, accountID)
		}); err != nil {
			r.logger.Warn("plugin OnAccountCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAccountDeleted emits an account deleted event.
func (r *Registry) EmitAccountDeleted(ctx context.Context, accountID string) {
	r.mu.RLock()
	plugins := r.onAccountDeleted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnAccountDeleted(ctx, accountID)
		}); err != nil {
			r.logger.Warn("plugin OnAccountDeleted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementQueued emits a settlement queued event.
func (r *Registry) EmitSettlementQueued(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) {
	r.mu.RLock()
	plugins := r.onSettlementQueued
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementQueued(ctx, accountID, idempotencyKey, amount)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementQueued failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementPrepared emits a settlement prepared event.
func (r *Registry) EmitSettlementPrepared(ctx context.Context, accountID, leaseID string, amount decimal.Decimal) {
	r.mu.RLock()
	plugins := r.onSettlementPrepared
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementPrepared(ctx, accountID, leaseID, amount)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementPrepared failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementCommitted emits a settlement committed event.
func (r *Registry) EmitSettlementCommitted(ctx context.Context, accountID, leaseID string, amount decimal.Decimal) {
	r.mu.RLock()
	plugins := r.onSettlementCommitted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementCommitted(ctx, accountID, leaseID, amount)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementCommitted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementFailed emits a settlement failed event.
func (r *Registry) EmitSettlementFailed(ctx context.Context, accountID string, cause error) {
	r.mu.RLock()
	plugins := r.onSettlementFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementFailed(ctx, accountID, cause)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSettlementRefunded emits a settlement refunded event.
func (r *Registry) EmitSettlementRefunded(ctx context.Context, accountID string, amount decimal.Decimal) {
	r.mu.RLock()
	plugins := r.onSettlementRefunded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSettlementRefunded(ctx, accountID, amount)
		}); err != nil {
			r.logger.Warn("plugin OnSettlementRefunded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRequestsPurged emits a requests purged event.
func (r *Registry) EmitRequestsPurged(ctx context.Context, count int64, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onRequestsPurged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRequestsPurged(ctx, count, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnRequestsPurged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditRecorded emits a credit recorded event.
func (r *Registry) EmitCreditRecorded(ctx context.Context, c *credit.Credit) {
	r.mu.RLock()
	plugins := r.onCreditRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditRecorded(ctx, c)
		}); err != nil {
			r.logger.Warn("plugin OnCreditRecorded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditFinalized emits a credit finalized event.
func (r *Registry) EmitCreditFinalized(ctx context.Context, c *credit.Credit) {
	r.mu.RLock()
	plugins := r.onCreditFinalized
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditFinalized(ctx, c)
		}); err != nil {
			r.logger.Warn("plugin OnCreditFinalized failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditRetryScheduled emits a credit retry scheduled event.
func (r *Registry) EmitCreditRetryScheduled(ctx context.Context, c *credit.Credit, cause error) {
	r.mu.RLock()
	plugins := r.onCreditRetryScheduled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditRetryScheduled(ctx, c, cause)
		}); err != nil {
			r.logger.Warn("plugin OnCreditRetryScheduled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block a settlement or the credit retry loop.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(hookTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
