package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/connector"
	"github.com/xraph/settlement/credit"
	"github.com/xraph/settlement/engine"
	"github.com/xraph/settlement/plugin"
	"github.com/xraph/settlement/store"
)

// Default tunables.
const (
	DefaultLeaseDuration     = 30 * time.Second
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultNotifyConcurrency = 16
	DefaultNotifyTimeout     = 10 * time.Second
	DefaultRequestRetention  = 24 * time.Hour
	DefaultPurgeInterval     = time.Hour
)

// Compile-time check that the coordinator offers everything an engine needs.
var _ engine.Services = (*Coordinator)(nil)

// Coordinator accepts settlement requests, leases queued funds to the
// settlement engine and credits incoming settlements to the connector.
// All account state lives in the store; the coordinator holds none.
type Coordinator struct {
	store     store.Store
	connector connector.Connector
	plugins   *plugin.Registry
	logger    *slog.Logger

	engineFactory engine.Factory

	mu      sync.RWMutex
	engine  engine.Engine
	started bool

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	settling sync.WaitGroup

	// Configuration
	leaseDuration     time.Duration
	pollInterval      time.Duration
	retryPolicy       credit.RetryPolicy
	notifyConcurrency int
	notifyTimeout     time.Duration
	requestRetention  time.Duration
	purgeInterval     time.Duration
	settleSweep       time.Duration
	skipMigrate       bool
	now               func() time.Time
}

// New creates a coordinator over s that credits incoming settlements
// through conn. conn may be nil, in which case credits stay queued.
func New(s store.Store, conn connector.Connector, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:             s,
		connector:         conn,
		plugins:           plugin.NewRegistry(),
		logger:            slog.Default(),
		stopChan:          make(chan struct{}),
		leaseDuration:     DefaultLeaseDuration,
		pollInterval:      DefaultPollInterval,
		retryPolicy:       credit.DefaultRetryPolicy(),
		notifyConcurrency: DefaultNotifyConcurrency,
		notifyTimeout:     DefaultNotifyTimeout,
		requestRetention:  DefaultRequestRetention,
		purgeInterval:     DefaultPurgeInterval,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start migrates the store, builds the settlement engine and begins the
// background workers. A Start that fails may be retried.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	if err := c.prepare(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	c.plugins.EmitInit(ctx, c)

	// Workers outlive the start context; Stop ends them.
	workerCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go c.creditWorker(workerCtx)

	if c.requestRetention > 0 && c.purgeInterval > 0 {
		c.wg.Add(1)
		go c.purgeWorker(workerCtx)
	}

	if c.settleSweep > 0 {
		c.wg.Add(1)
		go c.sweepWorker(workerCtx)
	}

	c.logger.Info("settlement coordinator started",
		"lease_duration", c.leaseDuration,
		"poll_interval", c.pollInterval,
		"notify_concurrency", c.notifyConcurrency,
		"request_retention", c.requestRetention,
		"settle_sweep", c.settleSweep,
	)

	return nil
}

// prepare migrates the store unless WithoutMigrate was given, then builds
// the engine from the factory.
func (c *Coordinator) prepare(ctx context.Context) error {
	if !c.skipMigrate {
		if err := c.store.Migrate(ctx); err != nil {
			return err
		}
	}

	if c.engineFactory != nil {
		eng, err := c.engineFactory(ctx, c)
		if err != nil {
			return fmt.Errorf("settlement: build engine: %w", err)
		}
		c.SetEngine(eng)
	}
	return nil
}

// Stop ends the background workers, waits for in-flight notifications and
// settlement attempts, and closes the engine and the store.
func (c *Coordinator) Stop() error {
	// Closed under mu so settleAsync never adds to settling once Wait runs.
	c.mu.Lock()
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.mu.Unlock()

	c.wg.Wait()
	c.settling.Wait()

	ctx := context.Background()

	var errs MultiError
	if closer, ok := c.currentEngine().(engine.Closer); ok {
		errs.Add(closer.Close(ctx))
	}

	c.plugins.EmitShutdown(ctx)

	errs.Add(c.store.Close())
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetEngine installs the settlement engine. Engines built by a factory
// passed to WithEngine are installed by Start.
func (c *Coordinator) SetEngine(eng engine.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = eng
}

func (c *Coordinator) currentEngine() engine.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Store returns the underlying store.
func (c *Coordinator) Store() store.Store { return c.store }

// Plugins returns the plugin registry.
func (c *Coordinator) Plugins() *plugin.Registry { return c.plugins }

// ──────────────────────────────────────────────────
// Account Management
// ──────────────────────────────────────────────────

// CreateAccount creates an account, or reports existed=true if it already
// exists. The engine's AccountSetup runs either way.
func (c *Coordinator) CreateAccount(ctx context.Context, accountID string) (bool, error) {
	if err := validateAccount(accountID); err != nil {
		return false, err
	}

	existed, err := c.store.CreateAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	if setup, ok := c.currentEngine().(engine.AccountSetup); ok {
		if err := setup.SetupAccount(ctx, accountID); err != nil {
			c.logger.Warn("engine account setup failed",
				"account", accountID,
				"error", err,
			)
			return existed, fmt.Errorf("settlement: setup account %q: %w", accountID, err)
		}
	}

	if !existed {
		c.plugins.EmitAccountCreated(ctx, accountID)
	}
	return existed, nil
}

// AccountExists reports whether the account exists.
func (c *Coordinator) AccountExists(ctx context.Context, accountID string) (bool, error) {
	if err := validateAccount(accountID); err != nil {
		return false, err
	}
	return c.store.AccountExists(ctx, accountID)
}

// DeleteAccount closes the account on the engine and removes all of its
// state: queued amounts, request records and uncredited settlements.
func (c *Coordinator) DeleteAccount(ctx context.Context, accountID string) error {
	if err := validateAccount(accountID); err != nil {
		return err
	}

	if closer, ok := c.currentEngine().(engine.AccountCloser); ok {
		if err := closer.CloseAccount(ctx, accountID); err != nil {
			return fmt.Errorf("settlement: close account %q: %w", accountID, err)
		}
	}

	if err := c.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}

	c.plugins.EmitAccountDeleted(ctx, accountID)
	return nil
}

// ──────────────────────────────────────────────────
// Messaging
// ──────────────────────────────────────────────────

// HandleMessage relays a message from the account's peer engine to the
// local engine and returns its response.
func (c *Coordinator) HandleMessage(ctx context.Context, accountID string, message json.RawMessage) (json.RawMessage, error) {
	if err := validateAccount(accountID); err != nil {
		return nil, err
	}

	handler, ok := c.currentEngine().(engine.MessageHandler)
	if !ok {
		return nil, ErrMessagesUnsupported
	}
	return handler.HandleMessage(ctx, accountID, message)
}

// SendMessage serializes message as JSON and delivers it to the account's
// peer engine through the connector.
func (c *Coordinator) SendMessage(ctx context.Context, accountID string, message any) (json.RawMessage, error) {
	if err := validateAccount(accountID); err != nil {
		return nil, err
	}
	if c.connector == nil {
		return nil, ErrNotifierMissing
	}

	raw, ok := message.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("settlement: encode message: %w", err)
		}
		raw = data
	}
	return c.connector.SendMessage(ctx, accountID, raw)
}

// ──────────────────────────────────────────────────
// Validation
// ──────────────────────────────────────────────────

func validateAccount(accountID string) error {
	if !account.IsSafeKey(accountID) {
		return ValidationError{
			Field:   "account_id",
			Message: "missing, too long or includes unsafe characters",
			Err:     ErrInvalidAccount,
		}
	}
	return nil
}

func validateIdempotencyKey(key string) error {
	if !account.IsSafeKey(key) {
		return ValidationError{
			Field:   "idempotency_key",
			Message: "missing, too long or includes unsafe characters",
			Err:     ErrInvalidIdempotencyKey,
		}
	}
	return nil
}
