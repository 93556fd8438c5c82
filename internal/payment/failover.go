// Package payment selects between the primary and the backup payment provider and keeps
// their outcome counters. It does not move money itself.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"creditengine/entity"
	"creditengine/lib/clock"
	"creditengine/lib/sl"
)

// Store persists the payment section of the settings document.
type Store interface {
	LoadPayment(ctx context.Context) (entity.PaymentSettings, error)
	SavePayment(ctx context.Context, payment entity.PaymentSettings) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Metrics interface {
	Failover()
}

// Controller is the failover state machine:
// using primary -> (primary failure, auto failover on) -> using backup
// -> (RetryPrimaryAfterHours elapsed) -> using primary.
// The mutex serializes read-modify-write of the stored state within the process.
type Controller struct {
	mu       sync.Mutex
	store    Store
	notifier Notifier
	metrics  Metrics
	now      clock.Clock
	log      *slog.Logger
}

func NewController(store Store, log *slog.Logger) *Controller {
	return &Controller{
		store: store,
		now:   clock.System,
		log:   log.With(sl.Module("payment")),
	}
}

func (c *Controller) SetNotifier(n Notifier) {
	c.notifier = n
}

func (c *Controller) SetMetrics(m Metrics) {
	c.metrics = m
}

func (c *Controller) SetClock(now clock.Clock) {
	c.now = now
}

// Select returns the provider new payments should use. It switches back to the primary
// once the backup has been active for RetryPrimaryAfterHours.
func (c *Controller) Select(ctx context.Context) (entity.ProviderName, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.LoadPayment(ctx)
	if err != nil {
		return "", fmt.Errorf("load payment state: %w", err)
	}
	now := c.now()

	if state.Failover.CurrentlyUsingBackup && c.retryPrimaryDue(state.Failover, now) && state.Primary.Enabled {
		state.Failover.CurrentlyUsingBackup = false
		state.Failover.BackupActivatedAt = nil
		if err = c.store.SavePayment(ctx, state); err != nil {
			return "", fmt.Errorf("save payment state: %w", err)
		}
		c.log.Info("returning to primary payment provider")
		c.notify(ctx, state.Failover, "Payments: returning to the primary provider")
	}

	return selectProvider(state)
}

func selectProvider(state entity.PaymentSettings) (entity.ProviderName, error) {
	if state.Failover.CurrentlyUsingBackup && state.Secondary.Enabled {
		return entity.ProviderSecondary, nil
	}
	if state.Primary.Enabled {
		return entity.ProviderPrimary, nil
	}
	if state.Secondary.Enabled {
		return entity.ProviderSecondary, nil
	}
	return "", entity.ErrNoProvider
}

func (c *Controller) retryPrimaryDue(f entity.Failover, now time.Time) bool {
	if f.BackupActivatedAt == nil {
		return true
	}
	retryAfter := time.Duration(f.RetryPrimaryAfterHours) * time.Hour
	return !now.Before(f.BackupActivatedAt.Add(retryAfter))
}

func (c *Controller) RecordSuccess(ctx context.Context, name entity.ProviderName) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.LoadPayment(ctx)
	if err != nil {
		return fmt.Errorf("load payment state: %w", err)
	}
	provider := state.Provider(name)
	if provider == nil {
		return entity.ErrNoProvider
	}
	provider.SuccessfulTransactions++
	return c.store.SavePayment(ctx, state)
}

// RecordFailure counts the failure and, for the primary with auto failover enabled,
// activates the backup. It reports whether the active provider changed.
func (c *Controller) RecordFailure(ctx context.Context, name entity.ProviderName, cause error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.LoadPayment(ctx)
	if err != nil {
		return false, fmt.Errorf("load payment state: %w", err)
	}
	provider := state.Provider(name)
	if provider == nil {
		return false, entity.ErrNoProvider
	}
	now := c.now()
	provider.FailedTransactions++
	if cause != nil {
		provider.LastError = cause.Error()
	}
	provider.LastErrorAt = &now

	switched := false
	if name == entity.ProviderPrimary &&
		state.Failover.AutoEnabled &&
		!state.Failover.CurrentlyUsingBackup &&
		state.Secondary.Enabled {
		state.Failover.CurrentlyUsingBackup = true
		state.Failover.BackupActivatedAt = &now
		switched = true
	}

	if err = c.store.SavePayment(ctx, state); err != nil {
		return false, fmt.Errorf("save payment state: %w", err)
	}

	if switched {
		c.log.With(sl.Err(cause)).Warn("primary payment provider failed, backup activated")
		if c.metrics != nil {
			c.metrics.Failover()
		}
		c.notify(ctx, state.Failover, fmt.Sprintf("Payments: primary provider failed (%s), switched to backup", provider.LastError))
	}
	return switched, nil
}

// State returns the stored state with credentials removed.
func (c *Controller) State(ctx context.Context) (entity.PaymentSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.LoadPayment(ctx)
	if err != nil {
		return entity.PaymentSettings{}, err
	}
	s := entity.Settings{Payment: state}
	return s.Redacted().Payment, nil
}

func (c *Controller) notify(ctx context.Context, f entity.Failover, text string) {
	if c.notifier == nil || !f.NotifyAdminOnFailover {
		return
	}
	if err := c.notifier.Notify(ctx, text); err != nil {
		c.log.With(sl.Err(err)).Warn("failover notification")
	}
}

// SetCredentials stores new secrets for a provider slot. Secrets can be replaced but are
// never returned by State.
func (c *Controller) SetCredentials(ctx context.Context, name entity.ProviderName, kind string, creds entity.ProviderCredentials, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.LoadPayment(ctx)
	if err != nil {
		return fmt.Errorf("load payment state: %w", err)
	}
	provider := state.Provider(name)
	provider.Name = name
	provider.Kind = kind
	provider.Enabled = enabled
	creds.Configured = creds.APIKey != "" && creds.WebhookSecret != ""
	provider.Credentials = creds
	return c.store.SavePayment(ctx, state)
}

// ConfigureFailover replaces the switching policy; the runtime flags are kept.
func (c *Controller) ConfigureFailover(ctx context.Context, policy entity.Failover) (entity.PaymentSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.LoadPayment(ctx)
	if err != nil {
		return entity.PaymentSettings{}, fmt.Errorf("load payment state: %w", err)
	}
	state.Failover.AutoEnabled = policy.AutoEnabled
	state.Failover.RetryPrimaryAfterHours = policy.RetryPrimaryAfterHours
	state.Failover.NotifyAdminOnFailover = policy.NotifyAdminOnFailover
	if err = c.store.SavePayment(ctx, state); err != nil {
		return entity.PaymentSettings{}, fmt.Errorf("save payment state: %w", err)
	}
	s := entity.Settings{Payment: state}
	return s.Redacted().Payment, nil
}

// Credentials returns the stored secrets of a provider slot for building its client.
func (c *Controller) Credentials(ctx context.Context, name entity.ProviderName) (entity.ProviderCredentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.LoadPayment(ctx)
	if err != nil {
		return entity.ProviderCredentials{}, err
	}
	return state.Provider(name).Credentials, nil
}
