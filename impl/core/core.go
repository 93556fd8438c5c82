// Package core is the service facade of the credit engine. Every public operation
// validates its input, applies rate limits, runs its balance changes in one store
// transaction through the ledger package and performs best-effort side effects (audit,
// counters, notifications) after the commit.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"creditengine/entity"
	"creditengine/internal/ledger"
	"creditengine/internal/ratelimit"
	"creditengine/lib/clock"
	"creditengine/lib/sl"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is the ledger store: memory.Store or database.MongoDB.
type Store interface {
	RunTx(ctx context.Context, fn ledger.TxFunc) error
	GetAccount(ctx context.Context, userID string) (*entity.Account, error)
	Transactions(ctx context.Context, userID string, limit int) ([]*entity.Transaction, error)
	GetSettings(ctx context.Context) (*entity.Settings, error)
	SaveSettings(ctx context.Context, settings *entity.Settings, expectVersion int64) error
	IncrementPromoUses(ctx context.Context, code string) error
	IncrementPilotParticipants(ctx context.Context, programID string, delta int64) error
	ReservePilotSeat(ctx context.Context, programID string, limit int64) error
	SaveAudit(ctx context.Context, e *entity.AuditEntry) error
	AuditLog(ctx context.Context, limit int) ([]*entity.AuditEntry, error)
}

type AuthService interface {
	UserByToken(token string) (*entity.User, error)
}

// PaymentController selects the payment provider; implemented by payment.Controller.
type PaymentController interface {
	Select(ctx context.Context) (entity.ProviderName, error)
	RecordSuccess(ctx context.Context, name entity.ProviderName) error
	RecordFailure(ctx context.Context, name entity.ProviderName, cause error) (bool, error)
	State(ctx context.Context) (entity.PaymentSettings, error)
	SetCredentials(ctx context.Context, name entity.ProviderName, kind string, creds entity.ProviderCredentials, enabled bool) error
	ConfigureFailover(ctx context.Context, policy entity.Failover) (entity.PaymentSettings, error)
}

type PaymentProvider interface {
	CreateCheckout(ctx context.Context, bundle *entity.Bundle, userID string) (*entity.Checkout, error)
	ParseEvent(payload []byte, header string) (*entity.PaymentEvent, error)
}

// ProviderFactory builds a provider client from stored credentials.
type ProviderFactory func(name entity.ProviderName, kind string, creds entity.ProviderCredentials) (PaymentProvider, error)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Metrics interface {
	Transaction(typ string)
	Decision(reason string, allowed bool)
	RateLimited(action string)
	AuditError()
}

// Options carries the limits of the engine.
type Options struct {
	MaxGiftAmount  int64
	DailyGiftCap   int64
	MaxAdminAdjust int64
	WelcomeCredits int64
	HistoryLimit   int
	SettingsTTL    time.Duration

	GiftLimits  []ratelimit.Limit
	PromoLimits []ratelimit.Limit
	UsageLimits []ratelimit.Limit

	Now clock.Clock
}

func DefaultOptions() Options {
	return Options{
		MaxGiftAmount:  500,
		DailyGiftCap:   1000,
		MaxAdminAdjust: 10000,
		WelcomeCredits: 50,
		HistoryLimit:   50,
		SettingsTTL:    30 * time.Second,
		GiftLimits:     []ratelimit.Limit{ratelimit.PerHour(10), ratelimit.PerDay(30)},
		PromoLimits:    []ratelimit.Limit{ratelimit.PerHour(5), ratelimit.PerDay(20)},
		UsageLimits:    []ratelimit.Limit{ratelimit.PerMinute(60)},
	}
}

const (
	actionGift  = "gift"
	actionPromo = "promo"
	actionUsage = "usage"

	maxHistory          = 200
	settingsSaveRetries = 3
)

type Core struct {
	store    Store
	ledger   *ledger.Ledger
	limiter  ratelimit.Limiter
	auth     AuthService
	payments PaymentController
	factory  ProviderFactory
	notifier Notifier
	metrics  Metrics
	opts     Options
	now      clock.Clock
	log      *slog.Logger

	providersMu sync.RWMutex
	providers   map[entity.ProviderName]PaymentProvider

	settingsCache *expirable.LRU[string, *entity.Settings]
	balanceCache  *expirable.LRU[string, int64]
}

func New(store Store, opts Options, log *slog.Logger) *Core {
	if store == nil {
		panic("ledger store is nil")
	}
	now := opts.Now
	if now == nil {
		now = clock.System
	}
	ttl := opts.SettingsTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Core{
		store:         store,
		ledger:        ledger.New(now),
		opts:          opts,
		now:           now,
		log:           log.With(sl.Module("core")),
		providers:     make(map[entity.ProviderName]PaymentProvider),
		settingsCache: expirable.NewLRU[string, *entity.Settings](1, nil, ttl),
		balanceCache:  expirable.NewLRU[string, int64](10000, nil, ttl),
	}
}

func (c *Core) SetAuthService(auth AuthService) {
	c.auth = auth
}

func (c *Core) SetRateLimiter(l ratelimit.Limiter) {
	c.limiter = l
}

func (c *Core) SetPaymentController(p PaymentController) {
	c.payments = p
}

func (c *Core) SetProviderFactory(f ProviderFactory) {
	c.factory = f
}

func (c *Core) SetNotifier(n Notifier) {
	c.notifier = n
}

func (c *Core) SetMetrics(m Metrics) {
	c.metrics = m
}

func (c *Core) AuthenticateByToken(token string) (*entity.User, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("auth service not connected")
	}
	return c.auth.UserByToken(token)
}

// EnsureSettings stores the default settings document when none exists yet.
func (c *Core) EnsureSettings(ctx context.Context) error {
	_, err := c.store.GetSettings(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, entity.ErrNotFound) {
		return err
	}
	defaults := entity.DefaultSettings(c.opts.WelcomeCredits)
	defaults.UpdatedAt = c.now()
	err = c.store.SaveSettings(ctx, defaults, 0)
	if errors.Is(err, entity.ErrVersionConflict) {
		return nil
	}
	if err == nil {
		c.log.Info("default settings created")
	}
	return err
}

// settings returns the cached snapshot. Callers must not modify it.
func (c *Core) settings(ctx context.Context) (*entity.Settings, error) {
	if s, ok := c.settingsCache.Get(entity.SettingsID); ok {
		return s, nil
	}
	return c.freshSettings(ctx)
}

// freshSettings reads the store and refreshes the cache.
func (c *Core) freshSettings(ctx context.Context) (*entity.Settings, error) {
	s, err := c.store.GetSettings(ctx)
	if errors.Is(err, entity.ErrNotFound) {
		s = entity.DefaultSettings(c.opts.WelcomeCredits)
	} else if err != nil {
		c.log.With(sl.Err(err)).Error("load settings")
		return nil, fmt.Errorf("%w: %v", entity.ErrSettingsUnavailable, err)
	}
	c.settingsCache.Add(entity.SettingsID, s)
	return s, nil
}

func (c *Core) checkLimit(ctx context.Context, action, subject string, limits []ratelimit.Limit) error {
	err := ratelimit.Check(ctx, c.limiter, action, subject, limits...)
	if err == nil {
		return nil
	}
	var rl *entity.RateLimitError
	if errors.As(err, &rl) {
		if c.metrics != nil {
			c.metrics.RateLimited(action)
		}
		return err
	}
	c.log.With(sl.Err(err), slog.String("action", action)).Error("rate limiter unavailable")
	return fmt.Errorf("%w: %v", entity.ErrTransientFailure, err)
}

func (c *Core) committed(records ...*entity.Transaction) {
	for _, r := range records {
		if r == nil {
			continue
		}
		c.balanceCache.Add(r.UserID, r.BalanceAfter)
		if c.metrics != nil {
			c.metrics.Transaction(string(r.Type))
		}
	}
}

// audit writes the entry and only logs a failure; the audited change is already committed.
func (c *Core) audit(ctx context.Context, e *entity.AuditEntry) {
	e.ID = ledger.NewID()
	e.CreatedAt = c.now()
	if err := c.store.SaveAudit(ctx, e); err != nil {
		c.log.With(
			sl.Err(err),
			slog.String("action", e.Action),
			slog.String("admin_id", e.AdminID),
			slog.String("target", e.TargetUserID),
		).Error("audit entry not written")
		if c.metrics != nil {
			c.metrics.AuditError()
		}
	}
}

func (c *Core) alert(ctx context.Context, text string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, text); err != nil {
		c.log.With(sl.Err(err)).Warn("admin notification")
	}
}

// failed logs a rejected operation; expected denials stay below the alerting level.
func failed(log *slog.Logger, msg string, err error) {
	if entity.IsDenial(err) {
		log.With(sl.Err(err)).Debug(msg)
		return
	}
	log.With(sl.Err(err)).Error(msg)
}

func requireAdmin(admin *entity.User) error {
	if admin == nil || !admin.IsAdmin() {
		return entity.ErrUnauthorized
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
