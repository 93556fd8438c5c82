package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"creditengine/entity"
	"creditengine/internal/database/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type countingMetrics struct {
	mu           sync.Mutex
	transactions map[string]int
	rateLimited  int
	auditErrors  int
}

func (m *countingMetrics) Transaction(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transactions == nil {
		m.transactions = make(map[string]int)
	}
	m.transactions[typ]++
}

func (m *countingMetrics) Decision(string, bool) {}

func (m *countingMetrics) RateLimited(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

func (m *countingMetrics) AuditError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditErrors++
}

var (
	start = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	admin = &entity.User{UserID: "admin-1", Name: "Ops", Role: entity.RoleAdmin}
)

type fixture struct {
	core    *Core
	store   *memory.Store
	clock   *testClock
	metrics *countingMetrics
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	mem := memory.New()
	if store == nil {
		store = mem
	}
	clk := &testClock{t: start}
	opts := DefaultOptions()
	opts.WelcomeCredits = 0
	opts.Now = clk.Now

	m := &countingMetrics{}
	c := New(store, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetMetrics(m)
	require.NoError(t, c.EnsureSettings(context.Background()))
	return &fixture{core: c, store: mem, clock: clk, metrics: m}
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.core.InitializeAccount(ctx, userID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = f.core.AdminAdjustCredits(ctx, admin, userID, amount, "test funding")
		require.NoError(t, err)
	}
}

func (f *fixture) price(t *testing.T, p entity.FeaturePricing) {
	t.Helper()
	_, err := f.core.UpsertFeaturePricing(context.Background(), admin, p)
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, userID string) *entity.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return a
}

func paid(feature entity.FeatureID, credits int64) entity.FeaturePricing {
	return entity.FeaturePricing{
		FeatureID:     feature,
		CreditsPerUse: credits,
		ResetPeriod:   entity.ResetMonthly,
		Enabled:       true,
	}
}

func ofType(records []*entity.Transaction, typ entity.TransactionType) []*entity.Transaction {
	var result []*entity.Transaction
	for _, r := range records {
		if r.Type == typ {
			result = append(result, r)
		}
	}
	return result
}

func TestUseFeatureDebitsCredits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.price(t, paid(entity.FeatureAIRecap, 5))
	f.fund(t, "u1", 10)

	usage, err := f.core.UseFeature(ctx, "u1", "ai_game_recap", "Final vs Tigers", "game-7")
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonCreditsAvailable, usage.Reason)
	assert.Equal(t, int64(5), usage.CreditsUsed)
	assert.Equal(t, int64(5), usage.Balance)

	history, err := f.core.GetTransactionHistory(ctx, "u1", 0)
	require.NoError(t, err)
	used := ofType(history, entity.TxUsage)
	require.Len(t, used, 1)
	assert.Equal(t, int64(-5), used[0].Amount)
	assert.Equal(t, int64(5), used[0].BalanceAfter)
	assert.Equal(t, entity.FeatureAIRecap, used[0].Feature)
	assert.Equal(t, "game-7", used[0].Metadata["item_id"])

	account := f.account(t, "u1")
	assert.True(t, account.Consistent())
	assert.Equal(t, int64(1), account.FeatureUsage[entity.FeatureAIRecap].TotalUses)
}

func TestUseFeatureExhaustsBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.price(t, paid(entity.FeatureAIRecap, 5))
	f.fund(t, "u1", 5)

	usage, err := f.core.UseFeature(ctx, "u1", "ai_game_recap", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Balance)

	_, err = f.core.UseFeature(ctx, "u1", "ai_game_recap", "", "")
	assert.ErrorIs(t, err, entity.ErrInsufficientCredits)
	assert.Equal(t, int64(0), f.account(t, "u1").Balance)

	balance, err := f.core.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestUseFeatureFreeQuotaBeforeCredits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pricing := paid(entity.FeatureStatsExport, 3)
	pricing.FreeUsesPerMonth = 2
	f.price(t, pricing)
	f.fund(t, "u1", 3)

	for i := 0; i < 2; i++ {
		usage, err := f.core.UseFeature(ctx, "u1", "stats_export", "", "")
		require.NoError(t, err)
		assert.Equal(t, entity.ReasonFreeQuota, usage.Reason)
		assert.Zero(t, usage.CreditsUsed)
	}
	usage, err := f.core.UseFeature(ctx, "u1", "stats_export", "", "")
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonCreditsAvailable, usage.Reason)
	assert.Equal(t, int64(0), usage.Balance)

	// the next month brings the free uses back
	f.clock.Set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))
	d := f.core.CheckFeature(ctx, "u1", "stats_export")
	assert.True(t, d.Allowed)
	assert.Equal(t, entity.ReasonFreeQuota, d.Reason)
	assert.Equal(t, int64(2), d.FreeUsesRemaining)
}

func TestUseFeatureUnpricedIsFree(t *testing.T) {
	f := newFixture(t, nil)
	usage, err := f.core.UseFeature(context.Background(), "u1", "custom_report", "", "")
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonFree, usage.Reason)
	assert.Equal(t, int64(1), f.account(t, "u1").FeatureUsage[entity.FeatureCustomReport].TotalUses)
}

func TestUseFeatureRejectsMalformedID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.core.UseFeature(context.Background(), "u1", "Not A Feature!", "", "")
	assert.ErrorIs(t, err, entity.ErrFeatureUnknown)
}

func TestCheckFeatureOrdering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	until := start.Add(30 * 24 * time.Hour)

	pricing := paid(entity.FeatureVideoHighlight, 4)
	pricing.FreeUsesPerMonth = 1
	pricing.BypassForPilot = true
	f.price(t, pricing)
	_, err := f.core.UpsertPilotProgram(ctx, admin, entity.PilotProgram{
		ID: "spring", BypassCredits: true, ValidUntil: &until, Enabled: true,
	})
	require.NoError(t, err)
	_, err = f.core.SetFreePeriod(ctx, admin, entity.FreePeriod{Enabled: true, ValidUntil: &until, Message: "Season opener"})
	require.NoError(t, err)
	f.fund(t, "u1", 0)
	_, err = f.core.EnrollPilot(ctx, admin, "u1", "spring")
	require.NoError(t, err)

	check := func() entity.Decision { return f.core.CheckFeature(ctx, "u1", "video_highlight") }

	d := check()
	assert.True(t, d.Allowed)
	assert.Equal(t, entity.ReasonFreePeriod, d.Reason)
	assert.Equal(t, "Season opener", d.Message)

	_, err = f.core.SetFreePeriod(ctx, admin, entity.FreePeriod{})
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonPilot, check().Reason)

	_, err = f.core.RemovePilot(ctx, admin, "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonFreeQuota, check().Reason)

	_, err = f.core.UseFeature(ctx, "u1", "video_highlight", "", "")
	require.NoError(t, err)
	d = check()
	assert.False(t, d.Allowed)
	assert.Equal(t, entity.ReasonInsufficientCredits, d.Reason)
	assert.Equal(t, int64(4), d.CreditsRequired)

	_, err = f.core.AdminAdjustCredits(ctx, admin, "u1", 4, "top up")
	require.NoError(t, err)
	d = check()
	assert.True(t, d.Allowed)
	assert.Equal(t, entity.ReasonCreditsAvailable, d.Reason)
}

type brokenSettingsStore struct {
	*memory.Store
}

func (s brokenSettingsStore) GetSettings(context.Context) (*entity.Settings, error) {
	return nil, errors.New("connection refused")
}

func TestCheckFeatureFailsClosed(t *testing.T) {
	mem := memory.New()
	require.NoError(t, mem.SaveSettings(context.Background(), entity.DefaultSettings(0), 0))
	opts := DefaultOptions()
	c := New(brokenSettingsStore{mem}, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d := c.CheckFeature(context.Background(), "u1", "ai_game_recap")
	assert.False(t, d.Allowed)
	assert.Equal(t, entity.ReasonUnavailable, d.Reason)

	_, err := c.UseFeature(context.Background(), "u1", "ai_game_recap", "", "")
	assert.ErrorIs(t, err, entity.ErrSettingsUnavailable)
}

func TestCheckFeatureDoesNotCreateAccount(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, paid(entity.FeatureAIRecap, 5))

	d := f.core.CheckFeature(context.Background(), "ghost", "ai_game_recap")
	assert.False(t, d.Allowed)
	_, err := f.store.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, entity.ErrAccountNotFound)
}

func TestConcurrentUseNeverGoesNegative(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, paid(entity.FeatureBulkMessage, 3))
	f.fund(t, "u1", 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.core.UseFeature(context.Background(), "u1", "bulk_message", "", "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, entity.ErrInsufficientCredits)
		}()
	}
	wg.Wait()

	account := f.account(t, "u1")
	assert.Equal(t, 6, succeeded)
	assert.Equal(t, int64(2), account.Balance)
	assert.True(t, account.Consistent())
}

func TestGetBalanceCreatesAccountWithWelcome(t *testing.T) {
	mem := memory.New()
	opts := DefaultOptions()
	opts.WelcomeCredits = 50
	opts.Now = (&testClock{t: start}).Now
	c := New(mem, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	require.NoError(t, c.EnsureSettings(ctx))

	balance, err := c.GetBalance(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	again, err := c.InitializeAccount(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, int64(50), again.Balance)

	history, err := c.GetTransactionHistory(ctx, "newbie", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entity.TxWelcome, history[0].Type)
}

func TestHistoryNewestFirstAndLimited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.fund(t, "u1", 0)
	for i := 1; i <= 5; i++ {
		f.clock.Set(start.Add(time.Duration(i) * time.Minute))
		_, err := f.core.AdminAdjustCredits(ctx, admin, "u1", int64(i), "step")
		require.NoError(t, err)
	}

	history, err := f.core.GetTransactionHistory(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(5), history[0].Amount)
	assert.Equal(t, int64(4), history[1].Amount)
	assert.Equal(t, int64(15), history[0].BalanceAfter)
}
