package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"creditengine/entity"
	"creditengine/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	fail      error
	checkouts int
	event     *entity.PaymentEvent
}

func (p *fakeProvider) CreateCheckout(_ context.Context, bundle *entity.Bundle, userID string) (*entity.Checkout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	p.checkouts++
	return &entity.Checkout{SessionID: "cs_" + userID + "_" + bundle.ID, URL: "https://pay.example/" + bundle.ID}, nil
}

func (p *fakeProvider) ParseEvent(_ []byte, header string) (*entity.PaymentEvent, error) {
	if header != "signed" {
		return nil, entity.ErrUnauthorized
	}
	return p.event, nil
}

func withPayments(t *testing.T, f *fixture) (*fakeProvider, *fakeProvider, *payment.Controller) {
	t.Helper()
	ctx := context.Background()
	_, err := f.core.UpsertBundle(ctx, admin, entity.Bundle{
		ID: "starter", Name: "Starter pack", Credits: 100, BonusCredits: 10, PriceCents: 499, Currency: "usd", Enabled: true,
	})
	require.NoError(t, err)

	controller := payment.NewController(f.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	controller.SetClock(f.clock.Now)
	_, err = controller.ConfigureFailover(ctx, entity.Failover{AutoEnabled: true, RetryPrimaryAfterHours: 1})
	require.NoError(t, err)
	require.NoError(t, controller.SetCredentials(ctx, entity.ProviderSecondary, "stripe",
		entity.ProviderCredentials{APIKey: "k", WebhookSecret: "s"}, true))

	primary, backup := &fakeProvider{}, &fakeProvider{}
	f.core.SetPaymentController(controller)
	f.core.SetProvider(entity.ProviderPrimary, primary)
	f.core.SetProvider(entity.ProviderSecondary, backup)
	return primary, backup, controller
}

func TestPurchaseUsesPrimary(t *testing.T) {
	f := newFixture(t, nil)
	primary, backup, controller := withPayments(t, f)

	checkout, err := f.core.PurchaseBundle(context.Background(), "u", "starter")
	require.NoError(t, err)
	assert.Equal(t, entity.ProviderPrimary, checkout.Provider)
	assert.Equal(t, int64(110), checkout.Credits)
	assert.Equal(t, 1, primary.checkouts)
	assert.Zero(t, backup.checkouts)

	state, err := controller.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Primary.SuccessfulTransactions)

	_, err = f.core.PurchaseBundle(context.Background(), "u", "platinum")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestPurchaseFailsOverToBackup(t *testing.T) {
	f := newFixture(t, nil)
	primary, backup, controller := withPayments(t, f)
	primary.fail = errors.New("card processor timeout")

	checkout, err := f.core.PurchaseBundle(context.Background(), "u", "starter")
	require.NoError(t, err)
	assert.Equal(t, entity.ProviderSecondary, checkout.Provider)
	assert.Equal(t, 1, backup.checkouts)

	state, err := controller.State(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Failover.CurrentlyUsingBackup)
	assert.Equal(t, int64(1), state.Primary.FailedTransactions)
	assert.Equal(t, "card processor timeout", state.Primary.LastError)
	assert.Equal(t, int64(1), state.Secondary.SuccessfulTransactions)
}

func TestPurchaseBothProvidersDown(t *testing.T) {
	f := newFixture(t, nil)
	primary, backup, _ := withPayments(t, f)
	primary.fail = errors.New("down")
	backup.fail = errors.New("also down")

	_, err := f.core.PurchaseBundle(context.Background(), "u", "starter")
	assert.ErrorIs(t, err, entity.ErrTransientFailure)
}

func TestPaymentEventCreditsOnce(t *testing.T) {
	f := newFixture(t, nil)
	primary, _, _ := withPayments(t, f)
	ctx := context.Background()
	primary.event = &entity.PaymentEvent{
		Provider:  entity.ProviderPrimary,
		SessionID: "cs_1",
		UserID:    "buyer",
		BundleID:  "starter",
		Amount:    499,
		Currency:  "usd",
		Completed: true,
	}

	_, err := f.core.HandlePaymentEvent(ctx, "primary", []byte("{}"), "forged")
	assert.ErrorIs(t, err, entity.ErrUnauthorized)

	record, err := f.core.HandlePaymentEvent(ctx, "primary", []byte("{}"), "signed")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, entity.TxPurchase, record.Type)
	assert.Equal(t, int64(110), record.Amount)
	assert.Equal(t, "cs_1", record.Metadata["session_id"])

	record, err = f.core.HandlePaymentEvent(ctx, "primary", []byte("{}"), "signed")
	require.NoError(t, err)
	assert.Nil(t, record)

	account := f.account(t, "buyer")
	assert.Equal(t, int64(110), account.Balance)
	assert.True(t, account.Consistent())

	_, err = f.core.HandlePaymentEvent(ctx, "tertiary", []byte("{}"), "signed")
	assert.ErrorIs(t, err, entity.ErrNoProvider)
}

func TestPaymentEventIgnoresIncomplete(t *testing.T) {
	f := newFixture(t, nil)
	primary, _, _ := withPayments(t, f)
	primary.event = &entity.PaymentEvent{SessionID: "cs_2", UserID: "buyer", BundleID: "starter"}

	record, err := f.core.HandlePaymentEvent(context.Background(), "primary", nil, "signed")
	require.NoError(t, err)
	assert.Nil(t, record)
	_, err = f.store.GetAccount(context.Background(), "buyer")
	assert.ErrorIs(t, err, entity.ErrAccountNotFound)
}
