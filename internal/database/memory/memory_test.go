package memory

import (
	"context"
	"testing"
	"time"

	"creditengine/entity"
	"creditengine/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveSettingsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetSettings(ctx)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	doc := entity.DefaultSettings(50)
	require.NoError(t, s.SaveSettings(ctx, doc, 0))
	assert.Equal(t, int64(1), doc.Version)

	assert.ErrorIs(t, s.SaveSettings(ctx, doc, 0), entity.ErrVersionConflict)
	require.NoError(t, s.SaveSettings(ctx, doc, 1))

	stored, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestSaveSettingsKeepsPaymentSection(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveSettings(ctx, entity.DefaultSettings(50), 0))

	payment, err := s.LoadPayment(ctx)
	require.NoError(t, err)
	payment.Primary.Credentials = entity.ProviderCredentials{APIKey: "sk_live", Configured: true}
	require.NoError(t, s.SavePayment(ctx, payment))

	update := entity.DefaultSettings(75)
	require.NoError(t, s.SaveSettings(ctx, update, 1))

	stored, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(75), stored.WelcomeCredits)
	assert.Equal(t, "sk_live", stored.Payment.Primary.Credentials.APIKey)
	assert.Equal(t, int64(2), stored.Version)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := New()
	doc := entity.DefaultSettings(0)
	doc.PromoCodes = []entity.PromoCode{{Code: "SPRING", Credits: 10, Enabled: true}}
	doc.PilotPrograms = []entity.PilotProgram{{ID: "beta", Name: "Beta", Enabled: true}}
	require.NoError(t, s.SaveSettings(ctx, doc, 0))

	require.NoError(t, s.IncrementPromoUses(ctx, "SPRING"))
	assert.ErrorIs(t, s.IncrementPromoUses(ctx, "WINTER"), entity.ErrNotFound)
	require.NoError(t, s.IncrementPilotParticipants(ctx, "beta", 1))
	require.NoError(t, s.IncrementPilotParticipants(ctx, "beta", -5))

	stored, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.PromoCode("SPRING").CurrentUses)
	assert.Equal(t, int64(0), stored.PilotProgram("beta").CurrentParticipants)
	assert.Equal(t, int64(1), stored.Version)
}

func TestReservePilotSeat(t *testing.T) {
	ctx := context.Background()
	s := New()
	doc := entity.DefaultSettings(0)
	doc.PilotPrograms = []entity.PilotProgram{{ID: "beta", MaxParticipants: 2, Enabled: true}}
	require.NoError(t, s.SaveSettings(ctx, doc, 0))

	require.NoError(t, s.ReservePilotSeat(ctx, "beta", 2))
	require.NoError(t, s.ReservePilotSeat(ctx, "beta", 2))
	assert.ErrorIs(t, s.ReservePilotSeat(ctx, "beta", 2), entity.ErrPilotUnavailable)
	require.NoError(t, s.ReservePilotSeat(ctx, "beta", 0))
	assert.ErrorIs(t, s.ReservePilotSeat(ctx, "gamma", 2), entity.ErrNotFound)

	stored, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.PilotProgram("beta").CurrentParticipants)
}

func TestMarkerIsUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	put := func() error {
		return s.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return tx.PutMarker(ctx, entity.NewMarker(entity.MarkerPromo, "u1", "SPRING", now))
		})
	}
	require.NoError(t, put())
	assert.ErrorIs(t, put(), entity.ErrAlreadyRedeemed)

	err := s.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		seen, err := tx.HasMarker(ctx, entity.MarkerID(entity.MarkerPromo, "u1", "SPRING"))
		require.NoError(t, err)
		assert.True(t, seen)
		return nil
	})
	require.NoError(t, err)
}

func TestRunTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().RunTx(ctx, func(context.Context, ledger.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestAuditLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, action := range []string{"first", "second", "third"} {
		require.NoError(t, s.SaveAudit(ctx, &entity.AuditEntry{Action: action}))
	}
	entries, err := s.AuditLog(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Action)
	assert.Equal(t, "second", entries[1].Action)
}
