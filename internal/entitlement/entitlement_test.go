package entitlement

import (
	"testing"
	"time"

	"creditengine/entity"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)

func settingsWith(pricing ...entity.FeaturePricing) *entity.Settings {
	s := entity.DefaultSettings(50)
	s.FeaturePricing = pricing
	return s
}

func recap(credits, perMonth int64) entity.FeaturePricing {
	return entity.FeaturePricing{
		FeatureID:        entity.FeatureAIRecap,
		CreditsPerUse:    credits,
		FreeUsesPerMonth: perMonth,
		ResetPeriod:      entity.ResetMonthly,
		BypassForPilot:   true,
		Enabled:          true,
	}
}

func exhausted(account *entity.Account, feature entity.FeatureID, resetAt time.Time) {
	c := account.Usage(feature)
	c.FreeUsesRemaining = 0
	c.LastFreeResetAt = &resetAt
}

func TestEvaluateFailsClosed(t *testing.T) {
	d := Evaluate(nil, entity.NewAccount("u1", 0, now), entity.FeatureAIRecap, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, entity.ReasonUnavailable, d.Reason)

	d = Evaluate(settingsWith(recap(5, 0)), nil, entity.FeatureAIRecap, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, entity.ReasonUnavailable, d.Reason)
}

func TestEvaluateFreeWhenUnpriced(t *testing.T) {
	account := entity.NewAccount("u1", 0, now)

	tests := []struct {
		name     string
		settings *entity.Settings
	}{
		{"credits disabled", func() *entity.Settings {
			s := settingsWith(recap(5, 0))
			s.CreditsEnabled = false
			return s
		}()},
		{"feature not configured", settingsWith()},
		{"feature disabled", func() *entity.Settings {
			p := recap(5, 0)
			p.Enabled = false
			return settingsWith(p)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.settings, account, entity.FeatureAIRecap, now)
			assert.True(t, d.Allowed)
			assert.Equal(t, entity.ReasonFree, d.Reason)
			assert.Zero(t, d.CreditsRequired)
		})
	}
}

// Peels the rules off one at a time: free period, pilot, quota, credits, deny.
func TestEvaluateOrdering(t *testing.T) {
	until := now.Add(24 * time.Hour)
	settings := settingsWith(recap(5, 2))
	settings.FreePeriod = entity.FreePeriod{Enabled: true, ValidUntil: &until, Message: "Launch week"}
	settings.PilotPrograms = []entity.PilotProgram{{ID: "coaches", BypassCredits: true, Enabled: true}}

	account := entity.NewAccount("u1", 0, now)
	account.PilotProgramID = "coaches"
	exhausted(account, entity.FeatureAIRecap, now.AddDate(0, 0, -1))

	d := Evaluate(settings, account, entity.FeatureAIRecap, now)
	assert.True(t, d.Allowed, "free period allows with zero balance and zero free uses")
	assert.Equal(t, entity.ReasonFreePeriod, d.Reason)
	assert.Equal(t, "Launch week", d.Message)

	settings.FreePeriod.Enabled = false
	d = Evaluate(settings, account, entity.FeatureAIRecap, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, entity.ReasonPilot, d.Reason)

	account.PilotProgramID = ""
	account.Usage(entity.FeatureAIRecap).FreeUsesRemaining = 1
	d = Evaluate(settings, account, entity.FeatureAIRecap, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, entity.ReasonFreeQuota, d.Reason)
	assert.Equal(t, int64(1), d.FreeUsesRemaining)

	account.Usage(entity.FeatureAIRecap).FreeUsesRemaining = 0
	account.Balance = 5
	d = Evaluate(settings, account, entity.FeatureAIRecap, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, entity.ReasonCreditsAvailable, d.Reason)
	assert.Equal(t, int64(5), d.CreditsRequired)

	account.Balance = 4
	d = Evaluate(settings, account, entity.FeatureAIRecap, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, entity.ReasonInsufficientCredits, d.Reason)
	assert.Equal(t, int64(4), d.Balance)
	assert.NotEmpty(t, d.Message)
}

func TestEvaluateExpiredFreePeriod(t *testing.T) {
	ended := now.Add(-time.Minute)
	settings := settingsWith(recap(5, 0))
	settings.FreePeriod = entity.FreePeriod{Enabled: true, ValidUntil: &ended}

	d := Evaluate(settings, entity.NewAccount("u1", 0, now), entity.FeatureAIRecap, now)
	assert.False(t, d.Allowed)
}

func TestEvaluatePilot(t *testing.T) {
	expired := now.Add(-time.Hour)
	tests := []struct {
		name    string
		program entity.PilotProgram
		expires *time.Time
		bypass  bool
		want    entity.DecisionReason
	}{
		{"active member", entity.PilotProgram{ID: "p", BypassCredits: true, Enabled: true}, nil, true, entity.ReasonPilot},
		{"membership expired", entity.PilotProgram{ID: "p", BypassCredits: true, Enabled: true}, &expired, true, entity.ReasonInsufficientCredits},
		{"program without bypass", entity.PilotProgram{ID: "p", Enabled: true}, nil, true, entity.ReasonInsufficientCredits},
		{"program disabled", entity.PilotProgram{ID: "p", BypassCredits: true}, nil, true, entity.ReasonInsufficientCredits},
		{"feature excludes pilots", entity.PilotProgram{ID: "p", BypassCredits: true, Enabled: true}, nil, false, entity.ReasonInsufficientCredits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pricing := recap(5, 0)
			pricing.BypassForPilot = tt.bypass
			settings := settingsWith(pricing)
			settings.PilotPrograms = []entity.PilotProgram{tt.program}

			account := entity.NewAccount("u1", 0, now)
			account.PilotProgramID = "p"
			account.PilotExpiresAt = tt.expires

			d := Evaluate(settings, account, entity.FeatureAIRecap, now)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestEvaluateMonthlyQuotaBoundary(t *testing.T) {
	settings := settingsWith(recap(5, 3))
	account := entity.NewAccount("u1", 0, now)
	exhausted(account, entity.FeatureAIRecap, time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC))

	d := Evaluate(settings, account, entity.FeatureAIRecap, now)
	assert.True(t, d.Allowed, "a reset in the previous month counts as freshly reset")
	assert.Equal(t, entity.ReasonFreeQuota, d.Reason)
	assert.Equal(t, int64(3), d.FreeUsesRemaining)

	assert.Equal(t, int64(0), account.FeatureUsage[entity.FeatureAIRecap].FreeUsesRemaining,
		"evaluation must not modify the account")

	exhausted(account, entity.FeatureAIRecap, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	d = Evaluate(settings, account, entity.FeatureAIRecap, now)
	assert.Equal(t, entity.ReasonInsufficientCredits, d.Reason)
}

func TestFreeUsesRemainingFirstUse(t *testing.T) {
	daily := entity.FeaturePricing{
		FeatureID:        entity.FeatureStatsExport,
		FreeUsesPerDay:   2,
		FreeUsesPerMonth: 10,
		ResetPeriod:      entity.ResetDaily,
		Enabled:          true,
	}
	account := entity.NewAccount("u1", 0, now)
	assert.Equal(t, int64(2), FreeUsesRemaining(&daily, account, now))

	daily.ResetPeriod = entity.ResetWeekly
	assert.Equal(t, int64(10), FreeUsesRemaining(&daily, account, now))

	daily.FreeUsesPerMonth = 0
	assert.Equal(t, int64(0), FreeUsesRemaining(&daily, account, now))
}
