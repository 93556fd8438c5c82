// Package entitlement decides whether a user may use a paid feature right now and what
// it costs. Evaluate is pure: it reads a settings snapshot and an account and mutates
// neither, so the same decision can be previewed by CheckFeature and re-taken inside the
// UseFeature transaction on the freshly read account.
package entitlement

import (
	"fmt"
	"time"

	"creditengine/entity"
)

// Evaluate applies the rules in order; the first match wins:
// credits off or feature unpriced, free period, pilot bypass, free quota, balance, deny.
// A nil settings snapshot or account yields a denial.
func Evaluate(settings *entity.Settings, account *entity.Account, feature entity.FeatureID, now time.Time) entity.Decision {
	if settings == nil || account == nil {
		return Unavailable(feature)
	}

	pricing := settings.Pricing(feature)
	if !settings.CreditsEnabled || pricing == nil || !pricing.Enabled {
		return withBalance(entity.Allow(feature, entity.ReasonFree), account)
	}

	if settings.FreePeriod.Active(now) {
		d := entity.Allow(feature, entity.ReasonFreePeriod)
		d.Message = settings.FreePeriod.Message
		return withBalance(d, account)
	}

	if pricing.BypassForPilot && pilotBypass(settings, account, now) {
		return withBalance(entity.Allow(feature, entity.ReasonPilot), account)
	}

	if remaining := FreeUsesRemaining(pricing, account, now); remaining > 0 {
		d := entity.Allow(feature, entity.ReasonFreeQuota)
		d.FreeUsesRemaining = remaining
		return withBalance(d, account)
	}

	if account.Balance >= pricing.CreditsPerUse {
		d := entity.Allow(feature, entity.ReasonCreditsAvailable)
		d.CreditsRequired = pricing.CreditsPerUse
		return withBalance(d, account)
	}

	d := entity.Deny(feature, entity.ReasonInsufficientCredits,
		fmt.Sprintf("This feature costs %d credits, you have %d", pricing.CreditsPerUse, account.Balance))
	d.CreditsRequired = pricing.CreditsPerUse
	return withBalance(d, account)
}

// Unavailable is the fail-closed answer used when the inputs could not be loaded.
func Unavailable(feature entity.FeatureID) entity.Decision {
	return entity.Deny(feature, entity.ReasonUnavailable, "Credits are temporarily unavailable, please try again later")
}

// FreeUsesRemaining returns the free uses left in the current period, as if the counter
// had been reset lazily at now. The account is not modified.
func FreeUsesRemaining(pricing *entity.FeaturePricing, account *entity.Account, now time.Time) int64 {
	allotment := pricing.FreeAllotment()
	if allotment <= 0 {
		return 0
	}
	var counter entity.UsageCounter
	if c, ok := account.FeatureUsage[pricing.FeatureID]; ok && c != nil {
		counter = *c
	}
	counter.ResetIfNeeded(pricing.Period(), allotment, now)
	return counter.FreeUsesRemaining
}

// pilotBypass requires an unexpired membership in a program that is still enabled
// and grants bypass.
func pilotBypass(settings *entity.Settings, account *entity.Account, now time.Time) bool {
	if !account.InPilot(now) {
		return false
	}
	program := settings.PilotProgram(account.PilotProgramID)
	if program == nil || !program.Enabled || !program.BypassCredits {
		return false
	}
	return program.ValidUntil == nil || now.Before(*program.ValidUntil)
}

func withBalance(d entity.Decision, account *entity.Account) entity.Decision {
	d.Balance = account.Balance
	return d
}
