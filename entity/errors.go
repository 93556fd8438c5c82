package entity

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrAccountNotFound     = errors.New("credits: account not found")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrInvalidAmount       = errors.New("credits: invalid amount")
	ErrSelfGift            = errors.New("credits: cannot gift credits to yourself")
	ErrDailyGiftCap        = errors.New("credits: daily gift limit exceeded")
	ErrInvalidPromoCode    = errors.New("credits: invalid promo code")
	ErrPromoInactive       = errors.New("credits: promo code expired or inactive")
	ErrAlreadyRedeemed     = errors.New("credits: promo code already redeemed")
	ErrSettingsUnavailable = errors.New("credits: settings unavailable")
	ErrUnauthorized        = errors.New("credits: unauthorized")
	ErrTransientFailure    = errors.New("credits: transient failure, try again")

	ErrFeatureUnknown   = errors.New("credits: unknown feature")
	ErrFeatureDenied    = errors.New("credits: feature not available")
	ErrPilotUnavailable = errors.New("credits: pilot program unavailable")
	ErrNoProvider       = errors.New("credits: no payment provider available")
	ErrVersionConflict  = errors.New("credits: settings were changed concurrently")
	ErrNotFound         = errors.New("credits: not found")
)

// RateLimitError is returned when an action exceeded its window budget.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("credits: rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	return errors.Is(err, ErrTransientFailure) || errors.As(err, &rl)
}

// IsDenial reports whether err is an expected refusal of a user or admin request, as
// opposed to an infrastructure failure that an operator should look at.
func IsDenial(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	for _, e := range []error{
		ErrAccountNotFound, ErrInsufficientCredits, ErrInvalidAmount, ErrSelfGift,
		ErrDailyGiftCap, ErrInvalidPromoCode, ErrPromoInactive, ErrAlreadyRedeemed,
		ErrUnauthorized, ErrFeatureUnknown, ErrFeatureDenied, ErrPilotUnavailable,
		ErrVersionConflict, ErrNotFound,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Reason maps an error to a message that can be shown to the user as is.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return fmt.Sprintf("Too many attempts, wait %d seconds", int64(math.Ceil(rl.RetryAfter.Seconds())))
	}
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return "Account not found"
	case errors.Is(err, ErrInsufficientCredits):
		return "Insufficient credits"
	case errors.Is(err, ErrInvalidAmount):
		return "Invalid amount"
	case errors.Is(err, ErrSelfGift):
		return "You cannot gift credits to yourself"
	case errors.Is(err, ErrDailyGiftCap):
		return "Daily gift limit reached"
	case errors.Is(err, ErrInvalidPromoCode):
		return "Invalid promo code"
	case errors.Is(err, ErrPromoInactive):
		return "Promo code is expired or no longer active"
	case errors.Is(err, ErrAlreadyRedeemed):
		return "You have already used this promo code"
	case errors.Is(err, ErrSettingsUnavailable):
		return "Credit settings are unavailable, try again later"
	case errors.Is(err, ErrUnauthorized):
		return "Not allowed"
	case errors.Is(err, ErrFeatureUnknown):
		return "Unknown feature"
	case errors.Is(err, ErrFeatureDenied):
		return "Feature not available"
	case errors.Is(err, ErrPilotUnavailable):
		return "Pilot program is not available"
	case errors.Is(err, ErrNoProvider):
		return "Payments are temporarily unavailable"
	case errors.Is(err, ErrVersionConflict):
		return "Settings were changed by someone else, reload and retry"
	case errors.Is(err, ErrNotFound):
		return "Not found"
	}
	return "Temporary failure, please try again"
}
