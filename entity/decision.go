package entity

// DecisionReason explains an entitlement decision.
type DecisionReason string

const (
	ReasonFree                DecisionReason = "free"
	ReasonFreePeriod          DecisionReason = "free_period"
	ReasonPilot               DecisionReason = "pilot"
	ReasonFreeQuota           DecisionReason = "free_quota"
	ReasonCreditsAvailable    DecisionReason = "credits_available"
	ReasonInsufficientCredits DecisionReason = "insufficient_credits"
	ReasonUnavailable         DecisionReason = "unavailable"
)

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed           bool           `json:"allowed"`
	Reason            DecisionReason `json:"reason"`
	Feature           FeatureID      `json:"feature"`
	CreditsRequired   int64          `json:"credits_required,omitempty"`
	FreeUsesRemaining int64          `json:"free_uses_remaining,omitempty"`
	Balance           int64          `json:"balance"`
	Message           string         `json:"message,omitempty"`
}

func Allow(feature FeatureID, reason DecisionReason) Decision {
	return Decision{Allowed: true, Reason: reason, Feature: feature}
}

func Deny(feature FeatureID, reason DecisionReason, message string) Decision {
	return Decision{Reason: reason, Feature: feature, Message: message}
}

// Usage is the result of a successful feature use.
type Usage struct {
	Feature     FeatureID      `json:"feature"`
	Reason      DecisionReason `json:"reason"`
	CreditsUsed int64          `json:"credits_used"`
	Balance     int64          `json:"balance"`
}
