package entity

import (
	"strings"
	"time"
)

const SettingsID = "monetization"

// FreePeriod suspends all credit checks platform-wide while active.
type FreePeriod struct {
	Enabled    bool       `json:"enabled" bson:"enabled"`
	ValidUntil *time.Time `json:"valid_until,omitempty" bson:"valid_until,omitempty"`
	Message    string     `json:"message,omitempty" bson:"message,omitempty"`
}

func (f FreePeriod) Active(now time.Time) bool {
	if !f.Enabled {
		return false
	}
	return f.ValidUntil == nil || now.Before(*f.ValidUntil)
}

// Settings is the versioned monetization configuration snapshot. Evaluators receive it
// as a parameter; only the admin path writes it.
type Settings struct {
	ID             string           `json:"id" bson:"_id"`
	Version        int64            `json:"version" bson:"version"`
	CreditsEnabled bool             `json:"credits_enabled" bson:"credits_enabled"`
	WelcomeCredits int64            `json:"welcome_credits" bson:"welcome_credits" validate:"min=0"`
	Bundles        []Bundle         `json:"bundles" bson:"bundles" validate:"dive"`
	FeaturePricing []FeaturePricing `json:"feature_pricing" bson:"feature_pricing" validate:"dive"`
	CustomFeatures []FeatureID      `json:"custom_features,omitempty" bson:"custom_features,omitempty"`
	PromoCodes     []PromoCode      `json:"promo_codes" bson:"promo_codes" validate:"dive"`
	PilotPrograms  []PilotProgram   `json:"pilot_programs" bson:"pilot_programs" validate:"dive"`
	FreePeriod     FreePeriod       `json:"free_period" bson:"free_period"`
	Payment        PaymentSettings  `json:"payment" bson:"payment"`
	UpdatedAt      time.Time        `json:"updated_at" bson:"updated_at"`
	UpdatedBy      string           `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
}

// DefaultSettings is used when the store holds no settings document yet.
func DefaultSettings(welcome int64) *Settings {
	return &Settings{
		ID:             SettingsID,
		CreditsEnabled: true,
		WelcomeCredits: welcome,
		Payment: PaymentSettings{
			Primary:   ProviderState{Name: ProviderPrimary, Enabled: true},
			Secondary: ProviderState{Name: ProviderSecondary},
			Failover:  Failover{AutoEnabled: true, RetryPrimaryAfterHours: 1, NotifyAdminOnFailover: true},
		},
	}
}

// KnownFeature reports whether id is a built-in or admin-registered feature.
func (s *Settings) KnownFeature(id FeatureID) bool {
	if IsBuiltinFeature(id) {
		return true
	}
	for _, f := range s.CustomFeatures {
		if f == id {
			return true
		}
	}
	return false
}

func (s *Settings) Pricing(id FeatureID) *FeaturePricing {
	for i := range s.FeaturePricing {
		if s.FeaturePricing[i].FeatureID == id {
			return &s.FeaturePricing[i]
		}
	}
	return nil
}

// PromoCode looks a code up case-insensitively.
func (s *Settings) PromoCode(code string) *PromoCode {
	for i := range s.PromoCodes {
		if strings.EqualFold(s.PromoCodes[i].Code, code) {
			return &s.PromoCodes[i]
		}
	}
	return nil
}

func (s *Settings) PilotProgram(id string) *PilotProgram {
	for i := range s.PilotPrograms {
		if s.PilotPrograms[i].ID == id {
			return &s.PilotPrograms[i]
		}
	}
	return nil
}

func (s *Settings) Bundle(id string) *Bundle {
	for i := range s.Bundles {
		if s.Bundles[i].ID == id {
			return &s.Bundles[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate a snapshot safely.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.Bundles = append([]Bundle(nil), s.Bundles...)
	c.FeaturePricing = append([]FeaturePricing(nil), s.FeaturePricing...)
	c.CustomFeatures = append([]FeatureID(nil), s.CustomFeatures...)
	c.PromoCodes = append([]PromoCode(nil), s.PromoCodes...)
	c.PilotPrograms = append([]PilotProgram(nil), s.PilotPrograms...)
	c.Payment = s.Payment.clone()
	return &c
}

// Redacted returns a copy safe to send to clients: provider secrets never leave the server.
func (s *Settings) Redacted() *Settings {
	c := s.Clone()
	c.Payment.Primary.redact()
	c.Payment.Secondary.redact()
	return c
}
