package entity

import (
	"strings"
	"time"
)

const (
	PromoCodeMinLength = 3
	PromoCodeMaxLength = 32
)

// PromoCode grants a fixed credit amount, at most once per user. CurrentUses is a
// popularity counter only; the per-user guarantee is the redemption Marker.
type PromoCode struct {
	Code        string     `json:"code" bson:"code" validate:"required,min=3,max=32"`
	Credits     int64      `json:"credits" bson:"credits" validate:"required,min=1"`
	MaxUses     int64      `json:"max_uses" bson:"max_uses" validate:"min=0"`
	CurrentUses int64      `json:"current_uses" bson:"current_uses"`
	ValidFrom   *time.Time `json:"valid_from,omitempty" bson:"valid_from,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty" bson:"valid_until,omitempty"`
	Enabled     bool       `json:"enabled" bson:"enabled"`
	Description string     `json:"description,omitempty" bson:"description,omitempty"`
}

// NormalizePromoCode trims and upper-cases a code and checks its length.
func NormalizePromoCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) < PromoCodeMinLength || len(c) > PromoCodeMaxLength {
		return "", ErrInvalidPromoCode
	}
	for _, r := range c {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return "", ErrInvalidPromoCode
		}
	}
	return c, nil
}

// Redeemable checks enable flag, validity window and the use cap.
func (p *PromoCode) Redeemable(now time.Time) error {
	if !p.Enabled {
		return ErrPromoInactive
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return ErrPromoInactive
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return ErrPromoInactive
	}
	if p.MaxUses > 0 && p.CurrentUses >= p.MaxUses {
		return ErrPromoInactive
	}
	return nil
}

// PilotProgram is a time-boxed cohort with bypass and/or bonus credits.
type PilotProgram struct {
	ID                  string     `json:"id" bson:"id" validate:"required"`
	Name                string     `json:"name" bson:"name"`
	BonusCredits        int64      `json:"bonus_credits" bson:"bonus_credits" validate:"min=0"`
	BypassCredits       bool       `json:"bypass_credits" bson:"bypass_credits"`
	ValidUntil          *time.Time `json:"valid_until,omitempty" bson:"valid_until,omitempty"`
	MaxParticipants     int64      `json:"max_participants" bson:"max_participants" validate:"min=0"`
	CurrentParticipants int64      `json:"current_participants" bson:"current_participants"`
	Enabled             bool       `json:"enabled" bson:"enabled"`
}

// Joinable checks whether a new participant may be enrolled.
func (p *PilotProgram) Joinable(now time.Time) error {
	if !p.Enabled {
		return ErrPilotUnavailable
	}
	if p.ValidUntil != nil && !now.Before(*p.ValidUntil) {
		return ErrPilotUnavailable
	}
	if p.MaxParticipants > 0 && p.CurrentParticipants >= p.MaxParticipants {
		return ErrPilotUnavailable
	}
	return nil
}

// Bundle is a purchasable package of credits.
type Bundle struct {
	ID           string `json:"id" bson:"id" validate:"required"`
	Name         string `json:"name" bson:"name" validate:"required"`
	Credits      int64  `json:"credits" bson:"credits" validate:"required,min=1"`
	BonusCredits int64  `json:"bonus_credits" bson:"bonus_credits" validate:"min=0"`
	PriceCents   int64  `json:"price_cents" bson:"price_cents" validate:"required,min=1"`
	Currency     string `json:"currency" bson:"currency" validate:"required,len=3"`
	Enabled      bool   `json:"enabled" bson:"enabled"`
}

func (b *Bundle) TotalCredits() int64 {
	return b.Credits + b.BonusCredits
}
