package entity

import (
	"net/http"
	"time"

	"creditengine/lib/validate"
)

type UseFeatureRequest struct {
	Feature  string `json:"feature" validate:"required,max=48"`
	ItemName string `json:"item_name,omitempty" validate:"omitempty,max=200"`
	ItemID   string `json:"item_id,omitempty" validate:"omitempty,max=100"`
}

func (r *UseFeatureRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

type GiftRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,max=128"`
	Amount      int64  `json:"amount" validate:"required"`
	Message     string `json:"message,omitempty" validate:"omitempty,max=280"`
}

func (r *GiftRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

type PromoRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

func (r *PromoRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

type AdjustRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Amount int64  `json:"amount" validate:"required"`
	Reason string `json:"reason" validate:"required,max=500"`
	Ref    string `json:"ref,omitempty" validate:"omitempty,max=128"`
}

func (r *AdjustRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

type PilotRequest struct {
	UserID    string `json:"user_id" validate:"required,max=128"`
	ProgramID string `json:"program_id" validate:"omitempty,max=64"`
}

func (r *PilotRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

type FreePeriodRequest struct {
	Enabled    bool       `json:"enabled"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Message    string     `json:"message,omitempty" validate:"omitempty,max=280"`
}

func (r *FreePeriodRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

type FeatureRequest struct {
	FeatureID string `json:"feature_id" validate:"required,max=48"`
}

func (r *FeatureRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

// CredentialsRequest sets provider secrets; they can be written but never read back.
type CredentialsRequest struct {
	Provider      ProviderName `json:"provider" validate:"required,oneof=primary secondary"`
	Kind          string       `json:"kind" validate:"required,oneof=stripe"`
	APIKey        string       `json:"api_key" validate:"required"`
	WebhookSecret string       `json:"webhook_secret" validate:"required"`
	Enabled       bool         `json:"enabled"`
}

func (r *CredentialsRequest) Bind(_ *http.Request) error {
	return validate.Struct(r)
}

func (p *FeaturePricing) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

func (p *PromoCode) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

func (p *PilotProgram) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

func (s *Settings) Bind(_ *http.Request) error {
	return validate.Struct(s)
}

func (b *Bundle) Bind(_ *http.Request) error {
	return validate.Struct(b)
}

func (f *Failover) Bind(_ *http.Request) error {
	return validate.Struct(f)
}

type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (r *ToggleRequest) Bind(_ *http.Request) error {
	return nil
}
