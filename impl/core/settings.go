package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"creditengine/entity"
	"creditengine/lib/sl"
)

// GetSettings returns the stored settings without provider secrets.
func (c *Core) GetSettings(ctx context.Context, admin *entity.User) (*entity.Settings, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	settings, err := c.freshSettings(ctx)
	if err != nil {
		return nil, err
	}
	return settings.Redacted(), nil
}

// UpdateSettings replaces the settings document. The stored version must still equal
// update.Version; counters maintained by the engine are carried over from the stored copy.
func (c *Core) UpdateSettings(ctx context.Context, admin *entity.User, update *entity.Settings) (*entity.Settings, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	if update == nil {
		return nil, fmt.Errorf("settings: empty update")
	}
	current, err := c.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if current.Version != update.Version {
		return nil, entity.ErrVersionConflict
	}

	next := update.Clone()
	for i := range next.PromoCodes {
		if p := current.PromoCode(next.PromoCodes[i].Code); p != nil {
			next.PromoCodes[i].CurrentUses = p.CurrentUses
		}
	}
	for i := range next.PilotPrograms {
		if p := current.PilotProgram(next.PilotPrograms[i].ID); p != nil {
			next.PilotPrograms[i].CurrentParticipants = p.CurrentParticipants
		}
	}
	if err = normalizeSettings(next); err != nil {
		return nil, err
	}
	next.ID = entity.SettingsID
	next.UpdatedAt = c.now()
	next.UpdatedBy = admin.UserID

	if err = c.store.SaveSettings(ctx, next, current.Version); err != nil {
		return nil, err
	}
	c.settingsCache.Remove(entity.SettingsID)
	c.settingsChanged(ctx, admin, "update", next.Version)
	return next.Redacted(), nil
}

// loadSettings reads the stored document; a missing one is version 0 with defaults.
func (c *Core) loadSettings(ctx context.Context) (*entity.Settings, error) {
	s, err := c.store.GetSettings(ctx)
	if errors.Is(err, entity.ErrNotFound) {
		return entity.DefaultSettings(c.opts.WelcomeCredits), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrSettingsUnavailable, err)
	}
	return s, nil
}

// mutateSettings applies fn to the latest stored settings and saves the result, reloading
// and reapplying on a concurrent change.
func (c *Core) mutateSettings(ctx context.Context, admin *entity.User, change string, fn func(s *entity.Settings) error) (*entity.Settings, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	var err error
	for attempt := 0; attempt < settingsSaveRetries; attempt++ {
		var current *entity.Settings
		current, err = c.loadSettings(ctx)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err = fn(next); err != nil {
			return nil, err
		}
		if err = normalizeSettings(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = c.now()
		next.UpdatedBy = admin.UserID

		err = c.store.SaveSettings(ctx, next, current.Version)
		if errors.Is(err, entity.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.settingsCache.Remove(entity.SettingsID)
		c.settingsChanged(ctx, admin, change, next.Version)
		return next.Redacted(), nil
	}
	return nil, err
}

func (c *Core) settingsChanged(ctx context.Context, admin *entity.User, change string, version int64) {
	c.audit(ctx, &entity.AuditEntry{
		Action:    entity.AuditSettings,
		AdminID:   admin.UserID,
		AdminName: admin.DisplayName(),
		Details: map[string]string{
			"change":  change,
			"version": fmt.Sprint(version),
		},
	})
	c.log.With(
		slog.String("admin_id", admin.UserID),
		slog.String("change", change),
		slog.Int64("version", version),
	).Info("settings updated")
}

// normalizeSettings upper-cases promo codes and rejects duplicates and pricing entries for
// features that are not registered.
func normalizeSettings(s *entity.Settings) error {
	if s.WelcomeCredits < 0 {
		return entity.ErrInvalidAmount
	}
	seen := make(map[string]bool, len(s.PromoCodes))
	for i := range s.PromoCodes {
		code, err := entity.NormalizePromoCode(s.PromoCodes[i].Code)
		if err != nil {
			return fmt.Errorf("promo code %q: %w", s.PromoCodes[i].Code, err)
		}
		if seen[code] {
			return fmt.Errorf("promo code %s: duplicate", code)
		}
		seen[code] = true
		s.PromoCodes[i].Code = code
	}
	for i := range s.CustomFeatures {
		id, err := entity.ParseFeatureID(string(s.CustomFeatures[i]))
		if err != nil {
			return fmt.Errorf("custom feature %q: %w", s.CustomFeatures[i], err)
		}
		s.CustomFeatures[i] = id
	}
	features := make(map[entity.FeatureID]bool, len(s.FeaturePricing))
	for i := range s.FeaturePricing {
		p := &s.FeaturePricing[i]
		id, err := entity.ParseFeatureID(string(p.FeatureID))
		if err != nil {
			return fmt.Errorf("pricing %q: %w", p.FeatureID, err)
		}
		if !s.KnownFeature(id) {
			return fmt.Errorf("pricing %s: %w", id, entity.ErrFeatureUnknown)
		}
		if features[id] {
			return fmt.Errorf("pricing %s: duplicate", id)
		}
		if p.ResetPeriod != "" && !p.ResetPeriod.Valid() {
			return fmt.Errorf("pricing %s: invalid reset period %q", id, p.ResetPeriod)
		}
		if p.CreditsPerUse < 0 || p.FreeUsesPerDay < 0 || p.FreeUsesPerMonth < 0 {
			return fmt.Errorf("pricing %s: %w", id, entity.ErrInvalidAmount)
		}
		features[id] = true
		p.FeatureID = id
	}
	bundles := make(map[string]bool, len(s.Bundles))
	for _, b := range s.Bundles {
		if bundles[b.ID] {
			return fmt.Errorf("bundle %s: duplicate", b.ID)
		}
		bundles[b.ID] = true
	}
	return nil
}

// RegisterFeature adds an id to the feature registry so it can be priced.
func (c *Core) RegisterFeature(ctx context.Context, admin *entity.User, featureID string) (*entity.Settings, error) {
	id, err := entity.ParseFeatureID(featureID)
	if err != nil {
		return nil, err
	}
	return c.mutateSettings(ctx, admin, "feature.register", func(s *entity.Settings) error {
		if !s.KnownFeature(id) {
			s.CustomFeatures = append(s.CustomFeatures, id)
		}
		return nil
	})
}

func (c *Core) UpsertFeaturePricing(ctx context.Context, admin *entity.User, pricing entity.FeaturePricing) (*entity.Settings, error) {
	id, err := entity.ParseFeatureID(string(pricing.FeatureID))
	if err != nil {
		return nil, err
	}
	pricing.FeatureID = id
	return c.mutateSettings(ctx, admin, "pricing.upsert", func(s *entity.Settings) error {
		if p := s.Pricing(pricing.FeatureID); p != nil {
			*p = pricing
			return nil
		}
		s.FeaturePricing = append(s.FeaturePricing, pricing)
		return nil
	})
}

func (c *Core) DeleteFeaturePricing(ctx context.Context, admin *entity.User, featureID string) (*entity.Settings, error) {
	id, err := entity.ParseFeatureID(featureID)
	if err != nil {
		return nil, err
	}
	return c.mutateSettings(ctx, admin, "pricing.delete", func(s *entity.Settings) error {
		for i := range s.FeaturePricing {
			if s.FeaturePricing[i].FeatureID == id {
				s.FeaturePricing = append(s.FeaturePricing[:i], s.FeaturePricing[i+1:]...)
				return nil
			}
		}
		return entity.ErrNotFound
	})
}

// UpsertPromoCode creates or replaces a code; the use counter of an existing code is kept.
func (c *Core) UpsertPromoCode(ctx context.Context, admin *entity.User, promo entity.PromoCode) (*entity.Settings, error) {
	code, err := entity.NormalizePromoCode(promo.Code)
	if err != nil {
		return nil, err
	}
	promo.Code = code
	return c.mutateSettings(ctx, admin, "promo.upsert", func(s *entity.Settings) error {
		if p := s.PromoCode(code); p != nil {
			promo.CurrentUses = p.CurrentUses
			*p = promo
			return nil
		}
		promo.CurrentUses = 0
		s.PromoCodes = append(s.PromoCodes, promo)
		return nil
	})
}

func (c *Core) DeletePromoCode(ctx context.Context, admin *entity.User, code string) (*entity.Settings, error) {
	return c.mutateSettings(ctx, admin, "promo.delete", func(s *entity.Settings) error {
		for i := range s.PromoCodes {
			if strings.EqualFold(s.PromoCodes[i].Code, code) {
				s.PromoCodes = append(s.PromoCodes[:i], s.PromoCodes[i+1:]...)
				return nil
			}
		}
		return entity.ErrNotFound
	})
}

// UpsertPilotProgram creates or replaces a program; its participant counter is kept.
func (c *Core) UpsertPilotProgram(ctx context.Context, admin *entity.User, program entity.PilotProgram) (*entity.Settings, error) {
	if program.ID == "" {
		return nil, entity.ErrPilotUnavailable
	}
	return c.mutateSettings(ctx, admin, "pilot.upsert", func(s *entity.Settings) error {
		if p := s.PilotProgram(program.ID); p != nil {
			program.CurrentParticipants = p.CurrentParticipants
			*p = program
			return nil
		}
		program.CurrentParticipants = 0
		s.PilotPrograms = append(s.PilotPrograms, program)
		return nil
	})
}

func (c *Core) UpsertBundle(ctx context.Context, admin *entity.User, bundle entity.Bundle) (*entity.Settings, error) {
	return c.mutateSettings(ctx, admin, "bundle.upsert", func(s *entity.Settings) error {
		if b := s.Bundle(bundle.ID); b != nil {
			*b = bundle
			return nil
		}
		s.Bundles = append(s.Bundles, bundle)
		return nil
	})
}

func (c *Core) SetFreePeriod(ctx context.Context, admin *entity.User, period entity.FreePeriod) (*entity.Settings, error) {
	return c.mutateSettings(ctx, admin, "free_period", func(s *entity.Settings) error {
		s.FreePeriod = period
		return nil
	})
}

func (c *Core) SetCreditsEnabled(ctx context.Context, admin *entity.User, enabled bool) (*entity.Settings, error) {
	return c.mutateSettings(ctx, admin, "credits_enabled", func(s *entity.Settings) error {
		s.CreditsEnabled = enabled
		return nil
	})
}

// SetPaymentCredentials stores provider secrets and rebuilds the provider client. The
// secrets are not returned by any read.
func (c *Core) SetPaymentCredentials(ctx context.Context, admin *entity.User, req *entity.CredentialsRequest) (entity.PaymentSettings, error) {
	if err := requireAdmin(admin); err != nil {
		return entity.PaymentSettings{}, err
	}
	if c.payments == nil {
		return entity.PaymentSettings{}, entity.ErrNoProvider
	}
	creds := entity.ProviderCredentials{APIKey: req.APIKey, WebhookSecret: req.WebhookSecret}
	if c.factory != nil {
		provider, err := c.factory(req.Provider, req.Kind, creds)
		if err != nil {
			return entity.PaymentSettings{}, fmt.Errorf("build provider %s: %w", req.Provider, err)
		}
		c.SetProvider(req.Provider, provider)
	}
	if err := c.payments.SetCredentials(ctx, req.Provider, req.Kind, creds, req.Enabled); err != nil {
		return entity.PaymentSettings{}, err
	}

	c.audit(ctx, &entity.AuditEntry{
		Action:    entity.AuditCredentials,
		AdminID:   admin.UserID,
		AdminName: admin.DisplayName(),
		Details: map[string]string{
			"provider": string(req.Provider),
			"kind":     req.Kind,
			"enabled":  fmt.Sprint(req.Enabled),
		},
	})
	c.log.With(
		slog.String("admin_id", admin.UserID),
		slog.String("provider", string(req.Provider)),
		sl.Secret("api_key", req.APIKey),
	).Info("payment credentials updated")
	return c.payments.State(ctx)
}

// SetFailoverPolicy changes the switching policy of the payment controller.
func (c *Core) SetFailoverPolicy(ctx context.Context, admin *entity.User, policy entity.Failover) (entity.PaymentSettings, error) {
	if err := requireAdmin(admin); err != nil {
		return entity.PaymentSettings{}, err
	}
	if c.payments == nil {
		return entity.PaymentSettings{}, entity.ErrNoProvider
	}
	if policy.RetryPrimaryAfterHours < 0 {
		return entity.PaymentSettings{}, entity.ErrInvalidAmount
	}
	state, err := c.payments.ConfigureFailover(ctx, policy)
	if err != nil {
		return entity.PaymentSettings{}, err
	}
	c.audit(ctx, &entity.AuditEntry{
		Action:    entity.AuditFailover,
		AdminID:   admin.UserID,
		AdminName: admin.DisplayName(),
		Details: map[string]string{
			"auto_enabled":              fmt.Sprint(policy.AutoEnabled),
			"retry_primary_after_hours": fmt.Sprint(policy.RetryPrimaryAfterHours),
		},
	})
	return state, nil
}

// PaymentState reports the redacted provider state, used by the admin bot.
func (c *Core) PaymentState(ctx context.Context) (entity.PaymentSettings, error) {
	if c.payments == nil {
		return entity.PaymentSettings{}, entity.ErrNoProvider
	}
	return c.payments.State(ctx)
}
