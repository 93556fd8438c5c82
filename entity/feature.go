package entity

import (
	"regexp"
	"strings"
)

// FeatureID identifies a paid feature. Ids are open-ended so administrators can
// register new ones without a deploy; see Settings.KnownFeature.
type FeatureID string

var featureIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,47}$`)

// Built-in features shipped with the application.
const (
	FeatureStatsExport    FeatureID = "stats_export"
	FeatureAIPractice     FeatureID = "ai_practice_plan"
	FeatureAIRecap        FeatureID = "ai_game_recap"
	FeatureVideoHighlight FeatureID = "video_highlight"
	FeatureBulkMessage    FeatureID = "bulk_message"
	FeatureCustomReport   FeatureID = "custom_report"
)

var builtinFeatures = []FeatureID{
	FeatureStatsExport,
	FeatureAIPractice,
	FeatureAIRecap,
	FeatureVideoHighlight,
	FeatureBulkMessage,
	FeatureCustomReport,
}

func BuiltinFeatures() []FeatureID {
	result := make([]FeatureID, len(builtinFeatures))
	copy(result, builtinFeatures)
	return result
}

func IsBuiltinFeature(id FeatureID) bool {
	for _, f := range builtinFeatures {
		if f == id {
			return true
		}
	}
	return false
}

// ParseFeatureID normalizes and checks the shape of a feature id.
// It does not check the registry.
func ParseFeatureID(s string) (FeatureID, error) {
	id := strings.ToLower(strings.TrimSpace(s))
	if !featureIDPattern.MatchString(id) {
		return "", ErrFeatureUnknown
	}
	return FeatureID(id), nil
}

type FeatureCategory string

const (
	CategoryAI        FeatureCategory = "ai"
	CategoryAnalytics FeatureCategory = "analytics"
	CategoryMedia     FeatureCategory = "media"
	CategoryMessaging FeatureCategory = "messaging"
	CategoryOther     FeatureCategory = "other"
)

// FeaturePricing is the admin-maintained price list entry for a feature.
type FeaturePricing struct {
	FeatureID        FeatureID       `json:"feature_id" bson:"feature_id" validate:"required"`
	CreditsPerUse    int64           `json:"credits_per_use" bson:"credits_per_use" validate:"min=0"`
	FreeUsesPerMonth int64           `json:"free_uses_per_month" bson:"free_uses_per_month" validate:"min=0"`
	FreeUsesPerDay   int64           `json:"free_uses_per_day" bson:"free_uses_per_day" validate:"min=0"`
	ResetPeriod      ResetPeriod     `json:"reset_period" bson:"reset_period" validate:"omitempty,oneof=daily weekly monthly yearly"`
	BypassForPilot   bool            `json:"bypass_for_pilot" bson:"bypass_for_pilot"`
	Enabled          bool            `json:"enabled" bson:"enabled"`
	Category         FeatureCategory `json:"category" bson:"category"`
}

// Period returns the reset period, monthly when unset.
func (p *FeaturePricing) Period() ResetPeriod {
	if p.ResetPeriod.Valid() {
		return p.ResetPeriod
	}
	return ResetMonthly
}

// FreeAllotment is the number of free uses granted per reset period.
func (p *FeaturePricing) FreeAllotment() int64 {
	if p.Period() == ResetDaily && p.FreeUsesPerDay > 0 {
		return p.FreeUsesPerDay
	}
	return p.FreeUsesPerMonth
}
