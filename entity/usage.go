package entity

import "time"

// ResetPeriod is the cadence at which a feature's free allowance replenishes.
type ResetPeriod string

const (
	ResetDaily   ResetPeriod = "daily"
	ResetWeekly  ResetPeriod = "weekly"
	ResetMonthly ResetPeriod = "monthly"
	ResetYearly  ResetPeriod = "yearly"
)

func (p ResetPeriod) Valid() bool {
	switch p {
	case ResetDaily, ResetWeekly, ResetMonthly, ResetYearly:
		return true
	}
	return false
}

// UsageCounter tracks one feature for one user. FreeUsesRemaining is refilled lazily
// by ResetIfNeeded, never by a background sweep.
type UsageCounter struct {
	TotalUses         int64      `json:"total_uses" bson:"total_uses"`
	FreeUsesRemaining int64      `json:"free_uses_remaining" bson:"free_uses_remaining"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty" bson:"last_used_at,omitempty"`
	LastFreeResetAt   *time.Time `json:"last_free_reset_at,omitempty" bson:"last_free_reset_at,omitempty"`
}

// ResetIfNeeded refills the free allowance when the period boundary between
// LastFreeResetAt and now was crossed, or when the counter was never reset.
// Calendar boundaries are evaluated in UTC. Reports whether a reset happened.
func (c *UsageCounter) ResetIfNeeded(period ResetPeriod, allotment int64, now time.Time) bool {
	if c.LastFreeResetAt != nil && !boundaryCrossed(period, c.LastFreeResetAt.UTC(), now.UTC()) {
		return false
	}
	stamp := now
	c.FreeUsesRemaining = allotment
	c.LastFreeResetAt = &stamp
	return true
}

func boundaryCrossed(period ResetPeriod, last, now time.Time) bool {
	switch period {
	case ResetDaily:
		ly, lm, ld := last.Date()
		ny, nm, nd := now.Date()
		return ly != ny || lm != nm || ld != nd
	case ResetWeekly:
		return now.Sub(last) >= 7*24*time.Hour
	case ResetYearly:
		return last.Year() != now.Year()
	default:
		return last.Year() != now.Year() || last.Month() != now.Month()
	}
}

// ConsumeFree takes one free use. The caller has already checked availability.
func (c *UsageCounter) ConsumeFree(now time.Time) {
	if c.FreeUsesRemaining > 0 {
		c.FreeUsesRemaining--
	}
	c.Touch(now)
}

// Touch records a use without touching the free allowance.
func (c *UsageCounter) Touch(now time.Time) {
	stamp := now
	c.TotalUses++
	c.LastUsedAt = &stamp
}
