package entity

import "time"

// GiftDateLayout is the layout of Account.LastGiftDate; gift days roll over at UTC midnight.
const GiftDateLayout = "2006-01-02"

// Account is the per-user credit document. Balance is only changed inside a store transaction.
// Invariant: Balance == LifetimeEarned - LifetimeSpent - LifetimeGifted + LifetimeReceived.
type Account struct {
	UserID            string                      `json:"user_id" bson:"_id"`
	Balance           int64                       `json:"balance" bson:"balance"`
	LifetimeEarned    int64                       `json:"lifetime_earned" bson:"lifetime_earned"`
	LifetimeSpent     int64                       `json:"lifetime_spent" bson:"lifetime_spent"`
	LifetimeGifted    int64                       `json:"lifetime_gifted" bson:"lifetime_gifted"`
	LifetimeReceived  int64                       `json:"lifetime_received" bson:"lifetime_received"`
	FeatureUsage      map[FeatureID]*UsageCounter `json:"feature_usage,omitempty" bson:"feature_usage,omitempty"`
	PilotProgramID    string                      `json:"pilot_program_id,omitempty" bson:"pilot_program_id,omitempty"`
	PilotExpiresAt    *time.Time                  `json:"pilot_expires_at,omitempty" bson:"pilot_expires_at,omitempty"`
	GiftedToday       int64                       `json:"gifted_today" bson:"gifted_today"`
	LastGiftDate      string                      `json:"last_gift_date,omitempty" bson:"last_gift_date,omitempty"`
	LastTransactionAt time.Time                   `json:"last_transaction_at" bson:"last_transaction_at"`
	CreatedAt         time.Time                   `json:"created_at" bson:"created_at"`
}

// NewAccount returns an account seeded with the welcome amount, counted as earned.
func NewAccount(userID string, welcome int64, now time.Time) *Account {
	return &Account{
		UserID:            userID,
		Balance:           welcome,
		LifetimeEarned:    welcome,
		FeatureUsage:      make(map[FeatureID]*UsageCounter),
		LastTransactionAt: now,
		CreatedAt:         now,
	}
}

// Consistent reports whether the balance matches the lifetime counters.
func (a *Account) Consistent() bool {
	return a.Balance >= 0 &&
		a.Balance == a.LifetimeEarned-a.LifetimeSpent-a.LifetimeGifted+a.LifetimeReceived
}

// Usage returns the counter for a feature, creating it when absent.
func (a *Account) Usage(feature FeatureID) *UsageCounter {
	if a.FeatureUsage == nil {
		a.FeatureUsage = make(map[FeatureID]*UsageCounter)
	}
	counter, ok := a.FeatureUsage[feature]
	if !ok {
		counter = &UsageCounter{}
		a.FeatureUsage[feature] = counter
	}
	return counter
}

// InPilot reports whether the account belongs to an unexpired pilot program.
func (a *Account) InPilot(now time.Time) bool {
	if a.PilotProgramID == "" {
		return false
	}
	return a.PilotExpiresAt == nil || now.Before(*a.PilotExpiresAt)
}

// GiftedOn returns the amount gifted on the UTC day of now; a stale day counts as zero.
func (a *Account) GiftedOn(now time.Time) int64 {
	if a.LastGiftDate != now.UTC().Format(GiftDateLayout) {
		return 0
	}
	return a.GiftedToday
}

// Clone returns a deep copy, used by stores to stage writes.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.PilotExpiresAt != nil {
		t := *a.PilotExpiresAt
		c.PilotExpiresAt = &t
	}
	c.FeatureUsage = make(map[FeatureID]*UsageCounter, len(a.FeatureUsage))
	for k, v := range a.FeatureUsage {
		counter := *v
		c.FeatureUsage[k] = &counter
	}
	return &c
}
