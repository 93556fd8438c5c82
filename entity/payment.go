package entity

import (
	"net/http"
	"time"

	"creditengine/lib/validate"
)

type ProviderName string

const (
	ProviderPrimary   ProviderName = "primary"
	ProviderSecondary ProviderName = "secondary"
)

// ProviderCredentials are write-once secrets; they are never serialized to clients.
type ProviderCredentials struct {
	APIKey        string `json:"-" bson:"api_key,omitempty"`
	WebhookSecret string `json:"-" bson:"webhook_secret,omitempty"`
	Configured    bool   `json:"configured" bson:"configured"`
}

// ProviderState tracks one configured payment provider and its outcome counters.
type ProviderState struct {
	Name                   ProviderName        `json:"name" bson:"name"`
	Kind                   string              `json:"kind" bson:"kind"`
	Enabled                bool                `json:"enabled" bson:"enabled"`
	SuccessfulTransactions int64               `json:"successful_transactions" bson:"successful_transactions"`
	FailedTransactions     int64               `json:"failed_transactions" bson:"failed_transactions"`
	LastError              string              `json:"last_error,omitempty" bson:"last_error,omitempty"`
	LastErrorAt            *time.Time          `json:"last_error_at,omitempty" bson:"last_error_at,omitempty"`
	Credentials            ProviderCredentials `json:"credentials" bson:"credentials"`
}

func (p *ProviderState) redact() {
	p.Credentials.APIKey = ""
	p.Credentials.WebhookSecret = ""
}

// Failover holds the primary/backup switching policy and its current state.
type Failover struct {
	AutoEnabled            bool       `json:"auto_enabled" bson:"auto_enabled"`
	RetryPrimaryAfterHours int        `json:"retry_primary_after_hours" bson:"retry_primary_after_hours" validate:"min=0"`
	CurrentlyUsingBackup   bool       `json:"currently_using_backup" bson:"currently_using_backup"`
	BackupActivatedAt      *time.Time `json:"backup_activated_at,omitempty" bson:"backup_activated_at,omitempty"`
	NotifyAdminOnFailover  bool       `json:"notify_admin_on_failover" bson:"notify_admin_on_failover"`
}

type PaymentSettings struct {
	Primary   ProviderState `json:"primary" bson:"primary"`
	Secondary ProviderState `json:"secondary" bson:"secondary"`
	Failover  Failover      `json:"failover" bson:"failover"`
}

func (p PaymentSettings) clone() PaymentSettings {
	c := p
	if p.Failover.BackupActivatedAt != nil {
		t := *p.Failover.BackupActivatedAt
		c.Failover.BackupActivatedAt = &t
	}
	return c
}

// Provider returns the state of the named provider.
func (p *PaymentSettings) Provider(name ProviderName) *ProviderState {
	if name == ProviderSecondary {
		return &p.Secondary
	}
	return &p.Primary
}

// Checkout is returned to the caller that starts a bundle purchase.
type Checkout struct {
	Provider  ProviderName `json:"provider"`
	SessionID string       `json:"session_id"`
	URL       string       `json:"url"`
	BundleID  string       `json:"bundle_id"`
	Credits   int64        `json:"credits"`
}

// PaymentEvent is a provider-neutral completed payment.
type PaymentEvent struct {
	Provider  ProviderName
	SessionID string
	UserID    string
	BundleID  string
	Amount    int64
	Currency  string
	Completed bool
}

// Payment is the request body for a bundle purchase.
type Payment struct {
	BundleID string `json:"bundle_id" validate:"required"`
}

func (p *Payment) Bind(_ *http.Request) error {
	return validate.Struct(p)
}
