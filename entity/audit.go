package entity

import "time"

// Audit actions.
const (
	AuditAdjust      = "credits.adjust"
	AuditRefund      = "credits.refund"
	AuditPilotEnroll = "pilot.enroll"
	AuditPilotRemove = "pilot.remove"
	AuditSettings    = "settings.update"
	AuditCredentials = "payment.credentials"
	AuditFailover    = "payment.failover"
)

// AuditEntry is written to the admin audit trail, separate from user transaction logs.
type AuditEntry struct {
	ID            string            `json:"id" bson:"_id"`
	Action        string            `json:"action" bson:"action"`
	AdminID       string            `json:"admin_id" bson:"admin_id"`
	AdminName     string            `json:"admin_name" bson:"admin_name"`
	TargetUserID  string            `json:"target_user_id,omitempty" bson:"target_user_id,omitempty"`
	Amount        int64             `json:"amount,omitempty" bson:"amount,omitempty"`
	Reason        string            `json:"reason,omitempty" bson:"reason,omitempty"`
	ResultBalance *int64            `json:"result_balance,omitempty" bson:"result_balance,omitempty"`
	Details       map[string]string `json:"details,omitempty" bson:"details,omitempty"`
	CreatedAt     time.Time         `json:"created_at" bson:"created_at"`
}
