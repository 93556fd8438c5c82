package entity

import "time"

type TransactionType string

const (
	TxPurchase     TransactionType = "purchase"
	TxGiftSent     TransactionType = "gift_sent"
	TxGiftReceived TransactionType = "gift_received"
	TxUsage        TransactionType = "usage"
	TxRefund       TransactionType = "refund"
	TxPromo        TransactionType = "promo"
	TxWelcome      TransactionType = "welcome"
	TxSubscription TransactionType = "subscription"
	TxAdminAdjust  TransactionType = "admin_adjust"
)

// Transaction is an immutable entry of a user's credit log.
// Amount is signed: positive credits, negative debits.
type Transaction struct {
	ID           string            `json:"id" bson:"_id"`
	UserID       string            `json:"user_id" bson:"user_id"`
	Type         TransactionType   `json:"type" bson:"type"`
	Amount       int64             `json:"amount" bson:"amount"`
	BalanceAfter int64             `json:"balance_after" bson:"balance_after"`
	Feature      FeatureID         `json:"feature,omitempty" bson:"feature,omitempty"`
	Description  string            `json:"description" bson:"description"`
	Metadata     map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at" bson:"created_at"`
}

// Marker kinds. A marker's existence is the exactly-once guard for its reference.
const (
	MarkerPromo   = "promo"
	MarkerPayment = "payment"
)

// Marker records that a reference (promo code, payment session) was applied for a user.
type Marker struct {
	ID        string    `json:"id" bson:"_id"`
	Kind      string    `json:"kind" bson:"kind"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Ref       string    `json:"ref" bson:"ref"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

func MarkerID(kind, userID, ref string) string {
	return kind + ":" + userID + ":" + ref
}

func NewMarker(kind, userID, ref string, now time.Time) *Marker {
	return &Marker{
		ID:        MarkerID(kind, userID, ref),
		Kind:      kind,
		UserID:    userID,
		Ref:       ref,
		CreatedAt: now,
	}
}

// TransferIntent ties both sides of a gift together; written in the same transaction.
type TransferIntent struct {
	ID          string    `json:"id" bson:"_id"`
	SenderID    string    `json:"sender_id" bson:"sender_id"`
	RecipientID string    `json:"recipient_id" bson:"recipient_id"`
	Amount      int64     `json:"amount" bson:"amount"`
	State       string    `json:"state" bson:"state"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

const TransferApplied = "applied"
