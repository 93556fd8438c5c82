package entity

// GiftResult describes a committed gift from the sender's side.
type GiftResult struct {
	TransferID string `json:"transfer_id"`
	Amount     int64  `json:"amount"`
	Balance    int64  `json:"balance"`
}

// PromoResult is returned by a successful redemption.
type PromoResult struct {
	Code           string `json:"code"`
	CreditsAwarded int64  `json:"credits_awarded"`
	Balance        int64  `json:"balance"`
}

// AdjustResult is returned by admin balance changes.
type AdjustResult struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	NewBalance    int64  `json:"new_balance"`
}
