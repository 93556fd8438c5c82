package ledger

import (
	"context"
	"fmt"

	"creditengine/entity"
	"creditengine/lib/clock"
)

// Transfer moves credits between two accounts.
type Transfer struct {
	SenderID      string
	SenderName    string
	RecipientID   string
	RecipientName string
	Amount        int64
	DailyCap      int64
	Message       string
}

// TransferResult carries both log records of a committed transfer.
type TransferResult struct {
	IntentID string
	Sent     *entity.Transaction
	Received *entity.Transaction
}

// Transfer applies both sides of a gift in tx. Either both accounts and both records are
// written or the function returns an error before the first write.
func (l *Ledger) Transfer(ctx context.Context, tx Tx, t Transfer) (*TransferResult, error) {
	if t.Amount <= 0 {
		return nil, entity.ErrInvalidAmount
	}
	if t.SenderID == t.RecipientID {
		return nil, entity.ErrSelfGift
	}
	sender, err := tx.Account(ctx, t.SenderID)
	if err != nil {
		return nil, err
	}
	recipient, err := tx.Account(ctx, t.RecipientID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if sender.Balance < t.Amount {
		return nil, entity.ErrInsufficientCredits
	}
	giftedToday := sender.GiftedOn(now)
	if t.DailyCap > 0 && giftedToday+t.Amount > t.DailyCap {
		return nil, entity.ErrDailyGiftCap
	}

	intent := &entity.TransferIntent{
		ID:          NewID(),
		SenderID:    t.SenderID,
		RecipientID: t.RecipientID,
		Amount:      t.Amount,
		State:       entity.TransferApplied,
		CreatedAt:   now,
	}

	sender.Balance -= t.Amount
	sender.LifetimeGifted += t.Amount
	sender.GiftedToday = giftedToday + t.Amount
	sender.LastGiftDate = clock.Day(now)
	sender.LastTransactionAt = now

	recipient.Balance += t.Amount
	recipient.LifetimeReceived += t.Amount
	recipient.LastTransactionAt = now

	sent := l.record(t.SenderID, entity.TxGiftSent, -t.Amount, sender.Balance, "",
		fmt.Sprintf("Gift to %s", nameOr(t.RecipientName, t.RecipientID)),
		map[string]string{
			"transfer_id":    intent.ID,
			"recipient_id":   t.RecipientID,
			"recipient_name": t.RecipientName,
			"message":        t.Message,
		}, now)
	received := l.record(t.RecipientID, entity.TxGiftReceived, t.Amount, recipient.Balance, "",
		fmt.Sprintf("Gift from %s", nameOr(t.SenderName, t.SenderID)),
		map[string]string{
			"transfer_id": intent.ID,
			"sender_id":   t.SenderID,
			"sender_name": t.SenderName,
			"message":     t.Message,
		}, now)
	sent.Metadata["counterpart_tx"] = received.ID
	received.Metadata["counterpart_tx"] = sent.ID

	if err = tx.PutTransferIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("save transfer intent: %w", err)
	}
	if err = tx.PutAccount(ctx, sender); err != nil {
		return nil, fmt.Errorf("save sender: %w", err)
	}
	if err = tx.PutAccount(ctx, recipient); err != nil {
		return nil, fmt.Errorf("save recipient: %w", err)
	}
	if err = tx.AppendTransaction(ctx, sent); err != nil {
		return nil, fmt.Errorf("append gift_sent: %w", err)
	}
	if err = tx.AppendTransaction(ctx, received); err != nil {
		return nil, fmt.Errorf("append gift_received: %w", err)
	}
	return &TransferResult{IntentID: intent.ID, Sent: sent, Received: received}, nil
}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
