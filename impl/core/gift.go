package core

import (
	"context"
	"fmt"
	"log/slog"

	"creditengine/entity"
	"creditengine/internal/ledger"
	"creditengine/lib/sl"
)

// GiftCredits moves credits from the caller to another existing account. The checks run
// in a fixed order and each one rejects the whole gift before anything is written.
func (c *Core) GiftCredits(ctx context.Context, caller *entity.User, senderID, recipientID string, amount int64, message string) (*entity.GiftResult, error) {
	if caller == nil || caller.UserID != senderID {
		return nil, entity.ErrUnauthorized
	}
	if amount <= 0 || amount > c.opts.MaxGiftAmount {
		return nil, entity.ErrInvalidAmount
	}
	if senderID == recipientID {
		return nil, entity.ErrSelfGift
	}
	if err := c.checkLimit(ctx, actionGift, senderID, c.opts.GiftLimits); err != nil {
		return nil, err
	}
	settings, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}

	log := c.log.With(
		slog.String("sender_id", senderID),
		slog.String("recipient_id", recipientID),
		slog.Int64("amount", amount),
	)

	var result *ledger.TransferResult
	err = c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, _, err := c.ledger.Open(ctx, tx, senderID, settings.WelcomeCredits); err != nil {
			return err
		}
		result, err = c.ledger.Transfer(ctx, tx, ledger.Transfer{
			SenderID:    senderID,
			SenderName:  caller.DisplayName(),
			RecipientID: recipientID,
			Amount:      amount,
			DailyCap:    c.opts.DailyGiftCap,
			Message:     message,
		})
		return err
	})
	if err != nil {
		failed(log, "gift rejected", err)
		return nil, err
	}

	c.committed(result.Sent, result.Received)
	log.With(slog.String("transfer_id", result.IntentID)).Info("gift sent")
	return &entity.GiftResult{
		TransferID: result.IntentID,
		Amount:     amount,
		Balance:    result.Sent.BalanceAfter,
	}, nil
}

// RedeemPromoCode credits a promo code at most once per user. The redemption marker is
// checked and written in the same transaction as the credit.
func (c *Core) RedeemPromoCode(ctx context.Context, userID, code string) (*entity.PromoResult, error) {
	normalized, err := entity.NormalizePromoCode(code)
	if err != nil {
		return nil, err
	}
	if err = c.checkLimit(ctx, actionPromo, userID, c.opts.PromoLimits); err != nil {
		return nil, err
	}
	settings, err := c.freshSettings(ctx)
	if err != nil {
		return nil, err
	}
	promo := settings.PromoCode(normalized)
	if promo == nil {
		return nil, entity.ErrInvalidPromoCode
	}
	if err = promo.Redeemable(c.now()); err != nil {
		return nil, err
	}

	log := c.log.With(slog.String("user_id", userID), slog.String("code", normalized))

	var record *entity.Transaction
	err = c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, _, err := c.ledger.Open(ctx, tx, userID, settings.WelcomeCredits); err != nil {
			return err
		}
		markerID := entity.MarkerID(entity.MarkerPromo, userID, normalized)
		redeemed, err := tx.HasMarker(ctx, markerID)
		if err != nil {
			return err
		}
		if redeemed {
			return entity.ErrAlreadyRedeemed
		}
		record, err = c.ledger.Credit(ctx, tx, ledger.Entry{
			UserID:      userID,
			Amount:      promo.Credits,
			Type:        entity.TxPromo,
			Description: fmt.Sprintf("Promo code %s", normalized),
			Metadata:    map[string]string{"promo_code": normalized},
		})
		if err != nil {
			return err
		}
		return tx.PutMarker(ctx, entity.NewMarker(entity.MarkerPromo, userID, normalized, c.now()))
	})
	if err != nil {
		failed(log, "promo redemption", err)
		return nil, err
	}
	c.committed(record)

	if err = c.store.IncrementPromoUses(ctx, promo.Code); err != nil {
		log.With(sl.Err(err)).Warn("promo use counter not updated")
	}
	c.settingsCache.Remove(entity.SettingsID)

	log.With(slog.Int64("credits", promo.Credits)).Info("promo redeemed")
	return &entity.PromoResult{
		Code:           normalized,
		CreditsAwarded: promo.Credits,
		Balance:        record.BalanceAfter,
	}, nil
}
