package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"creditengine/entity"
	"creditengine/internal/entitlement"
	"creditengine/internal/ledger"
	"creditengine/lib/sl"
)

// InitializeAccount creates the account with the welcome credits; existing accounts are
// returned unchanged.
func (c *Core) InitializeAccount(ctx context.Context, userID string) (*entity.Account, error) {
	if userID == "" {
		return nil, entity.ErrAccountNotFound
	}
	settings, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}

	var account *entity.Account
	var created bool
	err = c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		account, created, err = c.ledger.Open(ctx, tx, userID, settings.WelcomeCredits)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		c.log.With(slog.String("user_id", userID), slog.Int64("welcome", settings.WelcomeCredits)).Info("account created")
		if c.metrics != nil && settings.WelcomeCredits > 0 {
			c.metrics.Transaction(string(entity.TxWelcome))
		}
	}
	c.balanceCache.Add(userID, account.Balance)
	return account, nil
}

// GetBalance serves the latest known balance; it is not transactional.
func (c *Core) GetBalance(ctx context.Context, userID string) (int64, error) {
	if balance, ok := c.balanceCache.Get(userID); ok {
		return balance, nil
	}
	account, err := c.store.GetAccount(ctx, userID)
	if errors.Is(err, entity.ErrAccountNotFound) {
		account, err = c.InitializeAccount(ctx, userID)
	}
	if err != nil {
		return 0, err
	}
	c.balanceCache.Add(userID, account.Balance)
	return account.Balance, nil
}

// GetAccount returns the account document, creating it on first access.
func (c *Core) GetAccount(ctx context.Context, userID string) (*entity.Account, error) {
	account, err := c.store.GetAccount(ctx, userID)
	if errors.Is(err, entity.ErrAccountNotFound) {
		return c.InitializeAccount(ctx, userID)
	}
	return account, err
}

// GetTransactionHistory returns up to limit records, newest first.
func (c *Core) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]*entity.Transaction, error) {
	if limit <= 0 {
		limit = c.opts.HistoryLimit
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	records, err := c.store.Transactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if records == nil {
		records = []*entity.Transaction{}
	}
	return records, nil
}

// CheckFeature previews the entitlement decision. It never returns an error: any failure
// to load its inputs is a denial.
func (c *Core) CheckFeature(ctx context.Context, userID, featureID string) entity.Decision {
	feature, err := entity.ParseFeatureID(featureID)
	if err != nil {
		return c.decided(entity.Deny(entity.FeatureID(featureID), entity.ReasonUnavailable, entity.Reason(err)))
	}
	log := c.log.With(slog.String("user_id", userID), slog.String("feature", string(feature)))

	settings, err := c.settings(ctx)
	if err != nil {
		return c.decided(entitlement.Unavailable(feature))
	}
	now := c.now()
	account, err := c.store.GetAccount(ctx, userID)
	if errors.Is(err, entity.ErrAccountNotFound) {
		account = entity.NewAccount(userID, settings.WelcomeCredits, now)
	} else if err != nil {
		log.With(sl.Err(err)).Error("check feature: load account")
		return c.decided(entitlement.Unavailable(feature))
	}
	return c.decided(entitlement.Evaluate(settings, account, feature, now))
}

func (c *Core) decided(d entity.Decision) entity.Decision {
	if c.metrics != nil {
		c.metrics.Decision(string(d.Reason), d.Allowed)
	}
	return d
}

// UseFeature takes the entitlement decision again on the account read inside the
// transaction and applies it: a free use, one free-quota use or a debit.
func (c *Core) UseFeature(ctx context.Context, userID, featureID, itemName, itemID string) (*entity.Usage, error) {
	feature, err := entity.ParseFeatureID(featureID)
	if err != nil {
		return nil, err
	}
	if err = c.checkLimit(ctx, actionUsage, userID, c.opts.UsageLimits); err != nil {
		return nil, err
	}
	settings, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}

	var usage *entity.Usage
	var records []*entity.Transaction
	err = c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		records = records[:0]
		account, _, err := c.ledger.Open(ctx, tx, userID, settings.WelcomeCredits)
		if err != nil {
			return err
		}
		decision := entitlement.Evaluate(settings, account, feature, c.now())
		usage = &entity.Usage{Feature: feature, Reason: decision.Reason, Balance: account.Balance}

		switch decision.Reason {
		case entity.ReasonFree, entity.ReasonFreePeriod, entity.ReasonPilot:
			_, err = c.ledger.RecordUse(ctx, tx, userID, feature)
			return err
		case entity.ReasonFreeQuota:
			pricing := settings.Pricing(feature)
			_, err = c.ledger.ConsumeFreeUse(ctx, tx, userID, pricing)
			return err
		case entity.ReasonCreditsAvailable:
			if decision.CreditsRequired == 0 {
				_, err = c.ledger.RecordUse(ctx, tx, userID, feature)
				return err
			}
			record, err := c.ledger.Debit(ctx, tx, ledger.Entry{
				UserID:      userID,
				Amount:      decision.CreditsRequired,
				Type:        entity.TxUsage,
				Feature:     feature,
				Description: usageDescription(feature, itemName),
				Metadata:    itemMetadata(itemName, itemID),
			})
			if err != nil {
				return err
			}
			records = append(records, record)
			usage.CreditsUsed = decision.CreditsRequired
			usage.Balance = record.BalanceAfter
			return nil
		case entity.ReasonInsufficientCredits:
			return entity.ErrInsufficientCredits
		default:
			return entity.ErrFeatureDenied
		}
	})
	if err != nil {
		failed(c.log.With(slog.String("user_id", userID), slog.String("feature", string(feature))), "use feature", err)
		return nil, err
	}
	c.committed(records...)
	if len(records) == 0 {
		c.balanceCache.Add(userID, usage.Balance)
	}
	return usage, nil
}

func usageDescription(feature entity.FeatureID, itemName string) string {
	name := strings.ReplaceAll(string(feature), "_", " ")
	if itemName != "" {
		return fmt.Sprintf("Used %s: %s", name, itemName)
	}
	return "Used " + name
}

func itemMetadata(itemName, itemID string) map[string]string {
	if itemName == "" && itemID == "" {
		return nil
	}
	m := make(map[string]string, 2)
	if itemName != "" {
		m["item_name"] = itemName
	}
	if itemID != "" {
		m["item_id"] = itemID
	}
	return m
}
