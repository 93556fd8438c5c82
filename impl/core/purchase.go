package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"creditengine/entity"
	"creditengine/internal/ledger"
	"creditengine/lib/sl"
)

// SetProvider registers the client serving a provider slot.
func (c *Core) SetProvider(name entity.ProviderName, p PaymentProvider) {
	c.providersMu.Lock()
	defer c.providersMu.Unlock()
	c.providers[name] = p
}

func (c *Core) provider(name entity.ProviderName) (PaymentProvider, error) {
	c.providersMu.RLock()
	defer c.providersMu.RUnlock()
	p, ok := c.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not configured", entity.ErrNoProvider, name)
	}
	return p, nil
}

// PurchaseBundle starts a checkout on the provider selected by the payment controller.
// When the primary fails and the controller switches to the backup, the checkout is
// retried once on the backup.
func (c *Core) PurchaseBundle(ctx context.Context, userID, bundleID string) (*entity.Checkout, error) {
	if c.payments == nil {
		return nil, entity.ErrNoProvider
	}
	settings, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}
	bundle := settings.Bundle(bundleID)
	if bundle == nil || !bundle.Enabled {
		return nil, entity.ErrNotFound
	}
	log := c.log.With(slog.String("user_id", userID), slog.String("bundle_id", bundleID))

	for attempt := 0; attempt < 2; attempt++ {
		name, err := c.payments.Select(ctx)
		if err != nil {
			return nil, err
		}
		checkout, err := c.checkout(ctx, name, bundle, userID)
		if err == nil {
			if err = c.payments.RecordSuccess(ctx, name); err != nil {
				log.With(sl.Err(err)).Warn("record payment success")
			}
			log.With(slog.String("provider", string(name)), slog.String("session_id", checkout.SessionID)).Info("checkout created")
			return checkout, nil
		}
		log.With(sl.Err(err), slog.String("provider", string(name))).Error("checkout failed")
		switched, recErr := c.payments.RecordFailure(ctx, name, err)
		if recErr != nil {
			log.With(sl.Err(recErr)).Warn("record payment failure")
		}
		if !switched {
			return nil, fmt.Errorf("%w: %v", entity.ErrTransientFailure, err)
		}
	}
	return nil, entity.ErrNoProvider
}

func (c *Core) checkout(ctx context.Context, name entity.ProviderName, bundle *entity.Bundle, userID string) (*entity.Checkout, error) {
	p, err := c.provider(name)
	if err != nil {
		return nil, err
	}
	checkout, err := p.CreateCheckout(ctx, bundle, userID)
	if err != nil {
		return nil, err
	}
	checkout.Provider = name
	checkout.BundleID = bundle.ID
	checkout.Credits = bundle.TotalCredits()
	return checkout, nil
}

// HandlePaymentEvent verifies a provider webhook and credits the purchased bundle. Each
// checkout session is credited at most once; redelivered events return no transaction.
func (c *Core) HandlePaymentEvent(ctx context.Context, providerName string, payload []byte, header string) (*entity.Transaction, error) {
	name := entity.ProviderName(providerName)
	p, err := c.provider(name)
	if err != nil {
		return nil, err
	}
	event, err := p.ParseEvent(payload, header)
	if err != nil {
		return nil, err
	}
	if event == nil || !event.Completed {
		return nil, nil
	}
	log := c.log.With(
		slog.String("provider", providerName),
		slog.String("session_id", event.SessionID),
		slog.String("user_id", event.UserID),
		slog.String("bundle_id", event.BundleID),
	)
	if event.UserID == "" || event.SessionID == "" {
		log.Error("payment event without user or session")
		return nil, entity.ErrNotFound
	}
	settings, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}
	bundle := settings.Bundle(event.BundleID)
	if bundle == nil {
		log.Error("payment event for unknown bundle")
		return nil, entity.ErrNotFound
	}

	var record *entity.Transaction
	err = c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		record = nil
		if _, _, err := c.ledger.Open(ctx, tx, event.UserID, settings.WelcomeCredits); err != nil {
			return err
		}
		markerID := entity.MarkerID(entity.MarkerPayment, event.UserID, event.SessionID)
		seen, err := tx.HasMarker(ctx, markerID)
		if err != nil || seen {
			return err
		}
		record, err = c.ledger.Credit(ctx, tx, ledger.Entry{
			UserID:      event.UserID,
			Amount:      bundle.TotalCredits(),
			Type:        entity.TxPurchase,
			Description: fmt.Sprintf("Purchased %s", bundle.Name),
			Metadata: map[string]string{
				"provider":   providerName,
				"session_id": event.SessionID,
				"bundle_id":  bundle.ID,
				"amount":     fmt.Sprint(event.Amount),
				"currency":   event.Currency,
			},
		})
		if err != nil {
			return err
		}
		return tx.PutMarker(ctx, entity.NewMarker(entity.MarkerPayment, event.UserID, event.SessionID, c.now()))
	})
	if errors.Is(err, entity.ErrAlreadyRedeemed) {
		return nil, nil
	}
	if err != nil {
		log.With(sl.Err(err)).Error("credit purchase")
		return nil, err
	}
	if record == nil {
		log.Info("payment event already applied")
		return nil, nil
	}
	c.committed(record)
	log.With(slog.Int64("credits", record.Amount), slog.Int64("balance", record.BalanceAfter)).Info("purchase credited")
	return record, nil
}
