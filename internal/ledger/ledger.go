// Package ledger owns every balance mutation. Each primitive works on a Tx, the view of
// the ledger store inside one atomic transaction: it reads the latest account document,
// decides, writes the account back and appends the matching log record. If any step fails
// the caller returns the error from the transaction function and nothing is committed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditengine/entity"
	"creditengine/lib/clock"

	"github.com/google/uuid"
)

// Tx is the set of reads and writes available inside one store transaction.
type Tx interface {
	// Account returns entity.ErrAccountNotFound when the user has no account.
	Account(ctx context.Context, userID string) (*entity.Account, error)
	PutAccount(ctx context.Context, account *entity.Account) error
	AppendTransaction(ctx context.Context, record *entity.Transaction) error
	HasMarker(ctx context.Context, id string) (bool, error)
	PutMarker(ctx context.Context, marker *entity.Marker) error
	PutTransferIntent(ctx context.Context, intent *entity.TransferIntent) error
}

// TxFunc is run by a store inside one atomic transaction. Stores may run it more than
// once when they detect a write conflict, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Entry describes one single-account balance change.
type Entry struct {
	UserID      string
	Amount      int64
	Type        entity.TransactionType
	Feature     entity.FeatureID
	Description string
	Metadata    map[string]string
}

type Ledger struct {
	now clock.Clock
}

func New(now clock.Clock) *Ledger {
	if now == nil {
		now = clock.System
	}
	return &Ledger{now: now}
}

// NewID returns a time-ordered id for log records.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Open returns the user's account, creating it with the welcome amount when missing.
func (l *Ledger) Open(ctx context.Context, tx Tx, userID string, welcome int64) (*entity.Account, bool, error) {
	account, err := tx.Account(ctx, userID)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, entity.ErrAccountNotFound) {
		return nil, false, err
	}
	now := l.now()
	account = entity.NewAccount(userID, welcome, now)
	if err = tx.PutAccount(ctx, account); err != nil {
		return nil, false, fmt.Errorf("create account: %w", err)
	}
	if welcome > 0 {
		record := l.record(userID, entity.TxWelcome, welcome, account.Balance, "", "Welcome credits", nil, now)
		if err = tx.AppendTransaction(ctx, record); err != nil {
			return nil, false, fmt.Errorf("append welcome: %w", err)
		}
	}
	return account, true, nil
}

// Credit adds a positive amount and counts it as earned.
func (l *Ledger) Credit(ctx context.Context, tx Tx, e Entry) (*entity.Transaction, error) {
	if e.Amount <= 0 {
		return nil, entity.ErrInvalidAmount
	}
	account, err := tx.Account(ctx, e.UserID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	account.Balance += e.Amount
	account.LifetimeEarned += e.Amount
	account.LastTransactionAt = now
	return l.commit(ctx, tx, account, e, e.Amount, now)
}

// Debit removes a positive amount and counts it as spent. The balance check happens on
// the account read inside tx, so two concurrent debits cannot both pass it.
func (l *Ledger) Debit(ctx context.Context, tx Tx, e Entry) (*entity.Transaction, error) {
	if e.Amount <= 0 {
		return nil, entity.ErrInvalidAmount
	}
	account, err := tx.Account(ctx, e.UserID)
	if err != nil {
		return nil, err
	}
	if account.Balance < e.Amount {
		return nil, entity.ErrInsufficientCredits
	}
	now := l.now()
	account.Balance -= e.Amount
	account.LifetimeSpent += e.Amount
	account.LastTransactionAt = now
	if e.Feature != "" {
		account.Usage(e.Feature).Touch(now)
	}
	return l.commit(ctx, tx, account, e, -e.Amount, now)
}

// ConsumeFreeUse spends one free use of the feature after a lazy period reset.
// It returns entity.ErrInsufficientCredits when no free use is left.
func (l *Ledger) ConsumeFreeUse(ctx context.Context, tx Tx, userID string, pricing *entity.FeaturePricing) (*entity.Account, error) {
	account, err := tx.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	counter := account.Usage(pricing.FeatureID)
	counter.ResetIfNeeded(pricing.Period(), pricing.FreeAllotment(), now)
	if counter.FreeUsesRemaining <= 0 {
		return nil, entity.ErrInsufficientCredits
	}
	counter.ConsumeFree(now)
	if err = tx.PutAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	return account, nil
}

// RecordUse counts a use that cost nothing (free period, pilot bypass).
func (l *Ledger) RecordUse(ctx context.Context, tx Tx, userID string, feature entity.FeatureID) (*entity.Account, error) {
	account, err := tx.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	account.Usage(feature).Touch(l.now())
	if err = tx.PutAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	return account, nil
}

func (l *Ledger) commit(ctx context.Context, tx Tx, account *entity.Account, e Entry, signed int64, now time.Time) (*entity.Transaction, error) {
	if err := tx.PutAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	record := l.record(e.UserID, e.Type, signed, account.Balance, e.Feature, e.Description, e.Metadata, now)
	if err := tx.AppendTransaction(ctx, record); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	return record, nil
}

func (l *Ledger) record(userID string, typ entity.TransactionType, amount, balance int64, feature entity.FeatureID, description string, metadata map[string]string, now time.Time) *entity.Transaction {
	return &entity.Transaction{
		ID:           NewID(),
		UserID:       userID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: balance,
		Feature:      feature,
		Description:  description,
		Metadata:     metadata,
		CreatedAt:    now,
	}
}
