package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"creditengine/entity"
	"creditengine/internal/ledger"
	"creditengine/lib/sl"
)

// AdminAdjustCredits credits (amount > 0) or debits (amount < 0) the target account. The
// audit entry is written after the commit and a failure to write it does not undo the
// adjustment.
func (c *Core) AdminAdjustCredits(ctx context.Context, admin *entity.User, targetUserID string, amount int64, reason string) (*entity.AdjustResult, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	if amount == 0 || abs(amount) > c.opts.MaxAdminAdjust {
		return nil, entity.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)

	entry := ledger.Entry{
		UserID:      targetUserID,
		Amount:      abs(amount),
		Type:        entity.TxAdminAdjust,
		Description: adjustDescription(amount, reason),
		Metadata: map[string]string{
			"admin_id":   admin.UserID,
			"admin_name": admin.DisplayName(),
			"reason":     reason,
		},
	}
	log := c.log.With(
		slog.String("admin_id", admin.UserID),
		slog.String("target", targetUserID),
		slog.Int64("amount", amount),
	)

	var record *entity.Transaction
	err := c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if amount > 0 {
			record, err = c.ledger.Credit(ctx, tx, entry)
		} else {
			record, err = c.ledger.Debit(ctx, tx, entry)
		}
		return err
	})
	if err != nil {
		failed(log, "admin adjustment rejected", err)
		return nil, err
	}
	c.committed(record)

	balance := record.BalanceAfter
	c.audit(ctx, &entity.AuditEntry{
		Action:        entity.AuditAdjust,
		AdminID:       admin.UserID,
		AdminName:     admin.DisplayName(),
		TargetUserID:  targetUserID,
		Amount:        amount,
		Reason:        reason,
		ResultBalance: &balance,
		Details:       map[string]string{"transaction_id": record.ID},
	})
	log.With(slog.Int64("balance", balance)).Info("admin adjustment")
	if abs(amount) >= c.opts.MaxAdminAdjust/2 {
		c.alert(ctx, fmt.Sprintf("Admin %s adjusted %s by %d: %s", admin.DisplayName(), targetUserID, amount, reason))
	}

	return &entity.AdjustResult{TransactionID: record.ID, Amount: amount, NewBalance: balance}, nil
}

func adjustDescription(amount int64, reason string) string {
	verb := "Credit"
	if amount < 0 {
		verb = "Debit"
	}
	if reason == "" {
		return "Admin " + strings.ToLower(verb)
	}
	return fmt.Sprintf("Admin %s: %s", strings.ToLower(verb), reason)
}

// Refund returns credits to a user, for example after a failed feature run. ref points to
// the refunded transaction or payment.
func (c *Core) Refund(ctx context.Context, admin *entity.User, userID string, amount int64, reason, ref string) (*entity.AdjustResult, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	if amount <= 0 || amount > c.opts.MaxAdminAdjust {
		return nil, entity.ErrInvalidAmount
	}
	metadata := map[string]string{
		"admin_id":   admin.UserID,
		"admin_name": admin.DisplayName(),
		"reason":     reason,
	}
	if ref != "" {
		metadata["ref"] = ref
	}

	var record *entity.Transaction
	err := c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		record, err = c.ledger.Credit(ctx, tx, ledger.Entry{
			UserID:      userID,
			Amount:      amount,
			Type:        entity.TxRefund,
			Description: "Refund: " + reason,
			Metadata:    metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.committed(record)

	balance := record.BalanceAfter
	details := map[string]string{"transaction_id": record.ID}
	if ref != "" {
		details["ref"] = ref
	}
	c.audit(ctx, &entity.AuditEntry{
		Action:        entity.AuditRefund,
		AdminID:       admin.UserID,
		AdminName:     admin.DisplayName(),
		TargetUserID:  userID,
		Amount:        amount,
		Reason:        reason,
		ResultBalance: &balance,
		Details:       details,
	})
	c.log.With(
		slog.String("admin_id", admin.UserID),
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
	).Info("refund")

	return &entity.AdjustResult{TransactionID: record.ID, Amount: amount, NewBalance: balance}, nil
}

// EnrollPilot adds the user to a pilot program and grants its bonus credits. A user is in
// at most one program; enrolling again moves them.
func (c *Core) EnrollPilot(ctx context.Context, admin *entity.User, userID, programID string) (*entity.Account, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	settings, err := c.freshSettings(ctx)
	if err != nil {
		return nil, err
	}
	program := settings.PilotProgram(programID)
	if program == nil {
		return nil, entity.ErrPilotUnavailable
	}
	// a current member keeps their seat even when the program is full
	if current, err := c.store.GetAccount(ctx, userID); err == nil && current.PilotProgramID == programID && current.InPilot(c.now()) {
		return current, nil
	}
	if err = program.Joinable(c.now()); err != nil {
		return nil, err
	}
	if err = c.store.ReservePilotSeat(ctx, programID, program.MaxParticipants); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, entity.ErrPilotUnavailable
		}
		return nil, err
	}

	var account *entity.Account
	var previous string
	var record *entity.Transaction
	var unchanged bool
	err = c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		record = nil
		acc, _, err := c.ledger.Open(ctx, tx, userID, settings.WelcomeCredits)
		if err != nil {
			return err
		}
		previous = acc.PilotProgramID
		account = acc
		unchanged = previous == programID && acc.InPilot(c.now())
		if unchanged {
			return nil
		}
		acc.PilotProgramID = program.ID
		acc.PilotExpiresAt = nil
		if program.ValidUntil != nil {
			until := *program.ValidUntil
			acc.PilotExpiresAt = &until
		}
		if err = tx.PutAccount(ctx, acc); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
		if program.BonusCredits <= 0 {
			return nil
		}
		record, err = c.ledger.Credit(ctx, tx, ledger.Entry{
			UserID:      userID,
			Amount:      program.BonusCredits,
			Type:        entity.TxPromo,
			Description: fmt.Sprintf("Pilot program %s bonus", pilotName(program)),
			Metadata:    map[string]string{"pilot_program_id": program.ID},
		})
		if err != nil {
			return err
		}
		account, err = tx.Account(ctx, userID)
		return err
	})
	if err != nil || unchanged {
		c.leftPilot(ctx, programID)
		c.settingsCache.Remove(entity.SettingsID)
		if err != nil {
			return nil, err
		}
		return account, nil
	}
	c.committed(record)
	c.balanceCache.Add(userID, account.Balance)

	if previous != "" && previous != programID {
		c.leftPilot(ctx, previous)
	}
	c.settingsCache.Remove(entity.SettingsID)

	balance := account.Balance
	c.audit(ctx, &entity.AuditEntry{
		Action:        entity.AuditPilotEnroll,
		AdminID:       admin.UserID,
		AdminName:     admin.DisplayName(),
		TargetUserID:  userID,
		Amount:        program.BonusCredits,
		ResultBalance: &balance,
		Details:       map[string]string{"pilot_program_id": programID},
	})
	c.log.With(slog.String("user_id", userID), slog.String("program_id", programID)).Info("pilot enrolled")
	return account, nil
}

// RemovePilot ends the user's pilot membership. Bonus credits already granted stay.
func (c *Core) RemovePilot(ctx context.Context, admin *entity.User, userID string) (*entity.Account, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}

	var account *entity.Account
	var previous string
	err := c.store.RunTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		acc, err := tx.Account(ctx, userID)
		if err != nil {
			return err
		}
		previous = acc.PilotProgramID
		account = acc
		if previous == "" {
			return nil
		}
		acc.PilotProgramID = ""
		acc.PilotExpiresAt = nil
		return tx.PutAccount(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	if previous == "" {
		return account, nil
	}
	c.leftPilot(ctx, previous)
	c.settingsCache.Remove(entity.SettingsID)

	c.audit(ctx, &entity.AuditEntry{
		Action:       entity.AuditPilotRemove,
		AdminID:      admin.UserID,
		AdminName:    admin.DisplayName(),
		TargetUserID: userID,
		Details:      map[string]string{"pilot_program_id": previous},
	})
	c.log.With(slog.String("user_id", userID), slog.String("program_id", previous)).Info("pilot removed")
	return account, nil
}

func (c *Core) leftPilot(ctx context.Context, programID string) {
	err := c.store.IncrementPilotParticipants(ctx, programID, -1)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		c.log.With(sl.Err(err), slog.String("program_id", programID)).Warn("pilot participant counter not updated")
	}
}

func pilotName(p *entity.PilotProgram) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// GetAuditLog returns admin audit entries, newest first.
func (c *Core) GetAuditLog(ctx context.Context, admin *entity.User, limit int) ([]*entity.AuditEntry, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.opts.HistoryLimit
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	entries, err := c.store.AuditLog(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	if entries == nil {
		entries = []*entity.AuditEntry{}
	}
	return entries, nil
}
