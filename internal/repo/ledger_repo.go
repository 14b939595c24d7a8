// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the ledger store: account rows plus the
// append-only ledger_entries audit log.
//
// Concurrency model:
//   - Every balance mutation goes through ApplyEntry, which runs in a single
//     database transaction so the entry insert and the balance update land
//     together or not at all.
//   - SQLite has no row-level locks, so per-account serialization uses an
//     in-process keyed mutex. Under PostgreSQL the same role is played by
//     SELECT ... FOR UPDATE on the account row; process-local locking is
//     sufficient here because the SQLite file has a single writer process.
//   - As a second guard, the balance update is conditional on the balance the
//     transaction read; a stale write aborts the whole transaction.
//
// Error semantics:
//   - ErrNotFound when the account does not exist.
//   - *InsufficientBalanceError (with the observed balance and the requested
//     amount attached) when a debit would drive the balance negative.
//   - ErrDuplicateExternalRef when a purchase reference was already recorded
//     for the account.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/reelkit/go-ledger-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a uniqueness conflict on insert (e.g., provisioning
// an account twice, or reusing an idempotency key).
var ErrDuplicate = errors.New("duplicate")

// ErrDuplicateExternalRef indicates that a purchase external reference was
// already credited to the account. Purchase receipts may be resubmitted
// through a different path than generation requests, so this check lives in
// the ledger itself rather than the idempotency guard.
var ErrDuplicateExternalRef = errors.New("external reference already recorded")

// ErrInvalidReason is returned when a ledger reason code is outside the
// enumerated set.
var ErrInvalidReason = errors.New("invalid ledger reason")

// errStaleBalance aborts an ApplyEntry transaction whose conditional balance
// update matched no row. With the keyed mutex held this should not occur; if
// it does, the transaction rolls back cleanly and the caller may retry.
var errStaleBalance = errors.New("account balance changed mid-transaction")

// InsufficientBalanceError is the typed decline returned when a debit exceeds
// the current balance. It is a normal business outcome, not a system failure;
// callers cache and surface it rather than retrying.
type InsufficientBalanceError struct {
	// Balance is the account balance observed under the account lock at the
	// moment the debit was attempted.
	Balance int64
	// Required is the debit amount that was requested.
	Required int64
}

// Error implements the error interface.
func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Required)
}

// accountLocks serializes balance mutations per account. Cross-account
// operations proceed fully in parallel.
var accountLocks sync.Map // accountID -> *sync.Mutex

// lockAccount acquires the per-account mutex and returns its unlock func.
func lockAccount(id string) func() {
	v, _ := accountLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CreateAccount inserts a new account row with a zero balance. It returns
// ErrDuplicate if the account already exists.
func CreateAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	now := time.Now().UTC()
	acc := &domain.Account{
		ID:        accountID,
		Balance:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(acc).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return acc, nil
}

// GetAccount fetches an account by ID, or ErrNotFound if missing.
func GetAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error) {
	var acc domain.Account
	err := db.WithContext(ctx).First(&acc, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// ApplyEntry atomically applies one signed balance change to an account and
// appends the corresponding audit entry. Both writes happen in the same
// transaction; no partial state is ever visible to other readers.
//
// A negative delta that would drive the balance below zero is rejected with
// *InsufficientBalanceError carrying the balance observed under the lock.
// When externalRef is set and already recorded for the account, the call
// fails with ErrDuplicateExternalRef and applies nothing.
func ApplyEntry(ctx context.Context, db *gorm.DB, accountID string, delta int64, reason string, jobID, externalRef *string) (*domain.LedgerEntry, error) {
	if !domain.ValidReason(reason) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	unlock := lockAccount(accountID)
	defer unlock()

	var entry *domain.LedgerEntry
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc domain.Account
		if err := tx.First(&acc, "id = ?", accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if externalRef != nil {
			var n int64
			if err := tx.Model(&domain.LedgerEntry{}).
				Where("account_id = ? AND external_ref = ?", accountID, *externalRef).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrDuplicateExternalRef
			}
		}

		newBalance := acc.Balance + delta
		if newBalance < 0 {
			return &InsufficientBalanceError{Balance: acc.Balance, Required: -delta}
		}

		now := time.Now().UTC()
		e := &domain.LedgerEntry{
			AccountID:    accountID,
			JobID:        jobID,
			Delta:        delta,
			Reason:       reason,
			ExternalRef:  externalRef,
			BalanceAfter: newBalance,
			CreatedAt:    now,
		}
		if err := tx.Create(e).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateExternalRef
			}
			return err
		}

		updates := map[string]any{
			"balance":    newBalance,
			"updated_at": now,
		}
		if delta > 0 && (reason == domain.ReasonInitialGrant || reason == domain.ReasonPurchase) {
			updates["lifetime_granted"] = acc.LifetimeGranted + delta
		}

		// Conditional on the balance this transaction read; a stale write
		// aborts instead of corrupting the running total.
		res := tx.Model(&domain.Account{}).
			Where("id = ? AND balance = ?", accountID, acc.Balance).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleBalance
		}

		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries returns a page of an account's ledger entries in creation
// order (ascending ID, the per-account total order).
func ListEntries(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CountEntries returns the total number of ledger entries for an account.
func CountEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Count(&n).Error
	return n, err
}

// SumDeltas replays an account's ledger and returns the sum of all deltas.
// With every mutation flowing through ApplyEntry this equals the account
// balance exactly (the reconciliation property).
func SumDeltas(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var sum *int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("SUM(delta)").
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

// RefundExists reports whether a job_refund entry has already been recorded
// for the given job. The orchestrator consults this before issuing a refund
// so a repeated Reconcile can never pay out twice.
func RefundExists(ctx context.Context, db *gorm.DB, jobID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("job_id = ? AND reason = ?", jobID, domain.ReasonJobRefund).
		Count(&n).Error
	return n > 0, err
}

// ListOrphanedReserves returns up to limit job_reserve entries created
// before olderThan whose job row does not exist and whose job has no refund
// entry, oldest first. A crash between the ledger reserve and the job insert
// leaves exactly this shape behind; anything with a job row is repaired
// through the job state machine instead.
func ListOrphanedReserves(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("reason = ? AND created_at < ? AND job_id IS NOT NULL", domain.ReasonJobReserve, olderThan).
		Where("job_id NOT IN (SELECT id FROM jobs)").
		Where("job_id NOT IN (SELECT job_id FROM ledger_entries WHERE reason = ? AND job_id IS NOT NULL)", domain.ReasonJobRefund).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
