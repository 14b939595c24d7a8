// Package services – CreditService
//
// This file implements the credit accounting service, a business-level
// wrapper over the ledger store. It exposes the three balance-mutating
// operations (Reserve, Refund, Grant) plus account provisioning and the read
// paths the HTTP layer needs.
//
// Each mutating operation maps to exactly one ledger transaction
// (repo.ApplyEntry); the service never decomposes them into read-then-write
// steps, which is what keeps the non-negative-balance invariant safe under
// concurrency. The service deliberately does not deduplicate refunds; that
// responsibility belongs to the job orchestrator, which knows the job a
// refund compensates.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/repo"

	"github.com/rs/zerolog/log"
)

// LedgerRepo defines the repository contract required by CreditService.
// Implementations are responsible for atomic persistence of accounts and
// ledger entries.
type LedgerRepo interface {
	// CreateAccount inserts a zero-balance account row.
	CreateAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error)

	// GetAccount fetches an account by ID.
	GetAccount(ctx context.Context, db *gorm.DB, accountID string) (*domain.Account, error)

	// ApplyEntry atomically applies one balance change and appends its audit entry.
	ApplyEntry(ctx context.Context, db *gorm.DB, accountID string, delta int64, reason string, jobID, externalRef *string) (*domain.LedgerEntry, error)

	// ListEntries returns a page of an account's entries in creation order.
	ListEntries(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.LedgerEntry, error)

	// CountEntries returns the total number of entries for pagination.
	CountEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error)

	// ListOrphanedReserves returns unrefunded reserve entries older than
	// olderThan whose job row does not exist.
	ListOrphanedReserves(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.LedgerEntry, error)
}

// CreditService provides account-level credit operations with a full audit
// trail. It is safe for concurrent use.
type CreditService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the ledger repository used by this service.
	Repo LedgerRepo
}

// NewCreditService constructs a CreditService.
func NewCreditService(db *gorm.DB, r LedgerRepo) *CreditService {
	return &CreditService{DB: db, Repo: r}
}

// Provision creates the account on the external identity event, crediting an
// initial grant when initialGrant > 0. Returns ErrAccountExists when the
// account was already provisioned.
func (s *CreditService) Provision(ctx context.Context, accountID string, initialGrant int64) (*domain.Account, error) {
	if initialGrant < 0 {
		return nil, ErrInvalidAmount
	}
	acc, err := s.Repo.CreateAccount(ctx, s.DB, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	if initialGrant > 0 {
		entry, err := s.Repo.ApplyEntry(ctx, s.DB, accountID, initialGrant, domain.ReasonInitialGrant, nil, nil)
		if err != nil {
			return nil, err
		}
		ledgerEntriesTotal.WithLabelValues(domain.ReasonInitialGrant).Inc()
		acc.Balance = entry.BalanceAfter
		acc.LifetimeGranted = initialGrant
	}
	log.Info().Str("account_id", accountID).Int64("initial_grant", initialGrant).Msg("account provisioned")
	return acc, nil
}

// Reserve debits amount credits from the account for the given job. On
// insufficient balance it returns *repo.InsufficientBalanceError carrying the
// shortfall; that is a normal, expected outcome, not a system failure.
func (s *CreditService) Reserve(ctx context.Context, accountID, jobID string, amount int64, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry, err := s.Repo.ApplyEntry(ctx, s.DB, accountID, -amount, reason, jobPtr(jobID), nil)
	if err != nil {
		var ib *repo.InsufficientBalanceError
		if errors.As(err, &ib) {
			ledgerDeclinesTotal.Inc()
			return nil, err
		}
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	ledgerEntriesTotal.WithLabelValues(reason).Inc()
	log.Info().
		Str("account_id", accountID).
		Str("job_id", jobID).
		Int64("amount", amount).
		Int64("balance_after", entry.BalanceAfter).
		Msg("credits reserved")
	return entry, nil
}

// Refund credits amount back to the account for the given job. Callers must
// guarantee at most one refund per failed job; this service applies whatever
// it is asked to.
func (s *CreditService) Refund(ctx context.Context, accountID, jobID string, amount int64, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry, err := s.Repo.ApplyEntry(ctx, s.DB, accountID, amount, reason, jobPtr(jobID), nil)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	ledgerEntriesTotal.WithLabelValues(reason).Inc()
	log.Info().
		Str("account_id", accountID).
		Str("job_id", jobID).
		Int64("amount", amount).
		Int64("balance_after", entry.BalanceAfter).
		Msg("credits refunded")
	return entry, nil
}

// Grant credits amount to the account for sign-up credit or a purchased
// top-up. For purchases, externalRef must carry the verified payment
// reference; a replayed reference returns ErrDuplicatePurchase and credits
// nothing.
func (s *CreditService) Grant(ctx context.Context, accountID string, amount int64, reason string, externalRef *string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry, err := s.Repo.ApplyEntry(ctx, s.DB, accountID, amount, reason, nil, externalRef)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateExternalRef) {
			return nil, ErrDuplicatePurchase
		}
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	ledgerEntriesTotal.WithLabelValues(reason).Inc()
	log.Info().
		Str("account_id", accountID).
		Str("reason", reason).
		Int64("amount", amount).
		Int64("balance_after", entry.BalanceAfter).
		Msg("credits granted")
	return entry, nil
}

// ReclaimOrphanedReserves refunds reserve debits older than olderThan whose
// job row never landed (a crash between the ledger reserve and the job
// insert). The listing already excludes refunded jobs, so repeated sweeps
// settle each orphan at most once. Individual refund failures are logged and
// skipped; the next sweep picks them up again. Returns the number of debits
// reclaimed.
func (s *CreditService) ReclaimOrphanedReserves(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	entries, err := s.Repo.ListOrphanedReserves(ctx, s.DB, olderThan, limit)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, e := range entries {
		if e.JobID == nil || e.Delta >= 0 {
			continue
		}
		if _, err := s.Refund(ctx, e.AccountID, *e.JobID, -e.Delta, domain.ReasonJobRefund); err != nil {
			log.Error().Err(err).
				Str("account_id", e.AccountID).
				Str("job_id", *e.JobID).
				Msg("orphaned reserve refund failed")
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		log.Warn().Int("reclaimed", reclaimed).Msg("orphaned reserves refunded")
	}
	return reclaimed, nil
}

// Balance returns the account's current balance.
func (s *CreditService) Balance(ctx context.Context, accountID string) (*domain.Account, error) {
	acc, err := s.Repo.GetAccount(ctx, s.DB, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return acc, err
}

// Entries returns a page of the account's ledger entries in creation order,
// plus the total count. Defaults are applied for invalid page/pageSize.
func (s *CreditService) Entries(ctx context.Context, accountID string, page, pageSize int) ([]domain.LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountEntries(ctx, s.DB, accountID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.LedgerEntry{}, 0, nil
	}
	items, err := s.Repo.ListEntries(ctx, s.DB, accountID, offset, pageSize)
	return items, total, err
}

// jobPtr returns a pointer to jobID, or nil for the empty string.
func jobPtr(jobID string) *string {
	if jobID == "" {
		return nil
	}
	return &jobID
}
