// Package services – JobService
//
// This file implements the job orchestrator: it owns the video-generation
// state machine (pending → processing → completed | failed) and coordinates
// the idempotency guard, the credit service, and the external provider
// gateway around the compensating-refund pattern.
//
// The core correctness property: every path that debits credits has exactly
// one matching path that either keeps the debit (success) or reverses it
// exactly once (failure). A job never lands in failed without its refund, and
// never receives two refunds.
//
// The reserve transaction commits and releases its lock before the provider
// call begins, so the provider is never invoked while a balance lock is held.
// That is why a gateway failure requires an explicit compensating refund
// rather than a rollback of an open transaction.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/pricing"
	"github.com/reelkit/go-ledger-backend/internal/provider"
	"github.com/reelkit/go-ledger-backend/internal/repo"
)

// JobRepo defines the repository contract required by JobService.
type JobRepo interface {
	// CreateJob inserts a pending job row under the caller-supplied ID.
	CreateJob(ctx context.Context, db *gorm.DB, id, accountID, params string, creditsCharged int64, catalogVersion string) (*domain.Job, error)

	// GetJob fetches a job by ID.
	GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error)

	// GetAccountJob fetches a job by ID ensuring it belongs to the account.
	GetAccountJob(ctx context.Context, db *gorm.DB, id, accountID string) (*domain.Job, error)

	// MarkJobProcessing transitions pending → processing with the provider reference.
	MarkJobProcessing(ctx context.Context, db *gorm.DB, id, providerRef string) error

	// MarkJobCompleted transitions processing → completed with the result reference.
	MarkJobCompleted(ctx context.Context, db *gorm.DB, id, resultRef string) error

	// MarkJobFailed transitions fromStatus → failed with a reason.
	MarkJobFailed(ctx context.Context, db *gorm.DB, id, fromStatus, reason string) error

	// RefundExists reports whether a job_refund entry exists for the job.
	RefundExists(ctx context.Context, db *gorm.DB, jobID string) (bool, error)
}

// IdempotencyRepo defines the guard contract required by JobService.
type IdempotencyRepo interface {
	// CheckOrReserve returns the committed record to replay, or reserves the
	// key with a placeholder (fresh=true).
	CheckOrReserve(ctx context.Context, db *gorm.DB, accountID, key string, now time.Time, ttl, pendingTimeout time.Duration) (*domain.IdempotencyRecord, bool, error)

	// Commit stores the final response against a reserved key.
	Commit(ctx context.Context, db *gorm.DB, id string, status int, body []byte, jobID *string) error
}

// CreditAccounting is the slice of CreditService the orchestrator needs.
type CreditAccounting interface {
	Reserve(ctx context.Context, accountID, jobID string, amount int64, reason string) (*domain.LedgerEntry, error)
	Refund(ctx context.Context, accountID, jobID string, amount int64, reason string) (*domain.LedgerEntry, error)
	ReclaimOrphanedReserves(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// PriceResolver resolves opaque generation parameters to a credit cost.
type PriceResolver interface {
	Resolve(params []byte) (pricing.Price, error)
}

// JobService drives the job state machine. It is safe for concurrent use.
type JobService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Jobs is the job repository.
	Jobs JobRepo
	// Idem is the idempotency guard repository.
	Idem IdempotencyRepo
	// Credits performs the reserve/refund ledger operations.
	Credits CreditAccounting
	// Gateway is the external generation provider.
	Gateway provider.Gateway
	// Prices resolves request parameters to a credit cost.
	Prices PriceResolver

	// IdempotencyTTL is the retention window for committed idempotency records.
	IdempotencyTTL time.Duration
	// PendingTimeout bounds the "reserved but uncommitted" guard state after
	// a crash; a retry past this window is treated as fresh. The same window
	// bounds a job row stuck in pending: past it, Reconcile fails the job and
	// returns its debit.
	PendingTimeout time.Duration
	// ProviderTimeout bounds each individual gateway call.
	ProviderTimeout time.Duration
}

// SubmitResult is the outcome of a Submit call. Body is the exact payload to
// return to the client; replays return the originally cached bytes
// unchanged.
type SubmitResult struct {
	Status   int
	Body     json.RawMessage
	Replayed bool
}

// submitAccepted is the cacheable envelope for a submission that produced a
// job (whether it ended up processing or already failed terminally).
type submitAccepted struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	CreditsCharged int64  `json:"credits_charged"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// submitDeclined is the cacheable envelope for a declined submission.
type submitDeclined struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	Balance  *int64 `json:"balance,omitempty"`
	Required *int64 `json:"required,omitempty"`
}

// Submit processes one generation request under the client-supplied
// idempotency key:
//
//  1. Guard check: a replayed key returns the cached response immediately;
//     this is the central anti-double-charge mechanism.
//  2. Price resolution via the versioned catalog.
//  3. Credit reserve; an insufficient balance is itself a valid, cacheable
//     outcome and is committed to the guard before returning.
//  4. Job insert; if it fails after a successful reserve, a compensating
//     refund is issued before the error surfaces.
//  5. Provider submission; failure transitions the job to failed and issues
//     exactly one compensating refund.
//  6. The final response is committed to the guard.
func (s *JobService) Submit(ctx context.Context, accountID, key string, params json.RawMessage) (*SubmitResult, error) {
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}

	now := time.Now().UTC()
	rec, fresh, err := s.Idem.CheckOrReserve(ctx, s.DB, accountID, key, now, s.IdempotencyTTL, s.PendingTimeout)
	if err != nil {
		if errors.Is(err, repo.ErrInProgress) {
			return nil, ErrRequestInProgress
		}
		return nil, err
	}
	if !fresh {
		idempotentReplaysTotal.Inc()
		return &SubmitResult{Status: rec.ResponseStatus, Body: rec.ResponseBody, Replayed: true}, nil
	}

	// The guard admitted the request: from here the operation runs to a
	// terminal state even if the caller goes away. Cancellation means the
	// caller gave up on the response, not that the operation is retracted;
	// the refund path must never be skippable by a disconnect.
	ctx = context.WithoutCancel(ctx)

	price, err := s.Prices.Resolve(params)
	if err != nil {
		body := submitDeclined{Error: "InvalidParams", Message: err.Error()}
		return s.commit(ctx, rec, http.StatusBadRequest, body, nil)
	}

	jobID := uuid.NewString()

	if _, err := s.Credits.Reserve(ctx, accountID, jobID, price.Credits, domain.ReasonJobReserve); err != nil {
		var ib *repo.InsufficientBalanceError
		if errors.As(err, &ib) {
			body := submitDeclined{
				Error:    "InsufficientCredits",
				Balance:  &ib.Balance,
				Required: &ib.Required,
			}
			return s.commit(ctx, rec, http.StatusPaymentRequired, body, nil)
		}
		// Transient or account errors are not committed; the placeholder is
		// bounded by PendingTimeout, so a retry with the same key re-executes.
		return nil, fmt.Errorf("reserve credits: %w", err)
	}

	job, err := s.Jobs.CreateJob(ctx, s.DB, jobID, accountID, string(params), price.Credits, price.CatalogVersion)
	if err != nil {
		// The reserve already committed; reverse it before surfacing the
		// error. This is the one place a failure between reserve and insert
		// must not silently consume credits.
		if _, rerr := s.Credits.Refund(ctx, accountID, jobID, price.Credits, domain.ReasonJobRefund); rerr != nil {
			log.Error().Err(rerr).
				Str("account_id", accountID).
				Str("job_id", jobID).
				Msg("compensating refund failed after job insert error")
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	jobTransitionsTotal.WithLabelValues(domain.JobStatusPending).Inc()

	pctx, cancel := context.WithTimeout(ctx, s.ProviderTimeout)
	providerRef, perr := s.Gateway.SubmitJob(pctx, params)
	cancel()
	if perr != nil {
		return s.failSubmission(ctx, rec, job, perr)
	}

	if err := s.Jobs.MarkJobProcessing(ctx, s.DB, jobID, providerRef); err != nil {
		// The provider accepted the job but the transition was lost, and with
		// it the provider reference. The row stays pending; once it ages past
		// PendingTimeout the reconciler fails it and returns the debit.
		// Surface the error without committing the guard.
		return nil, fmt.Errorf("mark job processing: %w", err)
	}
	jobTransitionsTotal.WithLabelValues(domain.JobStatusProcessing).Inc()

	log.Info().
		Str("account_id", accountID).
		Str("job_id", jobID).
		Str("provider_ref", providerRef).
		Int64("credits", price.Credits).
		Str("catalog_version", price.CatalogVersion).
		Msg("job submitted")

	body := submitAccepted{
		JobID:          jobID,
		Status:         domain.JobStatusProcessing,
		CreditsCharged: price.Credits,
	}
	return s.commit(ctx, rec, http.StatusCreated, body, &jobID)
}

// failSubmission handles a provider rejection of the initial submission:
// the job transitions pending → failed, the reserve is reversed exactly once,
// and the failed-job response is cached. The failure is surfaced as a failed
// job, not as an HTTP-level error.
func (s *JobService) failSubmission(ctx context.Context, rec *domain.IdempotencyRecord, job *domain.Job, perr error) (*SubmitResult, error) {
	reason := "provider submission failed: " + perr.Error()
	if err := s.Jobs.MarkJobFailed(ctx, s.DB, job.ID, domain.JobStatusPending, reason); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("mark job failed")
	} else {
		jobTransitionsTotal.WithLabelValues(domain.JobStatusFailed).Inc()
	}

	job.Status = domain.JobStatusFailed
	job.FailureReason = &reason
	if err := s.ensureRefund(ctx, job); err != nil {
		// Refund issuance outranks prompt error reporting: keep the guard
		// uncommitted so Reconcile (or a stale-placeholder retry) can repair,
		// and surface the infrastructure error.
		return nil, fmt.Errorf("refund after provider failure: %w", err)
	}

	log.Warn().
		Str("account_id", job.AccountID).
		Str("job_id", job.ID).
		Str("reason", reason).
		Msg("job failed at submission, credits returned")

	body := submitAccepted{
		JobID:          job.ID,
		Status:         domain.JobStatusFailed,
		CreditsCharged: job.CreditsCharged,
		FailureReason:  reason,
	}
	return s.commit(ctx, rec, http.StatusCreated, body, &job.ID)
}

// commit marshals the final response, stores it against the guard record, and
// returns it. A failed guard write is logged but does not void the completed
// operation.
func (s *JobService) commit(ctx context.Context, rec *domain.IdempotencyRecord, status int, v any, jobID *string) (*SubmitResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := s.Idem.Commit(ctx, s.DB, rec.ID, status, b, jobID); err != nil {
		log.Error().Err(err).Str("idempotency_id", rec.ID).Msg("idempotency commit failed")
	}
	return &SubmitResult{Status: status, Body: b}, nil
}

// Get fetches a job by ID, ensuring it belongs to the account.
func (s *JobService) Get(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	job, err := s.Jobs.GetAccountJob(ctx, s.DB, jobID, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Reconcile drives a job toward its terminal state based on the provider's
// reported status. It is invoked by the status-poll endpoint and by the
// background reconciler, and is safe to call any number of times: terminal
// states are never re-entered, and the refund check makes the
// failure-compensation idempotent.
func (s *JobService) Reconcile(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.Jobs.GetJob(ctx, s.DB, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		return job, nil
	case domain.JobStatusFailed:
		// Repair path: a crash may have failed the job before its refund
		// landed. ensureRefund is a no-op when the refund already exists.
		if err := s.ensureRefund(ctx, job); err != nil {
			return nil, fmt.Errorf("repair refund: %w", err)
		}
		return job, nil
	case domain.JobStatusPending:
		// Submission still in flight (or crashed before the provider call);
		// there is no provider reference to poll yet. Within the pending
		// window that is normal. Past it the submission is dead: its process
		// is gone and nothing will ever advance the row, so fail the job and
		// return the debit.
		if s.PendingTimeout > 0 && time.Now().UTC().Sub(job.CreatedAt) > s.PendingTimeout {
			return s.failAbandoned(ctx, job)
		}
		return job, nil
	}

	// processing: ask the provider. Run to a terminal decision even if the
	// caller disconnects mid-poll.
	ctx = context.WithoutCancel(ctx)
	if job.ProviderRef == nil {
		return nil, fmt.Errorf("job %s processing without provider ref", job.ID)
	}

	pctx, cancel := context.WithTimeout(ctx, s.ProviderTimeout)
	res, err := s.Gateway.PollStatus(pctx, *job.ProviderRef)
	cancel()
	if err != nil {
		// Unknown outcome; leave the job processing and let the caller (or
		// the background reconciler) retry.
		return nil, fmt.Errorf("poll provider: %w", err)
	}

	switch res.State {
	case provider.StateCompleted:
		err := s.Jobs.MarkJobCompleted(ctx, s.DB, job.ID, res.ResultRef)
		switch {
		case err == nil:
			jobTransitionsTotal.WithLabelValues(domain.JobStatusCompleted).Inc()
			log.Info().Str("job_id", job.ID).Str("result_ref", res.ResultRef).Msg("job completed")
		case errors.Is(err, repo.ErrInvalidTransition):
			// A concurrent Reconcile won; fall through to reload.
		default:
			return nil, err
		}

	case provider.StateFailed:
		err := s.Jobs.MarkJobFailed(ctx, s.DB, job.ID, domain.JobStatusProcessing, res.Reason)
		switch {
		case err == nil:
			jobTransitionsTotal.WithLabelValues(domain.JobStatusFailed).Inc()
			job.Status = domain.JobStatusFailed
			// Full refund, same as an immediate submission failure. The
			// refund-exists check keeps a second Reconcile of the same
			// terminal transition from paying out twice.
			if rerr := s.ensureRefund(ctx, job); rerr != nil {
				return nil, fmt.Errorf("refund after provider failure: %w", rerr)
			}
			log.Warn().Str("job_id", job.ID).Str("reason", res.Reason).Msg("job failed, credits returned")
		case errors.Is(err, repo.ErrInvalidTransition):
			// A concurrent Reconcile already finalized the job.
		default:
			return nil, err
		}

	case provider.StateProcessing:
		return job, nil
	}

	return s.Jobs.GetJob(ctx, s.DB, job.ID)
}

// failAbandoned finalizes a job that sat in pending past the allowed window:
// pending → failed, then the compensating refund. A concurrent submission
// that wins the transition race is tolerated; the reload at the end reports
// whatever state the job actually reached.
func (s *JobService) failAbandoned(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	const reason = "submission abandoned before provider handoff completed"
	err := s.Jobs.MarkJobFailed(ctx, s.DB, job.ID, domain.JobStatusPending, reason)
	switch {
	case err == nil:
		jobTransitionsTotal.WithLabelValues(domain.JobStatusFailed).Inc()
		job.Status = domain.JobStatusFailed
		if rerr := s.ensureRefund(ctx, job); rerr != nil {
			return nil, fmt.Errorf("refund abandoned job: %w", rerr)
		}
		log.Warn().
			Str("account_id", job.AccountID).
			Str("job_id", job.ID).
			Msg("stale pending job failed, credits returned")
	case errors.Is(err, repo.ErrInvalidTransition):
		// The original submission advanced the job after we loaded it.
	default:
		return nil, err
	}
	return s.Jobs.GetJob(ctx, s.DB, job.ID)
}

// ReclaimOrphanedReserves refunds reserve debits whose job row never landed,
// the residue of a crash between the ledger reserve and the job insert. No
// job row means no state machine to drive, so the repair lives on the credit
// side; this method exists so the background reconciler can reach it through
// the orchestrator it already holds.
func (s *JobService) ReclaimOrphanedReserves(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	return s.Credits.ReclaimOrphanedReserves(ctx, olderThan, limit)
}

// ensureRefund issues the compensating refund for a failed job unless one is
// already recorded or no credits were ever charged.
func (s *JobService) ensureRefund(ctx context.Context, job *domain.Job) error {
	if job.CreditsCharged <= 0 {
		return nil
	}
	exists, err := s.Jobs.RefundExists(ctx, s.DB, job.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.Credits.Refund(ctx, job.AccountID, job.ID, job.CreditsCharged, domain.ReasonJobRefund)
	return err
}
