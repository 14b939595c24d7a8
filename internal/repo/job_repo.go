// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Job model.
//
// Jobs follow a strict state machine (pending → processing → completed or
// failed). The transition helpers here enforce the legal source state in the
// UPDATE's WHERE clause, so a job that has already reached a terminal state
// can never be moved again, no matter how often a caller retries.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/reelkit/go-ledger-backend/internal/domain"
)

// ErrInvalidTransition is returned when a job transition helper finds the job
// not in the expected source state (e.g., completing a job that already
// failed).
var ErrInvalidTransition = errors.New("job not in a transitionable state")

// CreateJob inserts a new pending Job row under the caller-supplied ID. The
// orchestrator generates the ID before reserving credits so the job_reserve
// ledger entry can reference the job it pays for.
func CreateJob(ctx context.Context, db *gorm.DB, id, accountID, params string, creditsCharged int64, catalogVersion string) (*domain.Job, error) {
	now := time.Now().UTC()
	j := &domain.Job{
		ID:             id,
		AccountID:      accountID,
		Params:         params,
		Status:         domain.JobStatusPending,
		CreditsCharged: creditsCharged,
		CatalogVersion: catalogVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob fetches a job by ID, or ErrNotFound if missing.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	var j domain.Job
	err := db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetAccountJob fetches a job by ID ensuring it belongs to the account.
func GetAccountJob(ctx context.Context, db *gorm.DB, id, accountID string) (*domain.Job, error) {
	var j domain.Job
	err := db.WithContext(ctx).First(&j, "id = ? AND account_id = ?", id, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListProcessingJobs returns up to limit jobs currently in the processing
// state, oldest first. Used by the background reconciler.
func ListProcessingJobs(ctx context.Context, db *gorm.DB, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := db.WithContext(ctx).
		Where("status = ?", domain.JobStatusProcessing).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListStalePendingJobs returns up to limit pending jobs created before
// olderThan, oldest first. These are submissions that died before the
// provider handoff completed; the background reconciler fails and refunds
// them.
func ListStalePendingJobs(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.JobStatusPending, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkJobProcessing transitions pending → processing and records the
// provider's job reference. Returns ErrInvalidTransition if the job was not
// pending.
func MarkJobProcessing(ctx context.Context, db *gorm.DB, id, providerRef string) error {
	return transition(ctx, db, id, domain.JobStatusPending, map[string]any{
		"status":       domain.JobStatusProcessing,
		"provider_ref": providerRef,
		"updated_at":   time.Now().UTC(),
	})
}

// MarkJobCompleted transitions processing → completed and records the result
// reference and completion time.
func MarkJobCompleted(ctx context.Context, db *gorm.DB, id, resultRef string) error {
	now := time.Now().UTC()
	return transition(ctx, db, id, domain.JobStatusProcessing, map[string]any{
		"status":       domain.JobStatusCompleted,
		"result_ref":   resultRef,
		"updated_at":   now,
		"completed_at": now,
	})
}

// MarkJobFailed transitions the job to failed from the given source state,
// recording the failure reason and completion time.
func MarkJobFailed(ctx context.Context, db *gorm.DB, id, fromStatus, reason string) error {
	now := time.Now().UTC()
	return transition(ctx, db, id, fromStatus, map[string]any{
		"status":         domain.JobStatusFailed,
		"failure_reason": reason,
		"updated_at":     now,
		"completed_at":   now,
	})
}

// transition applies updates to the job only when it is in fromStatus. The
// state check lives in the WHERE clause so concurrent transitions cannot both
// win.
func transition(ctx context.Context, db *gorm.DB, id, fromStatus string, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either the job does not exist or it already left fromStatus.
		var n int64
		if err := db.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}
