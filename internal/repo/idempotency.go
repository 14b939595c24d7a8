// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the idempotency guard used to
// deduplicate client-retried mutating requests.
//
// Protocol:
//  1. CheckOrReserve inserts a placeholder row keyed by (account_id, key).
//     The unique index arbitrates concurrent requests bearing the same key:
//     exactly one caller observes fresh=true, the rest get either the cached
//     response (if one was committed) or ErrInProgress.
//  2. The caller performs its side effects, then CommitIdempotency stores the
//     final response against the key. Future replays are served from it until
//     the record expires.
//  3. A crash between the two steps leaves a placeholder behind; placeholders
//     older than pendingTimeout are taken over by the next retry instead of
//     wedging the key forever.
//
// Expired rows are reclaimed by a background sweep (DeleteExpired), never
// synchronously on the lookup path.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelkit/go-ledger-backend/internal/domain"
)

// ErrInProgress indicates that another request bearing the same idempotency
// key is currently executing. Callers should surface this as a retryable
// conflict rather than running the operation a second time.
var ErrInProgress = errors.New("request in progress")

// CheckOrReserve looks up the idempotency key for the account and either
// returns the committed record to replay (fresh=false) or reserves the key
// with a placeholder row (fresh=true). Expired committed records and stale
// placeholders are taken over in place; losing a takeover race reports
// ErrInProgress.
func CheckOrReserve(ctx context.Context, db *gorm.DB, accountID, key string, now time.Time, ttl, pendingTimeout time.Duration) (*domain.IdempotencyRecord, bool, error) {
	placeholder := &domain.IdempotencyRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Create(placeholder).Error
	if err == nil {
		return placeholder, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}

	// Key exists: replay, takeover, or conflict.
	var rec domain.IdempotencyRecord
	if err := db.WithContext(ctx).
		First(&rec, "account_id = ? AND key = ?", accountID, key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Row vanished between insert and read (swept); treat as conflict
			// and let the client retry.
			return nil, false, ErrInProgress
		}
		return nil, false, err
	}

	if rec.Committed() {
		if !rec.Expired(now) {
			return &rec, false, nil
		}
		// Committed but past retention: the key is reusable.
		return takeover(ctx, db, &rec, now, ttl)
	}

	// Live placeholder: either a concurrent request is mid-flight, or a crash
	// left it behind and the pending window has elapsed.
	if rec.Expired(now) || now.Sub(rec.CreatedAt) >= pendingTimeout {
		return takeover(ctx, db, &rec, now, ttl)
	}
	return nil, false, ErrInProgress
}

// takeover resets an expired or stale record back to placeholder state. The
// WHERE clause is conditional on the state the caller observed, so two
// concurrent takeovers cannot both succeed.
func takeover(ctx context.Context, db *gorm.DB, rec *domain.IdempotencyRecord, now time.Time, ttl time.Duration) (*domain.IdempotencyRecord, bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("id = ? AND response_status = ? AND created_at = ?", rec.ID, rec.ResponseStatus, rec.CreatedAt).
		Updates(map[string]any{
			"response_status": 0,
			"response_body":   nil,
			"job_id":          nil,
			"created_at":      now,
			"expires_at":      now.Add(ttl),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, ErrInProgress
	}
	fresh := *rec
	fresh.ResponseStatus = 0
	fresh.ResponseBody = nil
	fresh.JobID = nil
	fresh.CreatedAt = now
	fresh.ExpiresAt = now.Add(ttl)
	return &fresh, true, nil
}

// CommitIdempotency stores the final response against a reserved key. The
// record becomes read-only until expiry and is served on every replay.
func CommitIdempotency(ctx context.Context, db *gorm.DB, id string, status int, body []byte, jobID *string) error {
	res := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"response_status": status,
			"response_body":   body,
			"job_id":          jobID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIdempotency returns the committed, unexpired record for (accountID, key),
// or ErrNotFound. Placeholders are not returned: a reserved-but-uncommitted
// key has no response to replay yet.
func GetIdempotency(ctx context.Context, db *gorm.DB, accountID, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	if err := db.WithContext(ctx).
		First(&rec, "account_id = ? AND key = ?", accountID, key).Error; err != nil {
		return nil, err
	}
	if !rec.Committed() || rec.Expired(now) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// DeleteExpired removes idempotency records whose retention window passed.
// Invoked by the background sweeper only, never on the request hot path.
func DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
