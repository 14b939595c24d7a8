// Package domain defines the core persistence models for the application.
// This file holds the idempotency model used to deduplicate client-retried
// mutating requests.
package domain

import "time"

// IdempotencyRecord stores the outcome of a previously processed request,
// keyed by (account_id, key). It enables safe retries for POST operations by
// returning the originally produced response without re-executing side
// effects.
//
// A row is first inserted as a placeholder (ResponseStatus == 0) before the
// operation runs, so two concurrent requests with the same key cannot both
// proceed; the unique index arbitrates. Once the operation finishes, the row
// is committed with the final response and is read-only until ExpiresAt.
type IdempotencyRecord struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	AccountID      string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_idem_account_key,priority:1"`
	Key            string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_idem_account_key,priority:2"`
	JobID          *string   `gorm:"type:char(36)"`
	ResponseBody   []byte    `gorm:"type:blob"`
	ResponseStatus int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency" }

// Committed reports whether the record holds a finished response (as opposed
// to an in-flight placeholder).
func (r *IdempotencyRecord) Committed() bool { return r.ResponseStatus != 0 }

// Expired reports whether the record's retention window has passed at t.
func (r *IdempotencyRecord) Expired(t time.Time) bool { return !r.ExpiresAt.After(t) }
