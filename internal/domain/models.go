// Package domain defines the persistence models for accounts, ledger entries,
// and video-generation jobs. These types are mapped with GORM and form the
// core data layer of the credit ledger service.
package domain

import "time"

// Ledger entry reason codes. Every balance change carries exactly one of
// these; anything else is rejected before it reaches the ledger.
const (
	ReasonInitialGrant = "initial_grant"
	ReasonPurchase     = "purchase"
	ReasonJobReserve   = "job_reserve"
	ReasonJobRefund    = "job_refund"
)

// ValidReason reports whether a reason code is one of the enumerated values.
func ValidReason(r string) bool {
	switch r {
	case ReasonInitialGrant, ReasonPurchase, ReasonJobReserve, ReasonJobRefund:
		return true
	}
	return false
}

// Job lifecycle states. Jobs move pending → processing → completed|failed;
// completed and failed are terminal and never transition again.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// TerminalStatus reports whether a job status admits no further transitions.
func TerminalStatus(s string) bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Account holds a user's credit balance. Balances are mutated exclusively
// through ledger entries (repo.ApplyEntry); no code path assigns Balance
// directly outside that transaction.
//
// Fields:
//   - ID: external account identifier (provisioned by the identity service).
//   - Balance: current credits; the ledger guarantees Balance >= 0.
//   - LifetimeGranted: monotonic total of all credits ever granted
//     (initial grants and purchases), kept for analytics.
type Account struct {
	ID              string    `json:"id"               gorm:"type:varchar(64);primaryKey"`
	Balance         int64     `json:"balance"          gorm:"not null;default:0"`
	LifetimeGranted int64     `json:"lifetime_granted" gorm:"not null;default:0"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// LedgerEntry is the immutable audit record of one balance change. Rows are
// append-only: no code updates or deletes them, and corrections are expressed
// as new entries (e.g., a job_refund reversing a job_reserve).
//
// The integer primary key is the per-account ordering tiebreak: replaying all
// entries for an account in ID order reproduces its current balance exactly.
//
// Fields:
//   - Delta: signed credit change (negative = debit, positive = credit).
//   - Reason: one of the Reason* constants.
//   - JobID: set for job_reserve/job_refund entries, linking them to a job.
//   - ExternalRef: payment transaction reference for purchases; unique per
//     account so a resubmitted receipt cannot credit twice.
//   - BalanceAfter: account balance immediately after this entry applied.
type LedgerEntry struct {
	ID           int64     `json:"id"                     gorm:"primaryKey;autoIncrement"`
	AccountID    string    `json:"account_id"             gorm:"type:varchar(64);not null;index:idx_ledger_account;uniqueIndex:ux_ledger_account_extref,priority:1"`
	JobID        *string   `json:"job_id,omitempty"       gorm:"type:char(36);index:idx_ledger_job"`
	Delta        int64     `json:"delta"                  gorm:"not null"`
	Reason       string    `json:"reason"                 gorm:"type:varchar(32);not null;check:reason IN ('initial_grant','purchase','job_reserve','job_refund')"`
	ExternalRef  *string   `json:"external_ref,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_ledger_account_extref,priority:2"`
	BalanceAfter int64     `json:"balance_after"          gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for LedgerEntry.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// Job represents one video-generation attempt and its state machine.
//
// Fields:
//   - Params: the requested generation parameters, stored as the raw JSON the
//     client sent. The ledger treats it as opaque; only the pricing catalog
//     interprets it.
//   - CreditsCharged: cost fixed at creation from the catalog. A job never has
//     CreditsCharged > 0 without a matching job_reserve ledger entry.
//   - CatalogVersion: version of the catalog that priced this job, so the
//     charge is reproducible from the row alone.
//   - ProviderRef: the external provider's job reference, nil until the
//     provider accepted the submission.
//   - ResultRef: reference to the finished media, set on completion.
//   - FailureReason: human-readable reason, set when status is failed.
type Job struct {
	ID             string     `json:"id"                       gorm:"type:char(36);primaryKey"`
	AccountID      string     `json:"account_id"               gorm:"type:varchar(64);not null;index:idx_jobs_account"`
	Params         string     `json:"params"                   gorm:"type:text;not null"`
	Status         string     `json:"status"                   gorm:"type:varchar(16);not null;index:idx_jobs_status;check:status IN ('pending','processing','completed','failed')"`
	CreditsCharged int64      `json:"credits_charged"          gorm:"not null"`
	CatalogVersion string     `json:"catalog_version"          gorm:"type:varchar(32);not null"`
	ProviderRef    *string    `json:"provider_ref,omitempty"   gorm:"type:varchar(128);index"`
	ResultRef      *string    `json:"result_ref,omitempty"     gorm:"type:varchar(256)"`
	FailureReason  *string    `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }
