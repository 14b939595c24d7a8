// Package services defines the business logic for credit accounting and the
// video-job lifecycle. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer. The insufficient-balance decline is not
// listed here: it travels as *repo.InsufficientBalanceError because callers
// need the observed balance and requested amount attached.
package services

import "errors"

var (
	// ErrAccountNotFound indicates the account has not been provisioned.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when provisioning an account that is
	// already present.
	ErrAccountExists = errors.New("account already exists")

	// ErrJobNotFound indicates the requested job does not exist or is not
	// accessible to the current account.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidAmount is returned when a credit operation is attempted with
	// a non-positive amount.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrDuplicatePurchase is returned when a purchase external reference was
	// already credited, independent of the request-level idempotency guard.
	ErrDuplicatePurchase = errors.New("purchase already processed")

	// ErrRequestInProgress is returned when a concurrent request bearing the
	// same idempotency key is still executing.
	ErrRequestInProgress = errors.New("request with this idempotency key is in progress")

	// ErrMissingIdempotencyKey is returned when Submit is called without a
	// client-supplied operation key.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)
