// Account and ledger HTTP handlers.
//
// This file exposes REST endpoints for credit accounting:
//   - POST   /accounts        (provision an account with the signup grant)
//   - GET    /balance         (current balance)
//   - GET    /ledger          (ledger entries, paginated)
//   - POST   /credits/grant   (credit a purchase, deduplicated by external ref)
//
// Handlers are transport-thin: they validate input, call the credit service,
// and translate results into HTTP responses.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/services"
	"github.com/reelkit/go-ledger-backend/internal/utils"
)

//
// DTOs
//

// CreateAccountRequest is the JSON payload for provisioning an account.
type CreateAccountRequest struct {
	// AccountID optionally names the account; the X-User-ID header is used when empty.
	AccountID string `json:"account_id" example:"acct-123"`
}

// GrantCreditsRequest is the JSON payload for crediting a purchase.
type GrantCreditsRequest struct {
	// Amount is the number of credits to add (must be positive).
	Amount int64 `json:"amount" binding:"required,min=1" example:"50"`
	// ExternalRef identifies the purchase (e.g., a payment intent id). The
	// same reference is never credited twice.
	ExternalRef string `json:"external_ref" binding:"required" example:"pi_3PqrStUvWxYz"`
}

// BalanceResponse reports an account's current balance.
type BalanceResponse struct {
	AccountID       string `json:"account_id"`
	Balance         int64  `json:"balance"`
	LifetimeGranted int64  `json:"lifetime_granted"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListLedgerResponse wraps a page of ledger entries and pagination information.
type ListLedgerResponse struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	Pagination Pagination           `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// CreateAccount godoc
// @ID          createAccount
// @Summary     Provision an account
// @Description Creates a credit account seeded with the signup grant and returns it.
// @Tags        Accounts
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Account ID (demo header)"  example(acct-123)
// @Param       body       body    handlers.CreateAccountRequest  false  "Provision payload"
//
// @Success     201  {object}  handlers.BalanceResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Account already exists"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /accounts [post]
func (h *Handlers) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	// Body is optional; a bare POST provisions the header identity.
	_ = c.ShouldBindJSON(&req)

	id := strings.TrimSpace(req.AccountID)
	if id == "" {
		id = accountID(c)
	}

	acct, err := h.creditSvc.Provision(c.Request.Context(), id, h.signupGrant)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAccountExists):
			fail(c, http.StatusConflict, ErrCodeConflict, "account already exists")
		case errors.Is(err, services.ErrInvalidAmount):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "account id required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, BalanceResponse{
		AccountID:       acct.ID,
		Balance:         acct.Balance,
		LifetimeGranted: acct.LifetimeGranted,
	})
}

// GetBalance godoc
// @ID          getBalance
// @Summary     Get current balance
// @Description Returns the account's credit balance from the materialized counter.
// @Tags        Accounts
// @Produce     json
//
// @Param       X-User-ID  header  string  true "Account ID"  example(acct-123)
//
// @Success     200  {object} handlers.BalanceResponse
// @Failure     404  {object} handlers.ErrorResponse "Account not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /balance [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	acct, err := h.creditSvc.Balance(c.Request.Context(), accountID(c))
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, BalanceResponse{
		AccountID:       acct.ID,
		Balance:         acct.Balance,
		LifetimeGranted: acct.LifetimeGranted,
	})
}

// ListLedger godoc
// @ID          listLedger
// @Summary     List ledger entries (paginated)
// @Description Returns the account's ledger entries in chronological order.
// @Tags        Accounts
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Account ID"      example(acct-123)
// @Param       page       query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListLedgerResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /ledger [get]
func (h *Handlers) ListLedger(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.creditSvc.Entries(c.Request.Context(), accountID(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListLedgerResponse{
		Entries: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}

// GrantCredits godoc
// @ID          grantCredits
// @Summary     Credit a purchase
// @Description Adds purchased credits to the account. The external reference
// @Description deduplicates retried webhook deliveries: a reference that was
// @Description already credited returns 409 without changing the balance.
// @Tags        Accounts
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Account ID"  example(acct-123)
// @Param       body       body    handlers.GrantCreditsRequest  true  "Purchase payload"
//
// @Success     201  {object}  domain.LedgerEntry
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Account not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Purchase already processed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /credits/grant [post]
func (h *Handlers) GrantCredits(c *gin.Context) {
	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "amount and external_ref required")
		return
	}
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "amount and external_ref required")
		return
	}

	entry, err := h.creditSvc.Grant(c.Request.Context(), accountID(c), req.Amount, domain.ReasonPurchase, &ref)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDuplicatePurchase):
			fail(c, http.StatusConflict, ErrCodeDuplicatePurchase, "purchase already processed")
		case errors.Is(err, services.ErrAccountNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
		case errors.Is(err, services.ErrInvalidAmount):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "amount must be positive")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, entry)
}
