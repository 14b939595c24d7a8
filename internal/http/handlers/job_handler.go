// Video job HTTP handlers.
//
// This file exposes REST endpoints for job resources:
//   - POST   /jobs                  (submit, idempotent via Idempotency-Key)
//   - GET    /jobs/{id}             (fetch one job)
//   - POST   /jobs/{id}/reconcile   (poll provider, settle terminal state)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. The submission handler is a
// byte-for-byte relay of the service's cached response so that a retried
// request observes exactly what the first attempt produced.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/http/middleware"
	"github.com/reelkit/go-ledger-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// JobService defines job lifecycle operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type JobService interface {
	// Submit charges credits and dispatches a generation job under the given
	// idempotency key. Retries with the same key replay the cached response.
	Submit(ctx context.Context, accountID, key string, params json.RawMessage) (*services.SubmitResult, error)
	// Get returns a job owned by accountID.
	Get(ctx context.Context, accountID, jobID string) (*domain.Job, error)
	// Reconcile polls the provider and settles the job's terminal state.
	Reconcile(ctx context.Context, jobID string) (*domain.Job, error)
}

// CreditService defines account and ledger operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type CreditService interface {
	// Provision creates an account, seeding it with the signup grant.
	Provision(ctx context.Context, accountID string, initialGrant int64) (*domain.Account, error)
	// Balance returns the account with its current balance.
	Balance(ctx context.Context, accountID string) (*domain.Account, error)
	// Grant credits an account from a purchase, deduplicated by externalRef.
	Grant(ctx context.Context, accountID string, amount int64, reason string, externalRef *string) (*domain.LedgerEntry, error)
	// Entries returns a page of ledger entries for an account and the total count.
	Entries(ctx context.Context, accountID string, page, pageSize int) ([]domain.LedgerEntry, int64, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for jobs, accounts, and the credit ledger.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	jobSvc      JobService
	creditSvc   CreditService
	signupGrant int64
}

// New constructs and returns a Handlers instance bound to the given services.
// signupGrant is the number of credits seeded into newly provisioned accounts.
func New(jobSvc JobService, creditSvc CreditService, signupGrant int64) *Handlers {
	return &Handlers{jobSvc: jobSvc, creditSvc: creditSvc, signupGrant: signupGrant}
}

// accountID extracts the authenticated account id from Gin context (set by
// upstream middleware). If absent, it falls back to "X-User-ID" header (tests
// use it), and finally to "demo-account". It never touches c.Request if it's nil.
func accountID(c *gin.Context) string {
	if v, ok := c.Get("accountID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-account"
}

//
// DTOs
//

// SubmitJobRequest is the JSON payload for submitting a generation job. The
// fields are passed through to the pricing catalog and, on acceptance, to the
// provider verbatim.
type SubmitJobRequest struct {
	// Model selects the pricing tier (e.g., "standard", "pro", "fast").
	Model string `json:"model" binding:"required" example:"standard"`
	// DurationSec is the requested clip length in seconds. The field name
	// must match what the pricing catalog decodes, or the per-model duration
	// cap would never see the client's value.
	DurationSec int `json:"duration_seconds" binding:"required,min=1" example:"5"`
	// Resolution is the requested output resolution.
	Resolution string `json:"resolution" example:"720p"`
	// Prompt is the free-form generation prompt, relayed to the provider.
	Prompt string `json:"prompt" example:"a lighthouse at dusk"`
}

// JobResponse is the public projection of a job resource.
type JobResponse struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	CreditsCharged int64   `json:"credits_charged"`
	CatalogVersion string  `json:"catalog_version"`
	ResultRef      *string `json:"result_ref,omitempty"`
	FailureReason  *string `json:"failure_reason,omitempty"`
	CreatedAt      string  `json:"created_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

func jobResponse(j *domain.Job) JobResponse {
	resp := JobResponse{
		ID:             j.ID,
		Status:         j.Status,
		CreditsCharged: j.CreditsCharged,
		CatalogVersion: j.CatalogVersion,
		ResultRef:      j.ResultRef,
		FailureReason:  j.FailureReason,
		CreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

//
// Handlers
//

// SubmitJob godoc
// @ID          submitJob
// @Summary     Submit a video generation job
// @Description Charges credits and dispatches the job to the generation provider.
// @Description Requires an Idempotency-Key header; retries with the same key replay
// @Description the original response byte-for-byte without charging again.
// @Tags        Jobs
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Account ID"  example(acct-123)
// @Param       Idempotency-Key  header  string  true  "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.SubmitJobRequest  true  "Job parameters"
//
// @Success     201  {object}  handlers.JobResponse          "Job accepted"
// @Header      201  {string}  Idempotency-Replayed          "true when serving a cached replay"
// @Failure     400  {object}  handlers.ErrorResponse        "Invalid parameters or missing key"
// @Failure     402  {object}  handlers.ErrorResponse        "Insufficient credits"
// @Failure     409  {object}  handlers.ErrorResponse        "Request with this key in progress"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /jobs [post]
func (h *Handlers) SubmitJob(c *gin.Context) {
	ctx := c.Request.Context()

	key, _ := middleware.GetIdempotencyKey(c)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
	}
	if key == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Idempotency-Key header required")
		return
	}

	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	params, err := json.Marshal(req)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	res, err := h.jobSvc.Submit(ctx, accountID(c), key, params)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrMissingIdempotencyKey):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Idempotency-Key header required")
		case errors.Is(err, services.ErrRequestInProgress):
			fail(c, http.StatusConflict, ErrCodeInProgress, "a request with this idempotency key is still in progress")
		case errors.Is(err, services.ErrAccountNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, err.Error())
		}
		return
	}

	if res.Replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	c.Data(res.Status, "application/json; charset=utf-8", res.Body)
}

// GetJob godoc
// @ID          getJob
// @Summary     Fetch a job
// @Description Returns the current state of a job owned by the account.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Account ID"     example(acct-123)
// @Param       id         path    string  true  "Job ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.JobResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Job not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /jobs/{id} [get]
func (h *Handlers) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "job id must be a UUID")
		return
	}

	job, err := h.jobSvc.Get(c.Request.Context(), accountID(c), jobID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, jobResponse(job))
}

// ReconcileJob godoc
// @ID          reconcileJob
// @Summary     Reconcile a job against the provider
// @Description Polls the provider for the job's status and settles the terminal
// @Description state, issuing the compensating refund on failure. Safe to call
// @Description repeatedly; terminal jobs are returned unchanged.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Account ID"     example(acct-123)
// @Param       id         path    string  true  "Job ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.JobResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Job not found"
// @Failure     502  {object} handlers.ErrorResponse "Provider unreachable"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /jobs/{id}/reconcile [post]
func (h *Handlers) ReconcileJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "job id must be a UUID")
		return
	}

	// Ownership check before touching the provider.
	if _, err := h.jobSvc.Get(c.Request.Context(), accountID(c), jobID); err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	job, err := h.jobSvc.Reconcile(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "job not found")
			return
		}
		fail(c, http.StatusBadGateway, ErrCodeReconcileFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, jobResponse(job))
}
