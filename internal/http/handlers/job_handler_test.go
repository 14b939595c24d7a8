package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/services"
)

// ----- Fakes -----

type fakeJobSvc struct {
	submitAccount string
	submitKey     string
	submitParams  json.RawMessage
	submitRes     *services.SubmitResult
	submitErr     error

	getAccount string
	getJobID   string
	getJob     *domain.Job
	getErr     error

	reconcileID  string
	reconcileJob *domain.Job
	reconcileErr error
}

func (f *fakeJobSvc) Submit(ctx context.Context, accountID, key string, params json.RawMessage) (*services.SubmitResult, error) {
	f.submitAccount, f.submitKey, f.submitParams = accountID, key, params
	return f.submitRes, f.submitErr
}

func (f *fakeJobSvc) Get(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	f.getAccount, f.getJobID = accountID, jobID
	return f.getJob, f.getErr
}

func (f *fakeJobSvc) Reconcile(ctx context.Context, jobID string) (*domain.Job, error) {
	f.reconcileID = jobID
	return f.reconcileJob, f.reconcileErr
}

type fakeCreditSvc struct {
	provisionID    string
	provisionGrant int64
	provisionAcct  *domain.Account
	provisionErr   error

	balanceAcct *domain.Account
	balanceErr  error

	grantAmount int64
	grantReason string
	grantRef    *string
	grantEntry  *domain.LedgerEntry
	grantErr    error

	entriesPage     int
	entriesPageSize int
	entriesItems    []domain.LedgerEntry
	entriesTotal    int64
	entriesErr      error
}

func (f *fakeCreditSvc) Provision(ctx context.Context, accountID string, initialGrant int64) (*domain.Account, error) {
	f.provisionID, f.provisionGrant = accountID, initialGrant
	return f.provisionAcct, f.provisionErr
}

func (f *fakeCreditSvc) Balance(ctx context.Context, accountID string) (*domain.Account, error) {
	return f.balanceAcct, f.balanceErr
}

func (f *fakeCreditSvc) Grant(ctx context.Context, accountID string, amount int64, reason string, externalRef *string) (*domain.LedgerEntry, error) {
	f.grantAmount, f.grantReason, f.grantRef = amount, reason, externalRef
	return f.grantEntry, f.grantErr
}

func (f *fakeCreditSvc) Entries(ctx context.Context, accountID string, page, pageSize int) ([]domain.LedgerEntry, int64, error) {
	f.entriesPage, f.entriesPageSize = page, pageSize
	return f.entriesItems, f.entriesTotal, f.entriesErr
}

func newTestRouter(jobSvc *fakeJobSvc, creditSvc *fakeCreditSvc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(jobSvc, creditSvc, 10)
	r := gin.New()
	r.POST("/accounts", h.CreateAccount)
	r.GET("/balance", h.GetBalance)
	r.GET("/ledger", h.ListLedger)
	r.POST("/credits/grant", h.GrantCredits)
	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/reconcile", h.ReconcileJob)
	return r
}

func doJSON(r *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, w.Body.String())
	}
	return e
}

const testJobID = "b2f1c9a0-0000-4000-8000-000000000001"

// ----- SubmitJob -----

func TestSubmitJob_RelaysServiceResponse(t *testing.T) {
	js := &fakeJobSvc{submitRes: &services.SubmitResult{
		Status: http.StatusCreated,
		Body:   json.RawMessage(`{"job_id":"` + testJobID + `","status":"processing","credits_charged":5}`),
	}}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodPost, "/jobs", `{"model":"standard","duration_seconds":5,"prompt":"a cat"}`, map[string]string{
		"X-User-ID":       "acct-1",
		"Idempotency-Key": "k1",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if js.submitAccount != "acct-1" || js.submitKey != "k1" {
		t.Fatalf("service called with (%q, %q)", js.submitAccount, js.submitKey)
	}
	var params map[string]any
	if err := json.Unmarshal(js.submitParams, &params); err != nil {
		t.Fatalf("params not JSON: %v", err)
	}
	if params["model"] != "standard" || params["prompt"] != "a cat" {
		t.Fatalf("params = %v", params)
	}
	if w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatal("fresh response must not carry the replay header")
	}
	if !strings.Contains(w.Body.String(), testJobID) {
		t.Fatalf("body not relayed: %s", w.Body.String())
	}
}

func TestSubmitJob_ReplayedSetsHeader(t *testing.T) {
	js := &fakeJobSvc{submitRes: &services.SubmitResult{
		Status:   http.StatusCreated,
		Body:     json.RawMessage(`{"job_id":"` + testJobID + `"}`),
		Replayed: true,
	}}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodPost, "/jobs", `{"model":"standard","duration_seconds":5}`, map[string]string{
		"Idempotency-Key": "k1",
	})

	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay header = %q, want true", w.Header().Get("Idempotency-Replayed"))
	}
}

func TestSubmitJob_MissingKey(t *testing.T) {
	js := &fakeJobSvc{}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodPost, "/jobs", `{"model":"standard","duration_seconds":5}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if js.submitKey != "" {
		t.Fatal("service must not be called without a key")
	}
}

func TestSubmitJob_InvalidBody(t *testing.T) {
	r := newTestRouter(&fakeJobSvc{}, &fakeCreditSvc{})

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{model:}`},
		{"missing model", `{"duration_seconds":5}`},
		{"zero duration", `{"model":"standard","duration_seconds":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/jobs", tc.body, map[string]string{"Idempotency-Key": "k1"})
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestSubmitJob_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"in progress", services.ErrRequestInProgress, http.StatusConflict, ErrCodeInProgress},
		{"account missing", services.ErrAccountNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"internal", errors.New("db down"), http.StatusInternalServerError, ErrCodeSubmitFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&fakeJobSvc{submitErr: tc.err}, &fakeCreditSvc{})
			w := doJSON(r, http.MethodPost, "/jobs", `{"model":"standard","duration_seconds":5}`, map[string]string{"Idempotency-Key": "k1"})
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			if e := decodeError(t, w); e.Code != tc.code {
				t.Fatalf("code = %q, want %q", e.Code, tc.code)
			}
		})
	}
}

// ----- GetJob -----

func TestGetJob_ReturnsProjection(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	done := now.Add(time.Minute)
	ref := "https://cdn.example/video.mp4"
	js := &fakeJobSvc{getJob: &domain.Job{
		ID:             testJobID,
		AccountID:      "acct-1",
		Status:         domain.JobStatusCompleted,
		CreditsCharged: 5,
		CatalogVersion: "builtin-1",
		ResultRef:      &ref,
		CreatedAt:      now,
		CompletedAt:    &done,
	}}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodGet, "/jobs/"+testJobID, "", map[string]string{"X-User-ID": "acct-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if js.getAccount != "acct-1" || js.getJobID != testJobID {
		t.Fatalf("service called with (%q, %q)", js.getAccount, js.getJobID)
	}

	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != domain.JobStatusCompleted || resp.CreditsCharged != 5 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.CreatedAt != "2026-02-01T10:00:00Z" {
		t.Fatalf("created_at = %q", resp.CreatedAt)
	}
	if resp.CompletedAt == nil || *resp.CompletedAt != "2026-02-01T10:01:00Z" {
		t.Fatalf("completed_at = %v", resp.CompletedAt)
	}
	if resp.ResultRef == nil || *resp.ResultRef != ref {
		t.Fatalf("result_ref = %v", resp.ResultRef)
	}
}

func TestGetJob_RejectsNonUUID(t *testing.T) {
	js := &fakeJobSvc{}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodGet, "/jobs/not-a-uuid", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if js.getJobID != "" {
		t.Fatal("service must not be called for a malformed id")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	js := &fakeJobSvc{getErr: services.ErrJobNotFound}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodGet, "/jobs/"+testJobID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// ----- ReconcileJob -----

func TestReconcileJob_SettlesAndReturnsJob(t *testing.T) {
	js := &fakeJobSvc{
		getJob:       &domain.Job{ID: testJobID, Status: domain.JobStatusProcessing},
		reconcileJob: &domain.Job{ID: testJobID, Status: domain.JobStatusCompleted, CreditsCharged: 5},
	}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodPost, "/jobs/"+testJobID+"/reconcile", "", map[string]string{"X-User-ID": "acct-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if js.reconcileID != testJobID {
		t.Fatalf("reconciled %q", js.reconcileID)
	}
	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestReconcileJob_OwnershipCheckedFirst(t *testing.T) {
	js := &fakeJobSvc{getErr: services.ErrJobNotFound}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodPost, "/jobs/"+testJobID+"/reconcile", "", map[string]string{"X-User-ID": "acct-2"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if js.reconcileID != "" {
		t.Fatal("reconcile must not run for another account's job")
	}
}

func TestReconcileJob_ProviderErrorIs502(t *testing.T) {
	js := &fakeJobSvc{
		getJob:       &domain.Job{ID: testJobID, Status: domain.JobStatusProcessing},
		reconcileErr: errors.New("poll provider: gateway timeout"),
	}
	r := newTestRouter(js, &fakeCreditSvc{})

	w := doJSON(r, http.MethodPost, "/jobs/"+testJobID+"/reconcile", "", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeReconcileFailed {
		t.Fatalf("code = %q", e.Code)
	}
}

// ----- identity fallback -----

func TestAccountID_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if got := accountID(c); got != "demo-account" {
		t.Fatalf("got %q, want demo-account", got)
	}

	c.Request.Header.Set("X-User-ID", "acct-7")
	if got := accountID(c); got != "acct-7" {
		t.Fatalf("got %q, want header value", got)
	}

	c.Set("accountID", "acct-ctx")
	if got := accountID(c); got != "acct-ctx" {
		t.Fatalf("got %q, context value must win", got)
	}
}
