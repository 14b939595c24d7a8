package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/reelkit/go-ledger-backend/internal/domain"
	"github.com/reelkit/go-ledger-backend/internal/services"
)

// ----- CreateAccount -----

func TestCreateAccount_UsesBodyID(t *testing.T) {
	cs := &fakeCreditSvc{provisionAcct: &domain.Account{ID: "acct-body", Balance: 10, LifetimeGranted: 10}}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodPost, "/accounts", `{"account_id":"acct-body"}`, map[string]string{"X-User-ID": "acct-header"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if cs.provisionID != "acct-body" {
		t.Fatalf("provisioned %q, body id must win", cs.provisionID)
	}
	if cs.provisionGrant != 10 {
		t.Fatalf("grant = %d, want configured signup grant", cs.provisionGrant)
	}

	var resp BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccountID != "acct-body" || resp.Balance != 10 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestCreateAccount_HeaderIdentityWithoutBody(t *testing.T) {
	cs := &fakeCreditSvc{provisionAcct: &domain.Account{ID: "acct-header", Balance: 10}}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodPost, "/accounts", "", map[string]string{"X-User-ID": "acct-header"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if cs.provisionID != "acct-header" {
		t.Fatalf("provisioned %q", cs.provisionID)
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	cs := &fakeCreditSvc{provisionErr: services.ErrAccountExists}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodPost, "/accounts", `{"account_id":"acct-1"}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeConflict {
		t.Fatalf("code = %q", e.Code)
	}
}

// ----- GetBalance -----

func TestGetBalance_OK(t *testing.T) {
	cs := &fakeCreditSvc{balanceAcct: &domain.Account{ID: "acct-1", Balance: 42, LifetimeGranted: 60}}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodGet, "/balance", "", map[string]string{"X-User-ID": "acct-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 42 || resp.LifetimeGranted != 60 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestGetBalance_UnknownAccount(t *testing.T) {
	cs := &fakeCreditSvc{balanceErr: services.ErrAccountNotFound}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodGet, "/balance", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// ----- ListLedger -----

func TestListLedger_Pagination(t *testing.T) {
	cs := &fakeCreditSvc{
		entriesItems: []domain.LedgerEntry{{ID: 1, Delta: 10, Reason: domain.ReasonInitialGrant, BalanceAfter: 10}},
		entriesTotal: 45,
	}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodGet, "/ledger?page=2&page_size=20", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if cs.entriesPage != 2 || cs.entriesPageSize != 20 {
		t.Fatalf("service paging = (%d, %d)", cs.entriesPage, cs.entriesPageSize)
	}

	var resp ListLedgerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("entries = %d", len(resp.Entries))
	}
	p := resp.Pagination
	if p.Total != 45 || p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("pagination = %+v", p)
	}
}

func TestListLedger_ClampsAbusiveParams(t *testing.T) {
	cs := &fakeCreditSvc{}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodGet, "/ledger?page=-3&page_size=9999", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if cs.entriesPage != 1 || cs.entriesPageSize != 100 {
		t.Fatalf("service paging = (%d, %d), want (1, 100)", cs.entriesPage, cs.entriesPageSize)
	}
}

func TestListLedger_ServiceError(t *testing.T) {
	cs := &fakeCreditSvc{entriesErr: errors.New("db down")}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodGet, "/ledger", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeListFailed {
		t.Fatalf("code = %q", e.Code)
	}
}

// ----- GrantCredits -----

func TestGrantCredits_CreditsPurchase(t *testing.T) {
	cs := &fakeCreditSvc{grantEntry: &domain.LedgerEntry{ID: 9, Delta: 50, Reason: domain.ReasonPurchase, BalanceAfter: 55}}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodPost, "/credits/grant", `{"amount":50,"external_ref":"pi_123"}`, map[string]string{"X-User-ID": "acct-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if cs.grantAmount != 50 || cs.grantReason != domain.ReasonPurchase {
		t.Fatalf("grant = (%d, %q)", cs.grantAmount, cs.grantReason)
	}
	if cs.grantRef == nil || *cs.grantRef != "pi_123" {
		t.Fatalf("external ref = %v", cs.grantRef)
	}
}

func TestGrantCredits_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing amount", `{"external_ref":"pi_123"}`},
		{"zero amount", `{"amount":0,"external_ref":"pi_123"}`},
		{"missing ref", `{"amount":50}`},
		{"blank ref", `{"amount":50,"external_ref":"   "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs := &fakeCreditSvc{}
			r := newTestRouter(&fakeJobSvc{}, cs)
			w := doJSON(r, http.MethodPost, "/credits/grant", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if cs.grantAmount != 0 {
				t.Fatal("service must not be called for invalid input")
			}
		})
	}
}

func TestGrantCredits_DuplicateRef(t *testing.T) {
	cs := &fakeCreditSvc{grantErr: services.ErrDuplicatePurchase}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodPost, "/credits/grant", `{"amount":50,"external_ref":"pi_123"}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeDuplicatePurchase {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestGrantCredits_UnknownAccount(t *testing.T) {
	cs := &fakeCreditSvc{grantErr: services.ErrAccountNotFound}
	r := newTestRouter(&fakeJobSvc{}, cs)

	w := doJSON(r, http.MethodPost, "/credits/grant", `{"amount":50,"external_ref":"pi_123"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
