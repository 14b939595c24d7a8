package domain

import (
	"testing"
	"time"
)

func TestValidReason(t *testing.T) {
	for _, r := range []string{ReasonInitialGrant, ReasonPurchase, ReasonJobReserve, ReasonJobRefund} {
		if !ValidReason(r) {
			t.Fatalf("ValidReason(%q) = false", r)
		}
	}
	for _, r := range []string{"", "bonus", "INITIAL_GRANT"} {
		if ValidReason(r) {
			t.Fatalf("ValidReason(%q) = true", r)
		}
	}
}

func TestTerminalStatus(t *testing.T) {
	if !TerminalStatus(JobStatusCompleted) || !TerminalStatus(JobStatusFailed) {
		t.Fatal("completed and failed are terminal")
	}
	if TerminalStatus(JobStatusPending) || TerminalStatus(JobStatusProcessing) || TerminalStatus("") {
		t.Fatal("pending and processing are not terminal")
	}
}

func TestIdempotencyRecord_Committed(t *testing.T) {
	rec := &IdempotencyRecord{}
	if rec.Committed() {
		t.Fatal("placeholder reported committed")
	}
	rec.ResponseStatus = 201
	if !rec.Committed() {
		t.Fatal("finished record reported uncommitted")
	}
}

func TestIdempotencyRecord_Expired(t *testing.T) {
	now := time.Now().UTC()
	rec := &IdempotencyRecord{ExpiresAt: now.Add(time.Hour)}
	if rec.Expired(now) {
		t.Fatal("live record reported expired")
	}
	if !rec.Expired(now.Add(time.Hour)) {
		t.Fatal("boundary instant should count as expired")
	}
	if !rec.Expired(now.Add(2 * time.Hour)) {
		t.Fatal("past record reported live")
	}
}
