package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func idemRouter(opts IdempotencyOptions, lookup IdempotencyLookup, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(opts, lookup))
	r.POST("/jobs", handler)
	return r
}

func postJobs(r *gin.Engine, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestContextAccessors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatal("key reported present before anything set it")
	}
	if IsReplay(c) {
		t.Fatal("replay reported before anything set it")
	}

	// Wrong-typed context values must read as absent, not panic.
	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatal("non-string key value treated as present")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatal("non-bool replay value treated as true")
	}

	c.Set(ctxKeyIdemReplay, true)
	if !IsReplay(c) {
		t.Fatal("replay flag not readable")
	}
}

func TestAccountResolution(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if got := accountIDFromCtx(c); got != "demo-account" {
		t.Fatalf("anonymous fallback = %q", got)
	}

	c.Set("accountID", "acct-1")
	if got := accountIDFromCtx(c); got != "acct-1" {
		t.Fatalf("context identity = %q", got)
	}

	// A wrong-typed context value falls through to the fallback chain.
	c.Set("accountID", 42)
	if got := accountIDFromCtx(c); got != "demo-account" {
		t.Fatalf("wrong-typed identity = %q", got)
	}

	// Header identity applies only when the context has none.
	c2, _ := gin.CreateTestContext(httptest.NewRecorder())
	c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c2.Request.Header.Set("X-User-ID", "  acct-7  ")
	if got := accountIDFromCtx(c2); got != "acct-7" {
		t.Fatalf("header identity = %q", got)
	}
}

func TestValidator_NoHeaderPassesThrough(t *testing.T) {
	lookupCalled := false
	lookup := func(context.Context, string, string, time.Time) (bool, error) {
		lookupCalled = true
		return false, nil
	}
	r := idemRouter(IdempotencyOptions{}, lookup, func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatal("key stashed without a header")
		}
		c.Status(http.StatusNoContent)
	})

	if w := postJobs(r, ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if lookupCalled {
		t.Fatal("lookup ran for a request without a key")
	}
}

func TestValidator_RejectsOversizedKey(t *testing.T) {
	r := idemRouter(IdempotencyOptions{MaxLen: 5}, nil, func(c *gin.Context) {
		t.Fatal("handler reached with invalid key")
	})

	w := postJobs(r, "abcdef")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["code"] != "bad_idempotency_key" {
		t.Fatalf("body = %v", body)
	}
}

func TestValidator_RejectsPatternMismatch(t *testing.T) {
	r := idemRouter(IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, nil, func(c *gin.Context) {
		t.Fatal("handler reached with invalid key")
	})
	if w := postJobs(r, "abc123"); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestValidator_DefaultPatternAcceptsTokens(t *testing.T) {
	r := idemRouter(IdempotencyOptions{}, nil, func(c *gin.Context) {
		key, ok := GetIdempotencyKey(c)
		if !ok || key != "submit-2026.01:retry~1" {
			t.Fatalf("stashed key = %q ok=%v", key, ok)
		}
		// nil lookup means nothing can flag a replay
		if IsReplay(c) {
			t.Fatal("replay without a lookup")
		}
		c.Status(http.StatusOK)
	})
	if w := postJobs(r, "submit-2026.01:retry~1"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestValidator_LookupMiss(t *testing.T) {
	lookup := func(_ context.Context, accountID, key string, now time.Time) (bool, error) {
		if accountID != "demo-account" {
			t.Fatalf("lookup account = %q", accountID)
		}
		if key != "key-1" || now.IsZero() {
			t.Fatalf("lookup args: key=%q now=%v", key, now)
		}
		return false, nil
	}
	r := idemRouter(IdempotencyOptions{}, lookup, func(c *gin.Context) {
		if IsReplay(c) {
			t.Fatal("replay flagged on lookup miss")
		}
		c.Status(http.StatusOK)
	})
	if w := postJobs(r, "key-1"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestValidator_LookupHitFlagsReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// Identity middleware runs before the validator, as in the real router.
	r.Use(func(c *gin.Context) { c.Set("accountID", "acct-9"); c.Next() })
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(_ context.Context, accountID, key string, _ time.Time) (bool, error) {
		if accountID != "acct-9" || key != "k-9" {
			t.Fatalf("lookup saw account=%q key=%q", accountID, key)
		}
		return true, nil
	}))
	r.POST("/jobs", func(c *gin.Context) {
		if !IsReplay(c) {
			t.Fatal("replay not flagged on lookup hit")
		}
		c.Status(http.StatusOK)
	})

	if w := postJobs(r, "k-9"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestValidator_LookupErrorDoesNotBlock(t *testing.T) {
	lookup := func(context.Context, string, string, time.Time) (bool, error) {
		return false, context.DeadlineExceeded
	}
	r := idemRouter(IdempotencyOptions{}, lookup, func(c *gin.Context) {
		if IsReplay(c) {
			t.Fatal("replay flagged on lookup error")
		}
		c.Status(http.StatusOK)
	})
	if w := postJobs(r, "key-err"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
