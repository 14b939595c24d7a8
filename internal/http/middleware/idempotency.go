// Package middleware contains shared Gin middleware used by the HTTP layer.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client-chosen dedup key for unsafe
// operations. A client retrying a submission reuses the same key so the
// server can replay the stored outcome instead of charging twice.
const HeaderIdempotencyKey = "Idempotency-Key"

// Unexported context keys; read them through GetIdempotencyKey and IsReplay.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
)

// defaultKeyPattern is an RFC-7230-ish token plus a few safe separators.
var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator,
// with ok=false when the request carried no (valid) key. Handlers should use
// this instead of re-reading the header.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the validator found a committed record for this
// account/key pair, meaning the handler can serve the stored response without
// redoing the work.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions tunes header validation. TTL windows are the lookup's
// concern, not the transport's.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length; <= 0 means 200.
	MaxLen int
	// Pattern restricts allowed characters; nil means defaultKeyPattern.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether a committed, unexpired record exists for
// (accountID, key) at the given instant. Lookup failures should be returned
// as errors and must not block the request.
type IdempotencyLookup func(ctx context.Context, accountID, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator checks the Idempotency-Key header when present,
// stashes the key in the context, and marks the request as a replay when the
// lookup finds a committed record. Requests without the header pass through
// untouched; a malformed key is rejected with 400 before any handler runs.
//
// The middleware never serves the cached payload itself. Handlers own the
// replay path, because only they know the stored status and body shape.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			aid := accountIDFromCtx(c)
			if exists, _ := lookup(c.Request.Context(), aid, key, time.Now().UTC()); exists {
				c.Set(ctxKeyIdemReplay, true)
			}
		}

		c.Next()
	}
}

// accountIDFromCtx resolves the caller's account: the value set by upstream
// auth middleware wins, then the X-User-ID header, then the development
// fallback "demo-account".
func accountIDFromCtx(c *gin.Context) string {
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
