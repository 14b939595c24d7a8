// Package handlers implements the public HTTP API: account provisioning,
// credit grants, balance and ledger reads, and the job submission and
// reconciliation endpoints.
//
// This file holds the response helpers shared by every endpoint. Errors
// always go out as an ErrorResponse with a stable machine-readable code, so
// clients can branch on `code` without parsing messages. A declined
// submission looks like:
//
//	HTTP/1.1 402 Payment Required
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "insufficient_credits",
//	  "message": "balance 3 below required 8"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reelkit/go-ledger-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by all endpoints. RequestID
// echoes the X-Request-ID header so a client error can be matched to server
// logs; Code is one of the constants in errors.go.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"insufficient_credits"`
	Message   string `json:"message" example:"balance 3 below required 8"`
}

// fail writes an ErrorResponse and aborts the chain. Server-side failures
// (>= 500) are additionally logged with the request-scoped logger; 4xx are
// the client's problem and stay out of the error log.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail exposes fail to other packages (the router uses it for 404/405).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes body as JSON with the given status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
