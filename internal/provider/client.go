// Package provider – HTTP client
//
// This file implements Gateway against a queue-style generation REST API:
//
//	POST {base}/jobs            → 200/201 {"request_id": "..."}
//	GET  {base}/jobs/{ref}      → 200 {"status": "...", "video_url": "...", "error": "..."}
//
// Remote status strings are mapped onto the unified three-way JobState; any
// unrecognized status is treated as still processing, so a provider adding
// intermediate states never flips a job into a terminal state by accident.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client is an HTTP implementation of Gateway.
type Client struct {
	// BaseURL is the API root, without a trailing slash.
	BaseURL string
	// APIKey is sent as the Authorization header when non-empty.
	APIKey string
	// HTTPClient is used for all requests. Its Timeout is a transport-level
	// ceiling; callers additionally bound individual calls via ctx.
	HTTPClient *http.Client
}

// NewClient constructs a Client with a bounded default HTTP client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// submitResponse is the provider's accepted-submission payload.
type submitResponse struct {
	RequestID string `json:"request_id"`
}

// statusResponse is the provider's job-status payload.
type statusResponse struct {
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// SubmitJob submits the opaque parameters and returns the provider's job
// reference. A non-2xx response or a missing reference is an error; the
// caller treats the outcome as unknown and compensates.
func (c *Client) SubmitJob(ctx context.Context, params json.RawMessage) (string, error) {
	body, status, err := c.do(ctx, http.MethodPost, c.BaseURL+"/jobs", bytes.NewReader(params))
	if err != nil {
		return "", fmt.Errorf("provider submit: %w", err)
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("provider submit: unexpected status %d: %s", status, truncate(body, 200))
	}
	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("provider submit: decode response: %w", err)
	}
	if sr.RequestID == "" {
		return "", fmt.Errorf("provider submit: response missing request_id")
	}
	log.Debug().Str("provider_ref", sr.RequestID).Msg("provider accepted job")
	return sr.RequestID, nil
}

// PollStatus fetches the current provider-side status for a job reference.
func (c *Client) PollStatus(ctx context.Context, externalRef string) (PollResult, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.BaseURL+"/jobs/"+externalRef, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("provider poll: %w", err)
	}
	if status < 200 || status > 299 {
		return PollResult{}, fmt.Errorf("provider poll: unexpected status %d: %s", status, truncate(body, 200))
	}
	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return PollResult{}, fmt.Errorf("provider poll: decode response: %w", err)
	}
	switch strings.ToLower(sr.Status) {
	case "completed", "succeeded", "success":
		return PollResult{State: StateCompleted, ResultRef: sr.VideoURL}, nil
	case "failed", "error", "rejected", "cancelled":
		reason := sr.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return PollResult{State: StateFailed, Reason: reason}, nil
	default:
		// queued, in_progress, and anything the provider invents later.
		return PollResult{State: StateProcessing}, nil
	}
}

// do executes one HTTP round trip and returns the response body and status.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Key "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return b, resp.StatusCode, nil
}

// truncate caps body excerpts included in error strings.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
