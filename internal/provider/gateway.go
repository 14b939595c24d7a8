// Package provider adapts the external video-generation API. The rest of the
// system only depends on the Gateway interface and its three-way poll
// outcome; the concrete HTTP client lives in client.go.
//
// The provider is treated as unreliable and slow: every call takes a context
// and callers are expected to bound it with a timeout. Retry and backoff
// policy belongs to the provider side and to the background reconciler, not
// to this package.
package provider

import (
	"context"
	"encoding/json"
)

// JobState is the unified three-way outcome reported by the provider.
type JobState string

const (
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

// PollResult describes the provider-side status of a submitted job.
//
// ResultRef is set only when State is StateCompleted; Reason only when State
// is StateFailed.
type PollResult struct {
	State     JobState
	ResultRef string
	Reason    string
}

// Gateway is the narrow contract the job orchestrator needs from the
// generation provider.
//
// SubmitJob submits the opaque generation parameters and returns the
// provider's job reference. PollStatus fetches the current status for a
// previously returned reference. Both calls honor ctx for cancellation and
// deadlines; an error return means the outcome is unknown and the caller
// decides whether to compensate or retry.
type Gateway interface {
	SubmitJob(ctx context.Context, params json.RawMessage) (string, error)
	PollStatus(ctx context.Context, externalRef string) (PollResult, error)
}
