// Package provider talks to the external generation service. The service
// is asynchronous: a submit returns a request reference, and results are
// fetched by polling until the request settles.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownRequest means the provider no longer knows the request
// reference. The caller must treat the job as lost and refund it; polling
// again will never succeed.
var ErrUnknownRequest = errors.New("provider does not recognize the request reference")

// Status is the provider-side state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// SubmitParams describes a generation request.
type SubmitParams struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
	Outputs int            `json:"outputs"`
}

// PollResult is the settled or in-flight state of a request.
type PollResult struct {
	Status     Status
	ResultURLs []string
	FailCode   string
	FailMsg    string
}

// Client is the provider interface. Submit is idempotent per clientRef:
// submitting the same reference twice returns the same request.
type Client interface {
	Submit(ctx context.Context, clientRef string, p SubmitParams) (string, error)
	Poll(ctx context.Context, requestRef string) (*PollResult, error)
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether the call is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
