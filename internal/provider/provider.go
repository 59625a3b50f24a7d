// Package provider defines the narrow contract between the job system and the
// LLM provider APIs, plus the pure classifier that maps provider failures to
// retry decisions.
package provider

import (
	"context"
	"fmt"

	"github.com/quillworks/quill-jobs/internal/domain/model"
)

// Request is the opaque payload the lifecycle hands to a provider client.
type Request struct {
	Model     string
	Prompt    string
	System    string
	MaxTokens int
}

// Response is a successful provider result with normalized usage metadata.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client executes one provider call. Implementations must honor context
// cancellation so the request pool can abort in-flight calls.
type Client interface {
	Execute(ctx context.Context, req Request) (*Response, error)
	APIType() model.APIType
}

// APIError is a failed provider call carrying the raw HTTP status and body for
// classification. Execute returns it for every non-transport failure.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("provider request failed: http %d: %s", e.StatusCode, truncate(e.Body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
