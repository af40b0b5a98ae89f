// Package provider defines the upstream LLM contract and its
// implementations. The gateway talks to any chat-completion backend
// through the Provider interface; errors are normalized so retry logic
// can distinguish throttling, server faults, and timeouts without
// knowing which backend produced them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request to an upstream model.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Usage is the provider-reported token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed upstream call. Usage may be zero-valued when
// the backend does not report token counts.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is the upstream LLM interface.
type Provider interface {
	// Complete performs one completion call. Implementations honor ctx
	// cancellation and deadlines and normalize failures to *APIError
	// where an upstream status is available.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// APIError is a failure reported by the upstream with an HTTP-like
// status code.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether this is a throttling response.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == 429
}

// IsServerError reports whether this is a 5xx response.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRateLimit reports whether err is an upstream throttling error.
func IsRateLimit(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsRateLimit()
}

// IsServerError reports whether err is an upstream 5xx error.
func IsServerError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsServerError()
}

// IsTimeout reports whether err is a local deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
