package harnessports

import (
	"context"
	"errors"
	"fmt"
)

// Directive tells the gateway how the visualization tool may be used on a request.
type Directive string

const (
	DirectiveWithheld  Directive = "withheld"  // tool not offered
	DirectiveAvailable Directive = "available" // model may call it
	DirectiveForced    Directive = "forced"    // model must call it
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string // "user" | "assistant"
	Content string
}

// GatewayRequest is everything the gateway needs for one completion.
type GatewayRequest struct {
	System    string
	Messages  []PromptMessage // ordered, already windowed, ends with the pending utterance
	Directive Directive
	Tool      ToolSpec // ignored when Directive is DirectiveWithheld
	MaxTokens int
	Meta      map[string]string // lightweight metadata for tracing
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GatewayResponse is the gateway's non-streaming response.
type GatewayResponse struct {
	Text     string
	ToolCall *ToolCall
	Usage    Usage
	Raw      any // raw provider payload for debugging/telemetry
}

// Gateway is the abstraction for hosted model backends.
type Gateway interface {
	Complete(ctx context.Context, req GatewayRequest) (GatewayResponse, error)
}

// GatewayErrorKind classifies gateway failures.
type GatewayErrorKind string

const (
	GatewayRateLimited    GatewayErrorKind = "rate_limited"
	GatewayTimeout        GatewayErrorKind = "timeout"
	GatewayAuthError      GatewayErrorKind = "auth_error"
	GatewayUnavailable    GatewayErrorKind = "unavailable"
	GatewayInvalidRequest GatewayErrorKind = "invalid_request"
)

// GatewayError is returned by every Gateway implementation on failure.
type GatewayError struct {
	Kind       GatewayErrorKind
	StatusCode int // HTTP status when the provider answered, 0 otherwise
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *GatewayError) Retryable() bool {
	return e.Kind == GatewayRateLimited || e.Kind == GatewayTimeout
}

// Terminal reports whether retrying without operator action is pointless.
func (e *GatewayError) Terminal() bool {
	return e.Kind == GatewayAuthError || e.Kind == GatewayUnavailable
}

// KindForStatus maps a provider HTTP status to a failure kind.
func KindForStatus(status int) GatewayErrorKind {
	switch {
	case status == 401 || status == 403:
		return GatewayAuthError
	case status == 408:
		return GatewayTimeout
	case status == 429:
		return GatewayRateLimited
	case status >= 500:
		return GatewayUnavailable
	default:
		return GatewayInvalidRequest
	}
}

// ClassifyTransportError turns a context or network failure into a GatewayError.
func ClassifyTransportError(err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Kind: GatewayTimeout, Err: err}
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return &GatewayError{Kind: GatewayTimeout, Err: err}
	}
	return &GatewayError{Kind: GatewayUnavailable, Err: err}
}
