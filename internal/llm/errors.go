package llm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIdleTimeout is wrapped by a StreamError when no event arrived within
	// the provider's idle window.
	ErrIdleTimeout = errors.New("stream idle timeout")

	// ErrHeaderTimeout means an attempt's response headers did not arrive
	// within the provider's idle window.
	ErrHeaderTimeout = errors.New("timed out waiting for response headers")

	// ErrIncompleteStream means the body ended before response.completed.
	ErrIncompleteStream = errors.New("stream closed before response.completed")

	// ErrLineTooLong is wrapped by a DecodeError for lines over the decoder limit.
	ErrLineTooLong = errors.New("sse line exceeds limit")

	// ErrMissingType means a frame carried data but no event type.
	ErrMissingType = errors.New("sse frame has no event type")
)

// TransportError is a failed HTTP exchange that the request retry budget could
// not recover. StatusCode is zero for connection-level failures.
type TransportError struct {
	Provider   string
	StatusCode int
	Body       string
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "llm: %s: request failed after %d attempt(s)", e.Provider, e.Attempts)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamError is a failure after the response started streaming.
type StreamError struct {
	Provider string
	Attempts int
	Idle     bool
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("llm: %s: stream failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// DecodeError is malformed SSE framing or payload. Line is the 1-based line
// number where decoding stopped.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sse: line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AuthError is a credential problem: missing credentials, a rejected token
// (401/403), or a failed refresh. It is never retried.
type AuthError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: %s: unauthorized (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s: auth: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is an error reported in-band by the backend through a
// response.failed or error event.
type APIError struct {
	Type    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// fatalAPICodes are in-band errors a retry cannot fix.
var fatalAPICodes = map[string]bool{
	"context_length_exceeded": true,
	"insufficient_quota":      true,
	"invalid_prompt":          true,
	"invalid_request_error":   true,
}

// Retryable reports whether re-issuing the request may succeed.
func (e *APIError) Retryable() bool {
	return !fatalAPICodes[e.Code]
}
