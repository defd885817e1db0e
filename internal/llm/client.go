// Package llm streams model responses from a Responses-style HTTP+SSE backend.
//
// A client is bound to one conversation node: every request it sends carries
// that node's cache key in the body and the lineage's wire session id in the
// headers. Transient failures are retried under two budgets, one for
// establishing the HTTP response and one for re-issuing a stream that broke
// part way through.
package llm

import "context"

// Client is the interface the conversation layer streams through.
type Client interface {
	// Stream sends a prompt and returns its event stream.
	Stream(ctx context.Context, prompt Prompt) (*ResponseStream, error)

	// Name returns the provider name (e.g., "openai", "oss").
	Name() string
}

// Factory builds a Client for one conversation node.
type Factory func(cfg ClientConfig) (Client, error)

// NewClient is the default Factory.
func NewClient(cfg ClientConfig) (Client, error) {
	return NewResponsesClient(cfg)
}
