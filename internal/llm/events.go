package llm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyeahso/strand/internal/domain"
)

// EventType identifies a ResponseEvent.
type EventType string

const (
	EventCreated         EventType = "created"
	EventOutputTextDelta EventType = "output_text_delta"
	EventOutputItemDone  EventType = "output_item_done"
	EventCompleted       EventType = "completed"

	// EventStreamRetry is emitted by the client, not the backend. Output
	// received since the last EventCreated belongs to a failed attempt.
	EventStreamRetry EventType = "stream_retry"

	// EventFailed is the terminal event of a stream that did not complete.
	EventFailed EventType = "failed"
)

// Wire event names.
const (
	wireCreated   = "response.created"
	wireTextDelta = "response.output_text.delta"
	wireItemDone  = "response.output_item.done"
	wireCompleted = "response.completed"
	wireFailed    = "response.failed"
	wireError     = "error"
)

// ResponseEvent is one typed event of a streamed response.
type ResponseEvent struct {
	Type       EventType
	ResponseID string
	Delta      string
	Item       *domain.ResponseItem
	Usage      *domain.TokenUsage

	// Set on EventStreamRetry.
	Attempt int
	Delay   time.Duration

	// Set on EventStreamRetry (the cause) and EventFailed.
	Err error
}

type wireEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	Item     json.RawMessage `json:"item"`
	Response *wireResponse   `json:"response"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
}

type wireResponse struct {
	ID    string     `json:"id"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type wireUsage struct {
	InputTokens        int `json:"input_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokens        int `json:"output_tokens"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
	TotalTokens int `json:"total_tokens"`
}

func (u *wireUsage) toDomain() *domain.TokenUsage {
	if u == nil {
		return nil
	}
	out := &domain.TokenUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.InputTokensDetails != nil {
		out.CachedInputTokens = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		out.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	return out
}

// parseFrame converts a frame into a typed event. ok is false for event types
// that are ignored. A non-nil error is terminal for the stream.
func parseFrame(f Frame) (ev ResponseEvent, ok bool, err error) {
	if f.Data == "" || f.Data == "[DONE]" {
		return ResponseEvent{}, false, nil
	}

	var w wireEvent
	if err := json.Unmarshal([]byte(f.Data), &w); err != nil {
		return ResponseEvent{}, false, fmt.Errorf("invalid event payload: %w", err)
	}
	typ := w.Type
	if typ == "" {
		typ = f.Event
	}
	if typ == "" {
		return ResponseEvent{}, false, ErrMissingType
	}

	switch typ {
	case wireCreated:
		ev = ResponseEvent{Type: EventCreated}
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
		}
		return ev, true, nil

	case wireTextDelta:
		return ResponseEvent{Type: EventOutputTextDelta, Delta: w.Delta}, true, nil

	case wireItemDone:
		if len(w.Item) == 0 {
			return ResponseEvent{}, false, fmt.Errorf("%s without item", typ)
		}
		var item domain.ResponseItem
		if err := json.Unmarshal(w.Item, &item); err != nil {
			return ResponseEvent{}, false, fmt.Errorf("invalid output item: %w", err)
		}
		return ResponseEvent{Type: EventOutputItemDone, Item: &item}, true, nil

	case wireCompleted:
		if w.Response == nil {
			return ResponseEvent{}, false, fmt.Errorf("%s without response", typ)
		}
		return ResponseEvent{
			Type:       EventCompleted,
			ResponseID: w.Response.ID,
			Usage:      w.Response.Usage.toDomain(),
		}, true, nil

	case wireFailed:
		apiErr := &APIError{Type: typ, Message: "response failed"}
		if w.Response != nil && w.Response.Error != nil {
			apiErr.Code = w.Response.Error.Code
			apiErr.Message = w.Response.Error.Message
		}
		return ResponseEvent{}, false, apiErr

	case wireError:
		return ResponseEvent{}, false, &APIError{Type: typ, Code: w.Code, Message: w.Message}
	}

	return ResponseEvent{}, false, nil
}
