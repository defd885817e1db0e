package domain

import (
	"strings"
	"time"
)

// TokenUsage tracks token consumption for one response.
type TokenUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	OutputTokens      int `json:"output_tokens"`
	ReasoningTokens   int `json:"reasoning_output_tokens,omitempty"`
	TotalTokens       int `json:"total_tokens"`
}

// Turn is one user submission plus the response items it produced.
type Turn struct {
	Index       int            `json:"index"`
	ID          string         `json:"id"`
	Input       []ResponseItem `json:"input"`
	Output      []ResponseItem `json:"output"`
	ResponseID  string         `json:"response_id,omitempty"`
	Usage       *TokenUsage    `json:"usage,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// LastAgentMessage returns the text of the final assistant message, if any.
func (t Turn) LastAgentMessage() string {
	for i := len(t.Output) - 1; i >= 0; i-- {
		it := t.Output[i]
		if it.Type == ItemMessage && it.Role == RoleAssistant {
			return it.Text()
		}
	}
	return ""
}

// UserText returns the text the user submitted in this turn.
func (t Turn) UserText() string {
	var parts []string
	for _, it := range t.Input {
		if it.Role == RoleUser {
			parts = append(parts, it.Text())
		}
	}
	return strings.Join(parts, "\n")
}

// History flattens turns into the item sequence sent as request input.
func History(turns []Turn) []ResponseItem {
	var n int
	for _, t := range turns {
		n += len(t.Input) + len(t.Output)
	}
	items := make([]ResponseItem, 0, n)
	for _, t := range turns {
		items = append(items, t.Input...)
		items = append(items, t.Output...)
	}
	return items
}
