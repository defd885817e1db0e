package llm

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/version"
)

// Header names set on every Responses request.
const (
	HeaderConversationID = "conversation_id"
	HeaderSessionID      = "session_id"
	HeaderExtra          = "extra"
	HeaderSubAgent       = "x-openai-subagent"
	HeaderOriginator     = "originator"
	HeaderAccountID      = "chatgpt-account-id"
)

// Prompt is the input of one request: history followed by this turn's items.
type Prompt struct {
	// Instructions overrides the client's configured instructions when set.
	Instructions string
	Input        []domain.ResponseItem
}

// RequestContext is everything needed to build one outbound request.
// It is never persisted.
type RequestContext struct {
	Identity domain.SessionIdentity
	Source   domain.SessionSource
	Prompt   Prompt
}

type reasoningParams struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type requestBody struct {
	Model             string                `json:"model"`
	Instructions      string                `json:"instructions"`
	Input             []domain.ResponseItem `json:"input"`
	Tools             []json.RawMessage     `json:"tools"`
	ToolChoice        string                `json:"tool_choice"`
	ParallelToolCalls bool                  `json:"parallel_tool_calls"`
	Reasoning         *reasoningParams      `json:"reasoning,omitempty"`
	Store             bool                  `json:"store"`
	Stream            bool                  `json:"stream"`
	Include           []string              `json:"include"`
	PromptCacheKey    string                `json:"prompt_cache_key"`
}

func (c *ResponsesClient) buildBody(rc RequestContext) ([]byte, error) {
	instructions := c.cfg.Instructions
	if rc.Prompt.Instructions != "" {
		instructions = rc.Prompt.Instructions
	}
	input := rc.Prompt.Input
	if input == nil {
		input = []domain.ResponseItem{}
	}

	body := requestBody{
		Model:          c.cfg.Model,
		Instructions:   instructions,
		Input:          input,
		Tools:          []json.RawMessage{},
		ToolChoice:     "auto",
		Stream:         true,
		Include:        []string{},
		PromptCacheKey: rc.Identity.CacheKeyID(),
	}
	if c.cfg.Effort != "" || (c.cfg.Summary != "" && c.cfg.Summary != "none") {
		body.Reasoning = &reasoningParams{Effort: c.cfg.Effort}
		if c.cfg.Summary != "none" {
			body.Reasoning.Summary = c.cfg.Summary
		}
	}
	return json.Marshal(body)
}

func (c *ResponsesClient) buildHeaders(rc RequestContext) http.Header {
	h := make(http.Header)

	// Provider headers first so the protocol headers below always win.
	for k, v := range c.cfg.Provider.HTTPHeaders {
		h.Set(k, v)
	}
	for k, env := range c.cfg.Provider.EnvHTTPHeaders {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			h.Set(k, v)
		}
	}

	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	h.Set("OpenAI-Beta", "responses=experimental")
	h.Set("User-Agent", version.UserAgent())
	h.Set(HeaderOriginator, version.Originator)

	wire := rc.Identity.WireSessionID()
	// Non-canonical names must be assigned directly to keep their case.
	h[HeaderConversationID] = []string{wire}
	h[HeaderSessionID] = []string{wire}
	extra, _ := json.Marshal(map[string]string{"session_id": wire})
	h[HeaderExtra] = []string{string(extra)}

	if label, ok := rc.Source.SubAgentHeader(); ok {
		h[HeaderSubAgent] = []string{label}
	}
	if c.cfg.Credentials != nil && c.cfg.Credentials.AccountID != "" {
		h[HeaderAccountID] = []string{c.cfg.Credentials.AccountID}
	}
	return h
}

func (c *ResponsesClient) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.Provider.BaseURL, "/") + "/responses")
	if err != nil {
		return "", err
	}
	if len(c.cfg.Provider.QueryParams) > 0 {
		q := u.Query()
		for k, v := range c.cfg.Provider.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
