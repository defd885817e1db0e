package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/lineage"
	"github.com/soyeahso/strand/internal/rollout"
	"github.com/soyeahso/strand/internal/store"
)

// turnTimeout bounds one conversation.submit.
const turnTimeout = 10 * time.Minute

// ConversationInfo describes a live conversation to clients.
type ConversationInfo struct {
	CacheKeyID    string              `json:"cacheKeyId"`
	WireSessionID string              `json:"wireSessionId"`
	Path          string              `json:"path"`
	Model         string              `json:"model,omitempty"`
	Source        string              `json:"source"`
	Turns         int                 `json:"turns"`
	ForkedFrom    *rollout.ForkedFrom `json:"forkedFrom,omitempty"`
}

func conversationInfo(c *lineage.Conversation) ConversationInfo {
	meta := c.Meta()
	return ConversationInfo{
		CacheKeyID:    c.ID(),
		WireSessionID: c.Identity().WireSessionID(),
		Path:          c.Path(),
		Model:         meta.Model,
		Source:        meta.Source.String(),
		Turns:         len(c.Turns()),
		ForkedFrom:    meta.ForkedFrom,
	}
}

type conversationNewParams struct {
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func (s *Server) conversationDefaults() lineage.ConversationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convCfg
}

func (s *Server) conversationConfig(model, instructions string) lineage.ConversationConfig {
	cfg := s.conversationDefaults()
	if model != "" {
		cfg.Model = model
	}
	if instructions != "" {
		cfg.Instructions = instructions
	}
	return cfg
}

func (s *Server) rpcConversationNew(rc *RequestContext) {
	var p conversationNewParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	c, err := s.lineage.NewConversation(rc.Context(), s.conversationConfig(p.Model, p.Instructions))
	if err != nil {
		respondLineageError(rc, err)
		return
	}
	rc.Client.Own(c.ID())
	rc.Respond(conversationInfo(c))
}

type conversationForkParams struct {
	Path         string `json:"path"`
	TurnIndex    *int   `json:"turnIndex"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func (s *Server) rpcConversationFork(rc *RequestContext) {
	var p conversationForkParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Path == "" || p.TurnIndex == nil {
		rc.RespondError("invalid_params", "path and turnIndex are required")
		return
	}
	c, err := s.lineage.ForkConversation(rc.Context(), *p.TurnIndex, s.conversationConfig(p.Model, p.Instructions), p.Path)
	if err != nil {
		respondLineageError(rc, err)
		return
	}
	rc.Client.Own(c.ID())
	rc.Respond(conversationInfo(c))
}

type conversationResumeParams struct {
	Path string `json:"path,omitempty"`
	Last bool   `json:"last,omitempty"`
}

func (s *Server) rpcConversationResume(rc *RequestContext) {
	var p conversationResumeParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	path := p.Path
	if path == "" && p.Last {
		if s.index == nil {
			rc.RespondError("unavailable", "rollout index not configured")
			return
		}
		latest, err := s.index.Latest(rc.Context())
		if err != nil {
			respondLineageError(rc, err)
			return
		}
		path = latest.Path
	}
	if path == "" {
		rc.RespondError("invalid_params", "path or last is required")
		return
	}
	c, err := s.lineage.ResumeConversationFromRollout(rc.Context(), s.conversationDefaults(), path, nil)
	if err != nil {
		respondLineageError(rc, err)
		return
	}
	rc.Client.Own(c.ID())
	rc.Respond(conversationInfo(c))
}

type conversationSubmitParams struct {
	CacheKeyID string `json:"cacheKeyId"`
	Text       string `json:"text"`
	Stream     bool   `json:"stream,omitempty"`
}

// rpcConversationSubmit runs one turn. With stream set, the agent's text is
// pushed as conversation.delta chunks before the response; a
// conversation.retry event voids the chunks sent since the previous one.
func (s *Server) rpcConversationSubmit(rc *RequestContext) {
	var p conversationSubmitParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	c, ok := s.ownedConversation(rc, p.CacheKeyID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(rc.Context(), turnTimeout)
	defer cancel()

	var onEvent func(lineage.Event)
	var flusher *StreamFlusher
	if p.Stream {
		flusher = NewStreamFlusher(s.flusher, func(chunk string) {
			rc.Event(EventConversationDelta, map[string]any{"cacheKeyId": c.ID(), "content": chunk})
		})
		onEvent = func(ev lineage.Event) {
			switch ev.Type {
			case lineage.EventAgentMessageDelta:
				flusher.OnDelta(ev.Delta)
			case lineage.EventStreamRetry:
				flusher.Reset()
				rc.Event(EventConversationRetry, map[string]any{"cacheKeyId": c.ID(), "attempt": ev.Attempt})
			}
		}
	}

	turn, err := c.StreamTurn(ctx, domain.TextInput(p.Text), onEvent)
	if flusher != nil {
		if err == nil {
			flusher.Flush()
		} else {
			flusher.Reset()
		}
	}
	if err != nil {
		respondLineageError(rc, err)
		return
	}
	rc.Respond(map[string]any{
		"cacheKeyId":       c.ID(),
		"turn":             turn,
		"lastAgentMessage": turn.LastAgentMessage(),
	})
}

type conversationIDParams struct {
	CacheKeyID string `json:"cacheKeyId"`
}

func (s *Server) rpcConversationClose(rc *RequestContext) {
	var p conversationIDParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if _, ok := s.ownedConversation(rc, p.CacheKeyID); !ok {
		return
	}
	if err := s.lineage.Remove(p.CacheKeyID); err != nil {
		respondLineageError(rc, err)
		return
	}
	rc.Client.Disown(p.CacheKeyID)
	rc.Respond(map[string]any{"cacheKeyId": p.CacheKeyID, "closed": true})
}

// ownedConversation looks up a live conversation that rc's connection
// opened. Other connections may list it but not drive or close it.
func (s *Server) ownedConversation(rc *RequestContext, cacheKeyID string) (*lineage.Conversation, bool) {
	c, err := s.lineage.Get(cacheKeyID)
	if err != nil {
		respondLineageError(rc, err)
		return nil, false
	}
	if !rc.Client.Owns(cacheKeyID) {
		rc.RespondError("forbidden", "conversation is owned by another connection")
		return nil, false
	}
	return c, true
}

func (s *Server) rpcConversationList(rc *RequestContext) {
	convs := s.lineage.List()
	out := make([]ConversationInfo, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationInfo(c))
	}
	rc.Respond(map[string]any{"conversations": out})
}

type sessionListParams struct {
	Limit         int    `json:"limit,omitempty"`
	WireSessionID string `json:"wireSessionId,omitempty"`
}

func (s *Server) rpcSessionList(rc *RequestContext) {
	var p sessionListParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	var (
		entries []store.RolloutEntry
		err     error
	)
	if p.WireSessionID != "" {
		entries, err = s.index.Lineage(rc.Context(), p.WireSessionID)
	} else {
		entries, err = s.index.List(rc.Context(), p.Limit)
	}
	if err != nil {
		respondLineageError(rc, err)
		return
	}
	if entries == nil {
		entries = []store.RolloutEntry{}
	}
	rc.Respond(map[string]any{"sessions": entries})
}

type sessionSearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) rpcSessionSearch(rc *RequestContext) {
	var p sessionSearchParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Query == "" {
		rc.RespondError("invalid_params", "query is required")
		return
	}
	hits, err := s.index.Search(rc.Context(), p.Query, p.Limit)
	if err != nil {
		respondLineageError(rc, err)
		return
	}
	if hits == nil {
		hits = []store.SearchHit{}
	}
	rc.Respond(map[string]any{"hits": hits})
}

// respondLineageError maps lineage, rollout and index errors to RPC codes.
func respondLineageError(rc *RequestContext, err error) {
	var constraint *rollout.ConstraintError
	code := "internal"
	switch {
	case errors.Is(err, lineage.ErrNotFound), errors.Is(err, rollout.ErrNotFound), errors.Is(err, store.ErrNotFound):
		code = "not_found"
	case errors.Is(err, lineage.ErrAlreadyOpen):
		code = "already_open"
	case errors.Is(err, lineage.ErrEmptyInput), errors.As(err, &constraint):
		code = "invalid_params"
	case errors.Is(err, rollout.ErrCorrupt):
		code = "corrupt_rollout"
	case errors.Is(err, lineage.ErrClosed):
		code = "closed"
	case errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	}
	rc.RespondError(code, err.Error())
}
