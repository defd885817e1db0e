package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/llm"
	"github.com/soyeahso/strand/internal/rollout"
	"github.com/soyeahso/strand/internal/store"
)

type submitResult struct {
	CacheKeyID       string      `json:"cacheKeyId"`
	Turn             domain.Turn `json:"turn"`
	LastAgentMessage string      `json:"lastAgentMessage"`
}

func newConversation(t *testing.T, c *wsClient) ConversationInfo {
	t.Helper()
	res := c.call("conversation.new", nil)
	requireOK(t, res)
	return decode[ConversationInfo](t, res)
}

func submit(t *testing.T, c *wsClient, id, text string, stream bool) submitResult {
	t.Helper()
	res := c.call("conversation.submit", map[string]any{"cacheKeyId": id, "text": text, "stream": stream})
	requireOK(t, res)
	return decode[submitResult](t, res)
}

func TestConversationNew(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	info := newConversation(t, c)
	assert.NotEmpty(t, info.CacheKeyID)
	assert.NotEmpty(t, info.WireSessionID)
	assert.NotEqual(t, info.CacheKeyID, info.WireSessionID)
	assert.FileExists(t, info.Path)
	assert.Equal(t, "mock-model", info.Model)
	assert.Equal(t, "exec", info.Source)
	assert.Zero(t, info.Turns)
	assert.Nil(t, info.ForkedFrom)

	assert.Contains(t, c.eventNames(), "lineage.conversation_created")

	created := c.payloads("lineage.conversation_created")
	require.Len(t, created, 1)
	assert.Equal(t, info.CacheKeyID, created[0]["cacheKeyId"])

	res := c.call("conversation.list", nil)
	requireOK(t, res)
	list := decode[map[string][]ConversationInfo](t, res)
	require.Len(t, list["conversations"], 1)
	assert.Equal(t, info.CacheKeyID, list["conversations"][0].CacheKeyID)
}

func TestConversation_ClosedWithClient(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	info := newConversation(t, c)
	require.Len(t, h.mgr.List(), 1)
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool { return len(h.mgr.List()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.FileExists(t, info.Path)

	// the record is free to be reopened by another client
	other := h.client(t)
	res := other.call("conversation.resume", map[string]any{"path": info.Path})
	requireOK(t, res)
	assert.Equal(t, info.CacheKeyID, decode[ConversationInfo](t, res).CacheKeyID)
}

func TestConversation_OwnerOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	owner := h.client(t)
	other := h.client(t)
	info := newConversation(t, owner)

	requireErrorCode(t, other.call("conversation.submit", map[string]any{"cacheKeyId": info.CacheKeyID, "text": "x"}), "forbidden")
	requireErrorCode(t, other.call("conversation.close", map[string]any{"cacheKeyId": info.CacheKeyID}), "forbidden")
	require.Len(t, h.mgr.List(), 1)

	rec, err := rollout.Load(info.Path)
	require.NoError(t, err)
	assert.Empty(t, rec.Turns)

	submit(t, owner, info.CacheKeyID, "hello", false)
	requireOK(t, owner.call("conversation.close", map[string]any{"cacheKeyId": info.CacheKeyID}))
}

func TestConversationNew_ModelOverride(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	res := c.call("conversation.new", map[string]any{"model": "other-model"})
	requireOK(t, res)
	assert.Equal(t, "other-model", decode[ConversationInfo](t, res).Model)
}

func TestConversationSubmit(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)
	info := newConversation(t, c)

	out := submit(t, c, info.CacheKeyID, "hello", false)
	assert.Equal(t, info.CacheKeyID, out.CacheKeyID)
	assert.Equal(t, "mock response", out.LastAgentMessage)
	assert.Equal(t, 0, out.Turn.Index)
	assert.Equal(t, "resp_mock", out.Turn.ResponseID)
	assert.Empty(t, c.payloads(EventConversationDelta))

	out = submit(t, c, info.CacheKeyID, "again", false)
	assert.Equal(t, 1, out.Turn.Index)

	rec, err := rollout.Load(info.Path)
	require.NoError(t, err)
	assert.Len(t, rec.Turns, 2)
}

func TestConversationSubmit_Stream(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)
	info := newConversation(t, c)

	out := submit(t, c, info.CacheKeyID, "hello", true)
	assert.Equal(t, "mock response", out.LastAgentMessage)

	deltas := c.payloads(EventConversationDelta)
	require.Len(t, deltas, 2)
	assert.Equal(t, "mock", deltas[0]["content"])
	assert.Equal(t, "response", deltas[1]["content"])
	assert.Equal(t, "req-3", deltas[0]["requestId"])
	assert.Equal(t, info.CacheKeyID, deltas[0]["cacheKeyId"])

	assert.Contains(t, c.eventNames(), "lineage.turn_started")
}

func TestConversationSubmit_StreamRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{stream: func(ctx context.Context, _ llm.Prompt) (*llm.ResponseStream, error) {
		item := domain.AssistantMessage("kept")
		return llm.ScriptedStream(ctx,
			llm.ResponseEvent{Type: llm.EventCreated, ResponseID: "r1"},
			llm.ResponseEvent{Type: llm.EventOutputTextDelta, Delta: "lost"},
			llm.ResponseEvent{Type: llm.EventStreamRetry, Attempt: 1, Err: errors.New("reset")},
			llm.ResponseEvent{Type: llm.EventCreated, ResponseID: "r2"},
			llm.ResponseEvent{Type: llm.EventOutputTextDelta, Delta: "kept"},
			llm.ResponseEvent{Type: llm.EventOutputItemDone, Item: &item},
			llm.ResponseEvent{Type: llm.EventCompleted, ResponseID: "r2"},
		), nil
	}})
	c := h.client(t)
	info := newConversation(t, c)

	out := submit(t, c, info.CacheKeyID, "hello", true)
	assert.Equal(t, "kept", out.LastAgentMessage)
	assert.Equal(t, "r2", out.Turn.ResponseID)

	var stream []string
	for _, name := range c.eventNames() {
		if name == EventConversationDelta || name == EventConversationRetry {
			stream = append(stream, name)
		}
	}
	assert.Equal(t, []string{EventConversationDelta, EventConversationRetry, EventConversationDelta}, stream)
	retries := c.payloads(EventConversationRetry)
	require.Len(t, retries, 1)
	assert.EqualValues(t, 1, retries[0]["attempt"])
}

func TestConversationSubmit_Errors(t *testing.T) {
	h := newHarness(t, harnessOpts{stream: func(context.Context, llm.Prompt) (*llm.ResponseStream, error) {
		return nil, &llm.TransportError{Provider: "mock", StatusCode: 400, Body: "bad request", Attempts: 1}
	}})
	c := h.client(t)
	info := newConversation(t, c)

	requireErrorCode(t, c.call("conversation.submit", map[string]any{"cacheKeyId": "missing", "text": "x"}), "not_found")
	requireErrorCode(t, c.call("conversation.submit", map[string]any{"cacheKeyId": info.CacheKeyID, "text": ""}), "invalid_params")

	res := c.call("conversation.submit", map[string]any{"cacheKeyId": info.CacheKeyID, "text": "hi"})
	requireErrorCode(t, res, "internal")
	assert.Contains(t, res.Error.Message, "turn 0")

	rec, err := rollout.Load(info.Path)
	require.NoError(t, err)
	assert.Empty(t, rec.Turns)
}

func TestConversationFork(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)
	base := newConversation(t, c)
	submit(t, c, base.CacheKeyID, "q0", false)
	submit(t, c, base.CacheKeyID, "q1", false)

	res := c.call("conversation.fork", map[string]any{"path": base.Path, "turnIndex": 0})
	requireOK(t, res)
	fork := decode[ConversationInfo](t, res)

	assert.NotEqual(t, base.CacheKeyID, fork.CacheKeyID)
	assert.Equal(t, base.WireSessionID, fork.WireSessionID)
	assert.NotEqual(t, base.Path, fork.Path)
	assert.Equal(t, 1, fork.Turns)
	require.NotNil(t, fork.ForkedFrom)
	assert.Equal(t, base.Path, fork.ForkedFrom.Path)
	assert.Equal(t, base.CacheKeyID, fork.ForkedFrom.CacheKeyID)
	assert.Equal(t, 0, fork.ForkedFrom.TurnIndex)
	assert.Contains(t, c.eventNames(), "lineage.conversation_forked")

	out := submit(t, c, fork.CacheKeyID, "f1", false)
	assert.Equal(t, 1, out.Turn.Index)

	rec, err := rollout.Load(base.Path)
	require.NoError(t, err)
	assert.Len(t, rec.Turns, 2, "source record untouched")

	res = c.call("session.list", map[string]any{"wireSessionId": base.WireSessionID})
	requireOK(t, res)
	lineage := decode[map[string][]store.RolloutEntry](t, res)["sessions"]
	require.Len(t, lineage, 2)
	assert.Equal(t, base.Path, lineage[0].Path)
	assert.Equal(t, fork.Path, lineage[1].Path)
	assert.Equal(t, base.Path, lineage[1].ForkedFromPath)
}

func TestConversationFork_Errors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)
	base := newConversation(t, c)

	requireErrorCode(t, c.call("conversation.fork", map[string]any{"path": base.Path}), "invalid_params")
	requireErrorCode(t, c.call("conversation.fork", map[string]any{"path": base.Path, "turnIndex": 3}), "invalid_params")
	requireErrorCode(t, c.call("conversation.fork", map[string]any{"path": base.Path + ".gone", "turnIndex": 0}), "not_found")
}

func TestConversationResume(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)
	base := newConversation(t, c)
	submit(t, c, base.CacheKeyID, "q0", false)

	requireErrorCode(t, c.call("conversation.resume", map[string]any{"path": base.Path}), "already_open")

	res := c.call("conversation.close", map[string]any{"cacheKeyId": base.CacheKeyID})
	requireOK(t, res)
	requireErrorCode(t, c.call("conversation.submit", map[string]any{"cacheKeyId": base.CacheKeyID, "text": "x"}), "not_found")
	requireErrorCode(t, c.call("conversation.close", map[string]any{"cacheKeyId": base.CacheKeyID}), "not_found")

	res = c.call("conversation.resume", map[string]any{"path": base.Path})
	requireOK(t, res)
	resumed := decode[ConversationInfo](t, res)
	assert.Equal(t, base.CacheKeyID, resumed.CacheKeyID)
	assert.Equal(t, base.WireSessionID, resumed.WireSessionID)
	assert.Equal(t, 1, resumed.Turns)
	assert.Contains(t, c.eventNames(), "lineage.conversation_resumed")

	out := submit(t, c, resumed.CacheKeyID, "q1", false)
	assert.Equal(t, 1, out.Turn.Index)
}

func TestConversationResume_Last(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	requireErrorCode(t, c.call("conversation.resume", map[string]any{"last": true}), "not_found")
	requireErrorCode(t, c.call("conversation.resume", nil), "invalid_params")

	newConversation(t, c)
	second := newConversation(t, c)
	requireOK(t, c.call("conversation.close", map[string]any{"cacheKeyId": second.CacheKeyID}))

	res := c.call("conversation.resume", map[string]any{"last": true})
	requireOK(t, res)
	assert.Equal(t, second.CacheKeyID, decode[ConversationInfo](t, res).CacheKeyID)
}

func TestSessionListAndSearch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	res := c.call("session.list", nil)
	requireOK(t, res)
	assert.Empty(t, decode[map[string][]store.RolloutEntry](t, res)["sessions"])

	a := newConversation(t, c)
	submit(t, c, a.CacheKeyID, "how do goroutines work", false)
	b := newConversation(t, c)
	submit(t, c, b.CacheKeyID, "explain channels", false)

	res = c.call("session.list", map[string]any{"limit": 1})
	requireOK(t, res)
	sessions := decode[map[string][]store.RolloutEntry](t, res)["sessions"]
	require.Len(t, sessions, 1)
	assert.Equal(t, b.Path, sessions[0].Path)
	assert.Equal(t, 1, sessions[0].TurnCount)
	assert.Equal(t, "explain channels", sessions[0].Preview)

	res = c.call("session.search", map[string]any{"query": "goroutines"})
	requireOK(t, res)
	hits := decode[map[string][]store.SearchHit](t, res)["hits"]
	require.Len(t, hits, 1)
	assert.Equal(t, a.Path, hits[0].Path)
	assert.Equal(t, 0, hits[0].TurnIndex)

	requireErrorCode(t, c.call("session.search", map[string]any{}), "invalid_params")
}
