package gateway

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/hooks"
)

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp, err := http.Get(h.url("/health"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, HealthResponse{Status: "ok"}, health)
}

func TestNotFoundEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp, err := http.Get(h.url("/nonexistent"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, challenge := h.dial(t)
	var p map[string]any
	require.NoError(t, json.Unmarshal(challenge.Payload, &p))
	assert.NotEmpty(t, p["nonce"])

	c, res := h.connect(t, testToken)
	requireOK(t, res)
	hello := decode[HelloOK](t, res)
	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Contains(t, hello.Features.Methods, "conversation.submit")
	assert.Contains(t, hello.Features.Methods, "session.search")
	assert.Contains(t, hello.Features.Events, "lineage.turn_completed")
	assert.Contains(t, hello.Features.Events, EventConversationDelta)
	assert.Empty(t, c.events)
}

func TestHandshake_Rejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, res := h.connect(t, "wrong")
	requireErrorCode(t, res, "unauthorized")
	assert.Equal(t, "token_mismatch", res.Error.Message)
}

func TestHandshake_NotConnect(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	c, _ := h.dial(t)
	res := c.call("health", nil)
	requireErrorCode(t, res, "protocol_error")
}

func TestHandshake_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for range authRateMaxFails {
		h.srv.authLimiter.recordFailure("127.0.0.1:1")
	}

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRPC_Health(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	res := c.call("health", nil)
	requireOK(t, res)
	health := decode[HealthResponse](t, res)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
	assert.Zero(t, health.Conversations)
}

func TestRPC_UnknownMethod(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	requireErrorCode(t, c.call("chat.send", nil), "method_not_found")
}

func TestRPC_Config(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	res := c.call("config.get", map[string]any{"key": "model"})
	requireOK(t, res)
	assert.Equal(t, "gpt-5", decode[map[string]any](t, res)["value"])

	requireOK(t, c.call("config.set", map[string]any{"key": "logging.level", "value": "debug"}))
	res = c.call("config.get", map[string]any{"key": "logging.level"})
	requireOK(t, res)
	assert.Equal(t, "debug", decode[map[string]any](t, res)["value"])

	requireErrorCode(t, c.call("config.get", map[string]any{"key": "auth.file"}), "forbidden")
	requireErrorCode(t, c.call("config.set", map[string]any{"key": "modelProviders.x.baseUrl", "value": "http://evil"}), "forbidden")
	requireErrorCode(t, c.call("config.get", map[string]any{"key": "gateway.port"}), "not_found")
	requireErrorCode(t, c.call("config.get", map[string]any{}), "invalid_params")
	requireErrorCode(t, c.call("config.get", map[string]any{"key": "logging..level"}), "invalid_params")
}

func TestRPC_ConfigSetAppliesToNewConversations(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(t)

	res := c.call("config.set", map[string]any{"key": "model", "value": "gpt-live"})
	requireOK(t, res)
	assert.Equal(t, true, decode[map[string]any](t, res)["applied"])
	assert.Equal(t, "gpt-live", newConversation(t, c).Model)

	res = c.call("config.set", map[string]any{"key": "logging.level", "value": "debug"})
	requireOK(t, res)
	assert.Equal(t, false, decode[map[string]any](t, res)["applied"])

	requireErrorCode(t, c.call("config.set", map[string]any{"key": "model", "value": 42}), "invalid_params")
	res = c.call("config.get", map[string]any{"key": "model"})
	requireOK(t, res)
	assert.Equal(t, "gpt-live", decode[map[string]any](t, res)["value"])
}

func TestIsAllowedConfigPath(t *testing.T) {
	assert.True(t, isAllowedConfigPath("model"))
	assert.True(t, isAllowedConfigPath("logging.level"))
	assert.True(t, isAllowedConfigPath("gateway.allowedOrigins"))
	assert.False(t, isAllowedConfigPath("models"))
	assert.False(t, isAllowedConfigPath("gateway.auth.token"))
	assert.False(t, isAllowedConfigPath("auth"))
}

func TestMethods_WithoutLineage(t *testing.T) {
	s := New(config.Defaults(), testLog())
	assert.Equal(t, []string{"config.get", "config.set", "health"}, s.Methods())
	assert.NotContains(t, s.Events(), "lineage.turn_started")
}

func TestRelay_Registered(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for _, ev := range hooks.AllEvents {
		assert.Equal(t, 1, h.hooks.Count(ev), ev)
	}
}
