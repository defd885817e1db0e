package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/hooks"
	"github.com/soyeahso/strand/internal/lineage"
	"github.com/soyeahso/strand/internal/llm"
	"github.com/soyeahso/strand/internal/rollout"
	"github.com/soyeahso/strand/internal/store"
)

const testToken = "test-token-123"

type harness struct {
	srv   *Server
	addr  string
	mgr   *lineage.Manager
	index *store.RolloutIndex
	hooks *hooks.Manager
}

type harnessOpts struct {
	stream func(ctx context.Context, p llm.Prompt) (*llm.ResponseStream, error)
}

// steppingClock advances one second per reading so records sort by creation.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	log := testLog()

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	index := store.NewRolloutIndex(db)

	hm := hooks.NewManager(log)
	mgr := lineage.NewManager(
		rollout.New(t.TempDir(), log, rollout.WithFsync(false)),
		lineage.WithClientFactory(func(cfg llm.ClientConfig) (llm.Client, error) {
			return &llm.MockClient{ProviderName: cfg.Provider.Name, StreamFunc: o.stream}, nil
		}),
		lineage.WithIndex(index),
		lineage.WithHooks(hm),
		lineage.WithLogger(log),
		lineage.WithSessionSource(domain.TopLevel(domain.SourceExec)),
		lineage.WithClock(steppingClock()),
	)
	t.Cleanup(func() { mgr.Close() })

	cfg := config.Defaults()
	cfg.Gateway.Auth = config.GatewayAuth{Mode: "token", Token: testToken}
	raw := map[string]any{
		"model":   "gpt-5",
		"logging": map[string]any{"level": "info"},
		"auth":    map[string]any{"file": "/secret/auth.json"},
	}

	srv := New(cfg, log,
		WithConfigRaw(raw),
		WithLineage(mgr, lineage.ConversationConfig{ProviderName: "mock", Model: "mock-model"}),
		WithIndex(index),
		WithHooks(hm),
		WithFlusher(FlusherConfig{MaxBufferBytes: 1, IdleTimeout: time.Minute}),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shut down")
		}
	})

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 5*time.Millisecond)
	return &harness{srv: srv, addr: srv.Addr(), mgr: mgr, index: index, hooks: hm}
}

func (h *harness) url(path string) string { return "http://" + h.addr + path }

// wsClient is a test client speaking the frame protocol.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	n      int
	events []Frame
}

func (h *harness) dial(t *testing.T) (*wsClient, Frame) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &wsClient{t: t, conn: conn}

	challenge := c.read()
	require.Equal(t, FrameTypeEvent, challenge.Type)
	require.Equal(t, EventChallenge, challenge.Event)
	return c, challenge
}

// connect dials and authenticates with token.
func (h *harness) connect(t *testing.T, token string) (*wsClient, Frame) {
	t.Helper()
	c, _ := h.dial(t)
	res := c.call("connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client:      ClientInfo{ID: "test-client", Version: "1.0.0"},
		Auth:        &ConnectAuth{Token: token},
	})
	return c, res
}

func (h *harness) client(t *testing.T) *wsClient {
	t.Helper()
	c, res := h.connect(t, testToken)
	requireOK(t, res)
	return c
}

func (c *wsClient) read() Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// call sends a request and returns its response. Events that arrive first
// are kept in c.events.
func (c *wsClient) call(method string, params any) Frame {
	c.t.Helper()
	c.n++
	id := fmt.Sprintf("req-%d", c.n)
	req, err := NewRequest(id, method, params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(req))

	for {
		f := c.read()
		if f.Type == FrameTypeEvent {
			c.events = append(c.events, f)
			continue
		}
		if f.ID == id {
			return f
		}
	}
}

func (c *wsClient) eventNames() []string {
	var out []string
	for _, f := range c.events {
		out = append(out, f.Event)
	}
	return out
}

func (c *wsClient) payloads(event string) []map[string]any {
	var out []map[string]any
	for _, f := range c.events {
		if f.Event != event {
			continue
		}
		var m map[string]any
		require.NoError(c.t, json.Unmarshal(f.Payload, &m))
		out = append(out, m)
	}
	return out
}

func requireOK(t *testing.T, f Frame) {
	t.Helper()
	require.NotNil(t, f.OK)
	if !*f.OK {
		require.Failf(t, "request failed", "%s: %s", f.Error.Code, f.Error.Message)
	}
}

func requireErrorCode(t *testing.T, f Frame, code string) {
	t.Helper()
	require.NotNil(t, f.OK)
	require.False(t, *f.OK)
	require.NotNil(t, f.Error)
	require.Equal(t, code, f.Error.Code, f.Error.Message)
}

func decode[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}
