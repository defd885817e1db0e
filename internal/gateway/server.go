// Package gateway serves the lineage manager over HTTP and WebSocket. Clients
// authenticate with a challenge/connect handshake, then issue JSON RPC
// frames and receive conversation events.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/hooks"
	"github.com/soyeahso/strand/internal/lineage"
	"github.com/soyeahso/strand/internal/logging"
	"github.com/soyeahso/strand/internal/store"
	"github.com/soyeahso/strand/internal/version"
)

var ErrClientClosed = errors.New("client connection closed")

const (
	maxPayload       = 4 * 1024 * 1024
	handshakeTimeout = 10 * time.Second
	shutdownTimeout  = 10 * time.Second
	relayHookName    = "gateway:relay"
)

// Server is the strand gateway.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *ClientRegistry
	handlers map[string]handlerEntry
	version  string
	eventSeq atomic.Int64

	mu        sync.RWMutex
	configRaw map[string]any

	lineage *lineage.Manager
	convCfg lineage.ConversationConfig
	index   *store.RolloutIndex
	hooks   *hooks.Manager

	flusher FlusherConfig

	startedAt   time.Time
	addr        atomic.Value // string
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

type handlerEntry struct {
	fn    RequestHandler
	async bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithConfigRaw sets the raw config map served by config.get and config.set.
func WithConfigRaw(raw map[string]any) ServerOption {
	return func(s *Server) { s.configRaw = raw }
}

// WithLineage serves conversations from m, created with cfg.
func WithLineage(m *lineage.Manager, cfg lineage.ConversationConfig) ServerOption {
	return func(s *Server) {
		s.lineage = m
		s.convCfg = cfg
	}
}

// WithIndex backs session.list, session.search and resume of the latest record.
func WithIndex(x *store.RolloutIndex) ServerOption {
	return func(s *Server) { s.index = x }
}

// WithHooks relays every hook event to connected clients and emits the
// gateway lifecycle events.
func WithHooks(h *hooks.Manager) ServerOption {
	return func(s *Server) { s.hooks = h }
}

// WithFlusher sets how conversation.delta chunks are batched.
func WithFlusher(cfg FlusherConfig) ServerOption {
	return func(s *Server) { s.flusher = cfg }
}

func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         log.Sub("gateway"),
		clients:     NewClientRegistry(log.Sub("clients")),
		handlers:    make(map[string]handlerEntry),
		version:     version.Version,
		configRaw:   make(map[string]any),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}
	s.addr.Store("")
	for _, opt := range opts {
		opt(s)
	}
	s.registerRPCHandlers()
	return s
}

// Handle registers a handler that runs on the connection's read loop.
func (s *Server) Handle(method string, h RequestHandler) {
	s.handlers[method] = handlerEntry{fn: h}
}

// HandleAsync registers a handler that runs on its own goroutine, so a long
// request does not block the connection.
func (s *Server) HandleAsync(method string, h RequestHandler) {
	s.handlers[method] = handlerEntry{fn: h, async: true}
}

// Methods returns the registered RPC methods, sorted.
func (s *Server) Methods() []string {
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Events returns the event names a client may receive.
func (s *Server) Events() []string {
	out := []string{EventChallenge, EventConversationDelta, EventConversationRetry}
	if s.hooks != nil {
		for _, ev := range hooks.AllEvents {
			out = append(out, lineageEventPrefix+ev)
		}
	}
	return out
}

func resolveBindAddr(cfg config.GatewayConfig) string {
	host := "127.0.0.1"
	switch cfg.Bind {
	case "lan", "auto":
		host = "0.0.0.0"
	case "custom":
		host = cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
	}
	return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
}

// Start serves until ctx is cancelled, then closes every client and shuts
// the HTTP server down.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if s.cfg.Gateway.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLS.CertPath, s.cfg.Gateway.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Gateway.Bind != "" && s.cfg.Gateway.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled; credentials travel in cleartext")
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)

	srv := &http.Server{
		Handler:     withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.startedAt = time.Now()
	s.startRelay()
	defer s.stopRelay()
	s.addr.Store(ln.Addr().String())

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("auth", s.auth.Mode).
		Int("methods", len(s.handlers)).
		Msg("gateway ready")
	if s.hooks != nil {
		s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{"addr": ln.Addr().String()})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.authLimiter.run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down gateway")
		if s.hooks != nil {
			s.hooks.Emit(context.WithoutCancel(ctx), hooks.EventGatewayStop, nil)
		}
		s.clients.CloseAll()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Addr returns the listen address once serving, or "".
func (s *Server) Addr() string { return s.addr.Load().(string) }

func (s *Server) nextSeq() int64 { return s.eventSeq.Add(1) }

// startRelay forwards hook events to every client as lineage.<event>.
func (s *Server) startRelay() {
	if s.hooks == nil {
		return
	}
	for _, ev := range hooks.AllEvents {
		s.hooks.On(ev, relayHookName, func(ctx context.Context, p hooks.Payload) error {
			s.clients.Broadcast(lineageEventPrefix+p.Event, p.Data, s.nextSeq())
			return nil
		})
	}
}

func (s *Server) stopRelay() {
	if s.hooks == nil {
		return
	}
	for _, ev := range hooks.AllEvents {
		s.hooks.Off(ev, relayHookName)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited after failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayload)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
		s.releaseOwned(client)
	}()
	s.readLoop(client)
}

// releaseOwned closes the conversations a departed client left open. Their
// rollouts stay on disk and can be resumed.
func (s *Server) releaseOwned(client *Client) {
	if s.lineage == nil {
		return
	}
	for _, id := range client.Owned() {
		if err := s.lineage.Remove(id); err != nil && !errors.Is(err, lineage.ErrNotFound) {
			s.log.Warn().Err(err).Str("cacheKey", id).Msg("closing abandoned conversation")
		}
	}
}

// handshake sends a challenge, reads the connect request, authenticates it
// and answers with HelloOK.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(EventChallenge, map[string]any{
		"nonce": uuid.NewString(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		rejectConn(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		rejectConn(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}
	if params.MaxProtocol != 0 && params.MaxProtocol < ProtocolVersion {
		rejectConn(conn, frame.ID, "protocol_error", "unsupported protocol")
		return nil, fmt.Errorf("client protocol %d-%d unsupported", params.MinProtocol, params.MaxProtocol)
	}

	res := Authorize(s.auth, params.Auth)
	if !res.OK {
		rejectConn(conn, frame.ID, "unauthorized", res.Reason)
		return nil, fmt.Errorf("auth failed: %s", res.Reason)
	}
	conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, params.Client, res, s.log.Sub("ws"))
	hello := HelloOK{
		Protocol: ProtocolVersion,
		Server:   ServerInfo{Version: s.version, Commit: version.Commit, ConnID: client.ConnID},
		Features: Features{Methods: s.Methods(), Events: s.Events()},
		Policy:   ServerPolicy{MaxPayload: maxPayload, TickIntervalMs: 30000},
	}
	if err := client.Respond(frame.ID, hello); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("clientId", params.Client.ID).
		Str("authMethod", res.Method).
		Msg("client authenticated")
	return client, nil
}

func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		s.dispatch(client, frame)
	}
}

func (s *Server) dispatch(client *Client, frame Frame) {
	h, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{Code: "method_not_found", Message: "unknown method: " + frame.Method})
		return
	}
	rc := &RequestContext{Client: client, Frame: frame, Server: s}
	if h.async {
		go h.fn(rc)
		return
	}
	h.fn(rc)
}

func rejectConn(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
