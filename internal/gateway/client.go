package gateway

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/strand/internal/logging"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Client is one authenticated connection. Frame writes are serialized; reads
// belong to the server's read loop.
type Client struct {
	ConnID      string
	Info        ClientInfo
	Socket      *websocket.Conn
	AuthResult  AuthResult
	ConnectedAt time.Time

	// ctx ends with the connection, stopping turns still running for it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// conversations this connection opened; they are closed with it
	owned map[string]struct{}
	log   *logging.Logger
}

func NewClient(conn *websocket.Conn, info ClientInfo, res AuthResult, log *logging.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.Must(uuid.NewV7()).String()
	return &Client{
		ConnID:      id,
		Info:        info,
		Socket:      conn,
		AuthResult:  res,
		ConnectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		log:         log.With("connId", id),
	}
}

// Context is done once the client is closed.
func (c *Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Socket == nil {
		return ErrClientClosed
	}
	if err := c.Socket.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.Socket.WriteJSON(f)
}

func (c *Client) SendEvent(event string, payload any, seq int64) error {
	f, err := NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Client) RespondError(reqID string, e ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, e))
}

// ReadFrame blocks for the next frame. Malformed JSON is an error; the read
// loop drops the connection on it.
func (c *Client) ReadFrame() (Frame, error) {
	var f Frame
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(msg, &f)
	return f, err
}

// Own marks a conversation as opened by this connection.
func (c *Client) Own(cacheKeyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owned == nil {
		c.owned = make(map[string]struct{})
	}
	c.owned[cacheKeyID] = struct{}{}
}

// Disown forgets a conversation, e.g. after an explicit conversation.close.
func (c *Client) Disown(cacheKeyID string) {
	c.mu.Lock()
	delete(c.owned, cacheKeyID)
	c.mu.Unlock()
}

// Owns reports whether this connection opened the conversation.
func (c *Client) Owns(cacheKeyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owned[cacheKeyID]
	return ok
}

// Owned returns the cache key ids of the conversations this connection
// opened, sorted.
func (c *Client) Owned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.owned))
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.Socket == nil {
		return nil
	}
	return c.Socket.Close()
}

// ClientRegistry tracks connected clients by connection id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *logging.Logger
}

func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client), log: log}
}

func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c.ConnID] = c
	n := len(r.clients)
	r.mu.Unlock()
	r.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Int("clients", n).Msg("client connected")
}

func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	_, ok := r.clients[connID]
	delete(r.clients, connID)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("connId", connID).Msg("client disconnected")
	}
}

func (r *ClientRegistry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *ClientRegistry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Values(r.clients))
}

// Broadcast sends an event to every client, writing outside the registry
// lock. Failures are logged.
func (r *ClientRegistry) Broadcast(event string, payload any, seq int64) {
	for _, c := range r.snapshot() {
		if err := c.SendEvent(event, payload, seq); err != nil {
			r.log.Debug().Err(err).Str("connId", c.ConnID).Str("event", event).Msg("broadcast send failed")
		}
	}
}

func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
