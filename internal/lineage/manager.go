// Package lineage creates, forks and resumes conversations. It is the only
// place session identities are minted: a new conversation gets a fresh root
// identity, a fork keeps the wire session id and draws a new cache key, and a
// resume restores both from the rollout record unchanged.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/soyeahso/strand/internal/auth"
	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/hooks"
	"github.com/soyeahso/strand/internal/llm"
	"github.com/soyeahso/strand/internal/logging"
	"github.com/soyeahso/strand/internal/rollout"
)

var (
	// ErrNotFound is returned by Get and Remove for unknown conversations.
	ErrNotFound = errors.New("conversation not found")

	// ErrAlreadyOpen is returned when a record is resumed while a
	// conversation in this process still writes to it.
	ErrAlreadyOpen = errors.New("conversation already open")
)

// ConversationConfig selects the model and backend a conversation talks to.
type ConversationConfig struct {
	ProviderName string
	Provider     config.ProviderConfig
	Model        string
	Effort       string
	Summary      string
	Instructions string

	Credentials *auth.Credentials
	HTTPClient  *http.Client

	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// FromConfig builds a ConversationConfig from loaded settings.
func FromConfig(cfg config.Config, creds *auth.Credentials) (ConversationConfig, error) {
	p, err := cfg.ResolveProvider()
	if err != nil {
		return ConversationConfig{}, err
	}
	name := cfg.ModelProvider
	if name == "" {
		name = config.ProviderOpenAI
	}
	return ConversationConfig{
		ProviderName: name,
		Provider:     p,
		Model:        cfg.Model,
		Effort:       cfg.ModelReasoningEffort,
		Summary:      cfg.ModelReasoningSummary,
		Instructions: cfg.Instructions,
		Credentials:  creds,
	}, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithHooks sets the hook manager lifecycle events are emitted on.
func WithHooks(h *hooks.Manager) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithIndex sets the rollout index kept in sync with written records.
func WithIndex(x Index) Option {
	return func(m *Manager) { m.index = x }
}

// WithClientFactory replaces llm.NewClient.
func WithClientFactory(f llm.Factory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithSessionSource sets the source sent on the wire by every conversation
// this manager runs. Defaults to a top-level CLI session.
func WithSessionSource(s domain.SessionSource) Option {
	return func(m *Manager) { m.source = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides time.Now for turn and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the live conversations of a process.
type Manager struct {
	store     *rollout.Store
	hooks     *hooks.Manager
	index     Index
	newClient llm.Factory
	source    domain.SessionSource
	log       *logging.Logger
	now       func() time.Time

	mu            sync.RWMutex
	conversations map[string]*Conversation
	// cache keys being resumed; their records must not be reopened
	resuming map[string]struct{}
}

// NewManager creates a manager writing records to store.
func NewManager(store *rollout.Store, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		newClient:     llm.NewClient,
		source:        domain.TopLevel(domain.SourceCLI),
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		resuming:      make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = logging.New(nil, "silent")
	}
	m.log = m.log.Sub("lineage")
	return m
}

// Source returns the session source conversations are started with.
func (m *Manager) Source() domain.SessionSource { return m.source }

// NewConversation starts the root of a new lineage with an empty history.
func (m *Manager) NewConversation(ctx context.Context, cfg ConversationConfig) (*Conversation, error) {
	id := domain.NewRootIdentity()

	client, err := m.client(cfg, id)
	if err != nil {
		return nil, err
	}

	meta := m.meta(id, m.source, cfg)
	w, err := m.store.Create(meta)
	if err != nil {
		return nil, fmt.Errorf("creating rollout for %s: %w", id, err)
	}

	c, err := m.start(id, meta, nil, w, client)
	if err != nil {
		w.Close()
		return nil, err
	}
	m.indexMeta(ctx, w.Path(), meta)

	m.log.Info().
		Str("cacheKey", id.CacheKeyID()).
		Str("wireSession", id.WireSessionID()).
		Str("path", w.Path()).
		Msg("conversation created")
	m.emit(ctx, hooks.EventConversationCreated, c.hookData())
	return c, nil
}

// ForkConversation branches the record at sourcePath after turn turnIndex.
// The fork holds turns [0..turnIndex], keeps the source's wire session id and
// draws a new cache key. The source record is only read.
func (m *Manager) ForkConversation(ctx context.Context, turnIndex int, cfg ConversationConfig, sourcePath string) (*Conversation, error) {
	rec, err := rollout.TruncateCopy(sourcePath, turnIndex)
	if err != nil {
		return nil, fmt.Errorf("forking %s at turn %d: %w", sourcePath, turnIndex, err)
	}
	parent, err := rec.Identity()
	if err != nil {
		return nil, fmt.Errorf("forking %s: %w", sourcePath, err)
	}
	id := parent.Fork()

	rec.Meta.CacheKeyID = id.CacheKeyID()
	rec.Meta.WireSessionID = id.WireSessionID()
	rec.Meta.CreatedAt = m.now().UTC()
	if cfg.Model != "" {
		rec.Meta.Model = cfg.Model
	}
	if cfg.ProviderName != "" {
		rec.Meta.ModelProvider = cfg.ProviderName
	}
	if cfg.Instructions != "" {
		rec.Meta.Instructions = cfg.Instructions
	} else {
		cfg.Instructions = rec.Meta.Instructions
	}

	client, err := m.client(cfg, id)
	if err != nil {
		return nil, err
	}

	w, err := m.store.CreateFrom(rec)
	if err != nil {
		return nil, fmt.Errorf("persisting fork of %s: %w", sourcePath, err)
	}

	c, err := m.start(id, rec.Meta, rec.Turns, w, client)
	if err != nil {
		w.Close()
		return nil, err
	}
	m.indexRecord(ctx, rec)

	m.log.Info().
		Str("cacheKey", id.CacheKeyID()).
		Str("parentCacheKey", parent.CacheKeyID()).
		Str("wireSession", id.WireSessionID()).
		Int("turnIndex", turnIndex).
		Str("path", w.Path()).
		Msg("conversation forked")

	data := c.hookData()
	data["forkedFrom"] = sourcePath
	data["forkTurnIndex"] = turnIndex
	m.emit(ctx, hooks.EventConversationForked, data)
	return c, nil
}

// ResumeConversationFromRollout reopens the record at path. Both identities
// and the full history are restored; new turns are appended to the same
// file. creds, when non-nil, replaces cfg.Credentials. A record whose
// conversation is live is refused before the file is opened for writing.
func (m *Manager) ResumeConversationFromRollout(ctx context.Context, cfg ConversationConfig, path string, creds *auth.Credentials) (*Conversation, error) {
	meta, err := rollout.ReadMeta(path)
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", path, err)
	}
	metaID, err := meta.Identity()
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", path, err)
	}
	if err := m.reserve(metaID.CacheKeyID()); err != nil {
		return nil, err
	}
	defer m.release(metaID.CacheKeyID())

	rec, w, err := m.store.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", path, err)
	}
	id, err := rec.Identity()
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("resuming %s: %w", path, err)
	}

	if creds != nil {
		cfg.Credentials = creds
	}
	if cfg.Instructions == "" {
		cfg.Instructions = rec.Meta.Instructions
	}
	client, err := m.client(cfg, id)
	if err != nil {
		w.Close()
		return nil, err
	}

	c, err := m.start(id, rec.Meta, rec.Turns, w, client)
	if err != nil {
		w.Close()
		return nil, err
	}
	m.indexRecord(ctx, rec)

	m.log.Info().
		Str("cacheKey", id.CacheKeyID()).
		Str("wireSession", id.WireSessionID()).
		Int("turns", len(rec.Turns)).
		Str("path", path).
		Msg("conversation resumed")
	m.emit(ctx, hooks.EventConversationResumed, c.hookData())
	return c, nil
}

// Get returns a live conversation by cache key id.
func (m *Manager) Get(id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// List returns the live conversations.
func (m *Manager) List() []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, c)
	}
	return out
}

// Remove closes a conversation and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	c, ok := m.conversations[id]
	delete(m.conversations, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Close()
}

// Close closes every live conversation.
func (m *Manager) Close() error {
	m.mu.Lock()
	convs := m.conversations
	m.conversations = make(map[string]*Conversation)
	m.mu.Unlock()

	var errs []error
	for _, c := range convs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) start(id domain.SessionIdentity, meta rollout.SessionMeta, turns []domain.Turn, w *rollout.Writer, client llm.Client) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id.CacheKeyID()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, id.CacheKeyID())
	}
	c := newConversation(m, id, meta, turns, w, client)
	m.conversations[id.CacheKeyID()] = c
	return c, nil
}

// reserve claims a cache key for a resume in progress.
func (m *Manager) reserve(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, live := m.conversations[key]
	_, busy := m.resuming[key]
	if live || busy {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, key)
	}
	m.resuming[key] = struct{}{}
	return nil
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	delete(m.resuming, key)
	m.mu.Unlock()
}

func (m *Manager) forget(c *Conversation) {
	m.mu.Lock()
	if m.conversations[c.ID()] == c {
		delete(m.conversations, c.ID())
	}
	m.mu.Unlock()
}

func (m *Manager) client(cfg ConversationConfig, id domain.SessionIdentity) (llm.Client, error) {
	p := cfg.Provider
	if p.Name == "" {
		p.Name = cfg.ProviderName
	}
	return m.newClient(llm.ClientConfig{
		Provider:     p,
		Model:        cfg.Model,
		Effort:       cfg.Effort,
		Summary:      cfg.Summary,
		Instructions: cfg.Instructions,
		Identity:     id,
		Source:       m.source,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		Logger:       m.log,
	})
}

func (m *Manager) meta(id domain.SessionIdentity, source domain.SessionSource, cfg ConversationConfig) rollout.SessionMeta {
	meta := rollout.NewSessionMeta(id, source, cfg.Model, cfg.ProviderName)
	meta.Instructions = cfg.Instructions
	meta.CreatedAt = m.now().UTC()
	return meta
}

func (m *Manager) emit(ctx context.Context, event string, data map[string]any) {
	if m.hooks != nil {
		m.hooks.Emit(ctx, event, data)
	}
}

func (m *Manager) indexMeta(ctx context.Context, path string, meta rollout.SessionMeta) {
	if m.index == nil {
		return
	}
	if err := m.index.Upsert(ctx, path, meta); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("index update failed")
	}
}

func (m *Manager) indexRecord(ctx context.Context, rec *rollout.Record) {
	if m.index == nil {
		return
	}
	if err := m.index.IndexRecord(ctx, rec); err != nil {
		m.log.Warn().Err(err).Str("path", rec.Path).Msg("index update failed")
	}
}

func (m *Manager) indexTurn(ctx context.Context, path string, t domain.Turn) {
	if m.index == nil {
		return
	}
	if err := m.index.RecordTurn(ctx, path, t); err != nil {
		m.log.Warn().Err(err).Str("path", path).Int("turn", t.Index).Msg("index update failed")
	}
}
