package rollout

import (
	"encoding/json"
	"time"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/version"
)

// Line types.
const (
	lineSessionMeta = "session_meta"
	lineTurn        = "turn"
)

// ForkedFrom points at the record and turn a fork was taken from.
type ForkedFrom struct {
	Path       string `json:"path"`
	CacheKeyID string `json:"cache_key_id"`
	TurnIndex  int    `json:"turn_index"`
}

// SessionMeta is the first line of every rollout file.
type SessionMeta struct {
	CacheKeyID    string               `json:"cache_key_id"`
	WireSessionID string               `json:"wire_session_id"`
	Source        domain.SessionSource `json:"source"`
	Model         string               `json:"model,omitempty"`
	ModelProvider string               `json:"model_provider,omitempty"`
	Instructions  string               `json:"instructions,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	Originator    string               `json:"originator"`
	CLIVersion    string               `json:"cli_version"`
	ForkedFrom    *ForkedFrom          `json:"forked_from,omitempty"`
}

// NewSessionMeta stamps a meta line for a new record.
func NewSessionMeta(id domain.SessionIdentity, source domain.SessionSource, model, provider string) SessionMeta {
	return SessionMeta{
		CacheKeyID:    id.CacheKeyID(),
		WireSessionID: id.WireSessionID(),
		Source:        source,
		Model:         model,
		ModelProvider: provider,
		CreatedAt:     time.Now().UTC(),
		Originator:    version.Originator,
		CLIVersion:    version.Version,
	}
}

// Identity restores the identity recorded in the meta line.
func (m SessionMeta) Identity() (domain.SessionIdentity, error) {
	return domain.RestoreIdentity(m.CacheKeyID, m.WireSessionID)
}

// Record is a rollout file held in memory.
type Record struct {
	// Path is empty for records not yet persisted.
	Path  string
	Meta  SessionMeta
	Turns []domain.Turn
}

// Identity restores the record's identity.
func (r *Record) Identity() (domain.SessionIdentity, error) {
	return r.Meta.Identity()
}

// History flattens the record's turns into request input.
func (r *Record) History() []domain.ResponseItem {
	return domain.History(r.Turns)
}

type line struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// encodeLine renders one newline-terminated JSONL line.
func encodeLine(typ string, ts time.Time, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(line{Timestamp: ts.UTC(), Type: typ, Payload: raw})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
