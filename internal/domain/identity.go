package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidIdentity is returned when a persisted identity cannot be restored.
var ErrInvalidIdentity = errors.New("invalid session identity")

// SessionIdentity pairs the two identifiers a conversation carries on the wire.
//
// The cache key names one node of a lineage and is sent as the request body's
// prompt_cache_key. The wire session id names the whole lineage and is sent in
// the conversation_id, session_id and extra headers. Both are fixed once
// assigned; a fork derives a new value instead of mutating this one.
type SessionIdentity struct {
	cacheKeyID    uuid.UUID
	wireSessionID uuid.UUID
}

// NewRootIdentity mints both identifiers for the first conversation of a lineage.
func NewRootIdentity() SessionIdentity {
	return SessionIdentity{
		cacheKeyID:    newID(),
		wireSessionID: newID(),
	}
}

// Fork returns the identity of a child node: fresh cache key, same wire session.
func (s SessionIdentity) Fork() SessionIdentity {
	return SessionIdentity{
		cacheKeyID:    newID(),
		wireSessionID: s.wireSessionID,
	}
}

// RestoreIdentity rebuilds an identity recorded by a previous process.
// Neither identifier is regenerated.
func RestoreIdentity(cacheKeyID, wireSessionID string) (SessionIdentity, error) {
	ck, err := uuid.Parse(cacheKeyID)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("%w: cache key %q: %v", ErrInvalidIdentity, cacheKeyID, err)
	}
	ws, err := uuid.Parse(wireSessionID)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("%w: wire session %q: %v", ErrInvalidIdentity, wireSessionID, err)
	}
	if ck == uuid.Nil || ws == uuid.Nil {
		return SessionIdentity{}, fmt.Errorf("%w: nil identifier", ErrInvalidIdentity)
	}
	return SessionIdentity{cacheKeyID: ck, wireSessionID: ws}, nil
}

// CacheKeyID returns the per-node identifier.
func (s SessionIdentity) CacheKeyID() string { return s.cacheKeyID.String() }

// WireSessionID returns the lineage-wide identifier.
func (s SessionIdentity) WireSessionID() string { return s.wireSessionID.String() }

// IsZero reports whether the identity was never assigned.
func (s SessionIdentity) IsZero() bool {
	return s.cacheKeyID == uuid.Nil && s.wireSessionID == uuid.Nil
}

// String returns a compact form for logs.
func (s SessionIdentity) String() string {
	return "cache=" + s.CacheKeyID() + " wire=" + s.WireSessionID()
}

func newID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// SessionSourceKind classifies who started a conversation.
type SessionSourceKind string

const (
	SourceCLI      SessionSourceKind = "cli"
	SourceExec     SessionSourceKind = "exec"
	SourceGateway  SessionSourceKind = "gateway"
	SourceSubAgent SessionSourceKind = "subagent"
)

// SubAgentKind names a sub-agent flavor.
type SubAgentKind string

const (
	SubAgentReview SubAgentKind = "review"
	SubAgentOther  SubAgentKind = "other"
)

// SubAgentSource describes a sub-agent invocation.
type SubAgentSource struct {
	Kind  SubAgentKind `json:"kind"`
	Label string       `json:"label,omitempty"` // set when Kind is SubAgentOther
}

// SessionSource is the session-source metadata attached to every request.
type SessionSource struct {
	Kind     SessionSourceKind `json:"kind"`
	SubAgent *SubAgentSource   `json:"subagent,omitempty"`
}

// TopLevel returns a non-sub-agent source of the given kind.
func TopLevel(kind SessionSourceKind) SessionSource {
	return SessionSource{Kind: kind}
}

// ReviewSubAgent returns the source for the built-in review sub-agent.
func ReviewSubAgent() SessionSource {
	return SessionSource{Kind: SourceSubAgent, SubAgent: &SubAgentSource{Kind: SubAgentReview}}
}

// NamedSubAgent returns the source for a caller-labelled sub-agent.
func NamedSubAgent(label string) SessionSource {
	return SessionSource{Kind: SourceSubAgent, SubAgent: &SubAgentSource{Kind: SubAgentOther, Label: label}}
}

// SubAgentHeader returns the x-openai-subagent value, if any.
func (s SessionSource) SubAgentHeader() (string, bool) {
	if s.Kind != SourceSubAgent || s.SubAgent == nil {
		return "", false
	}
	switch s.SubAgent.Kind {
	case SubAgentReview:
		return string(SubAgentReview), true
	case SubAgentOther:
		if s.SubAgent.Label == "" {
			return "", false
		}
		return s.SubAgent.Label, true
	default:
		return "", false
	}
}

// String returns the source as shown in listings.
func (s SessionSource) String() string {
	if v, ok := s.SubAgentHeader(); ok {
		return string(SourceSubAgent) + ":" + v
	}
	if s.Kind == "" {
		return string(SourceCLI)
	}
	return string(s.Kind)
}

// ParseSessionSource is the inverse of String.
func ParseSessionSource(s string) SessionSource {
	switch s {
	case "", string(SourceCLI):
		return TopLevel(SourceCLI)
	case string(SourceExec):
		return TopLevel(SourceExec)
	case string(SourceGateway):
		return TopLevel(SourceGateway)
	case string(SourceSubAgent) + ":" + string(SubAgentReview):
		return ReviewSubAgent()
	}
	if label, ok := strings.CutPrefix(s, string(SourceSubAgent)+":"); ok && label != "" {
		return NamedSubAgent(label)
	}
	return TopLevel(SessionSourceKind(s))
}
