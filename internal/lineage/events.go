package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/rollout"
)

// EventType identifies a conversation Event.
type EventType string

const (
	EventTaskStarted       EventType = "task_started"
	EventAgentMessageDelta EventType = "agent_message_delta"
	EventOutputItem        EventType = "output_item"

	// EventStreamRetry means the stream was re-issued. Deltas and items
	// received since the last EventTaskStarted or EventStreamRetry are void.
	EventStreamRetry EventType = "stream_retry"

	EventTaskComplete EventType = "task_complete"
	EventError        EventType = "error"
)

// Event is emitted by a conversation's worker while it runs a submission.
type Event struct {
	SubmissionID string    `json:"submissionId"`
	Type         EventType `json:"type"`

	Delta string               `json:"delta,omitempty"`
	Item  *domain.ResponseItem `json:"item,omitempty"`

	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`

	// Set on EventTaskComplete.
	Turn             *domain.Turn `json:"turn,omitempty"`
	LastAgentMessage string       `json:"lastAgentMessage,omitempty"`

	// Set on EventError, and on EventStreamRetry as the cause.
	Err error `json:"-"`
}

// Index receives rollout metadata and completed turns. Failures are logged;
// the rollout file stays authoritative.
type Index interface {
	Upsert(ctx context.Context, path string, meta rollout.SessionMeta) error
	RecordTurn(ctx context.Context, path string, t domain.Turn) error
	IndexRecord(ctx context.Context, rec *rollout.Record) error
}

// TurnError describes a submission that produced no turn.
type TurnError struct {
	CacheKeyID string
	Path       string
	TurnIndex  int
	Err        error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("conversation %s (%s): turn %d: %v", e.CacheKeyID, e.Path, e.TurnIndex, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
