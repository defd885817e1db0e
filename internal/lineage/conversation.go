package lineage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/hooks"
	"github.com/soyeahso/strand/internal/llm"
	"github.com/soyeahso/strand/internal/logging"
	"github.com/soyeahso/strand/internal/rollout"
)

var (
	// ErrClosed is returned by a closed conversation.
	ErrClosed = errors.New("conversation closed")

	// ErrEmptyInput is returned by Submit for a submission with no content.
	ErrEmptyInput = errors.New("empty input")
)

const (
	submissionQueue = 8
	eventBuffer     = 64
)

type submission struct {
	id    string
	ctx   context.Context
	input domain.UserInput
}

type waiter struct {
	ch   chan Event
	done <-chan struct{}
}

// Conversation is one node of a lineage. A single worker goroutine runs its
// submissions in order and is the only writer of its rollout record.
type Conversation struct {
	mgr    *Manager
	id     domain.SessionIdentity
	meta   rollout.SessionMeta
	client llm.Client
	writer *rollout.Writer
	log    *logging.Logger

	mu    sync.RWMutex
	turns []domain.Turn

	subs   chan submission
	events chan Event

	// Submissions run by StreamTurn receive their events here instead of on
	// events.
	waitMu  sync.Mutex
	waiters map[string]waiter

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConversation(mgr *Manager, id domain.SessionIdentity, meta rollout.SessionMeta, turns []domain.Turn, w *rollout.Writer, client llm.Client) *Conversation {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		mgr:     mgr,
		id:      id,
		meta:    meta,
		client:  client,
		writer:  w,
		log:     mgr.log.With("cacheKey", id.CacheKeyID()),
		turns:   append([]domain.Turn(nil), turns...),
		subs:    make(chan submission, submissionQueue),
		events:  make(chan Event, eventBuffer),
		waiters: make(map[string]waiter),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// ID returns the conversation's cache key id.
func (c *Conversation) ID() string { return c.id.CacheKeyID() }

// Identity returns the conversation's session identity.
func (c *Conversation) Identity() domain.SessionIdentity { return c.id }

// Path returns the rollout record the conversation appends to.
func (c *Conversation) Path() string { return c.writer.Path() }

// Meta returns the record's session meta.
func (c *Conversation) Meta() rollout.SessionMeta { return c.meta }

// Turns returns a copy of the recorded history.
func (c *Conversation) Turns() []domain.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Turn(nil), c.turns...)
}

// Submit queues input and returns its submission id. ctx bounds the turn
// itself, not only the enqueue.
func (c *Conversation) Submit(ctx context.Context, input domain.UserInput) (string, error) {
	if input.IsEmpty() {
		return "", ErrEmptyInput
	}
	return c.enqueue(submission{id: newSubmissionID(), ctx: ctx, input: input})
}

func newSubmissionID() string { return uuid.Must(uuid.NewV7()).String() }

func (c *Conversation) enqueue(sub submission) (string, error) {
	ctx := sub.ctx
	select {
	case <-c.ctx.Done():
		return "", ErrClosed
	default:
	}
	select {
	case c.subs <- sub:
		return sub.id, nil
	case <-c.ctx.Done():
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// NextEvent blocks for the next event. It returns ErrClosed once the
// conversation is closed and every event has been read.
func (c *Conversation) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// WaitForEvent reads events until one satisfies match. An EventError that
// does not match ends the wait with its error.
func (c *Conversation) WaitForEvent(ctx context.Context, match func(Event) bool) (Event, error) {
	for {
		ev, err := c.NextEvent(ctx)
		if err != nil {
			return Event{}, err
		}
		if match(ev) {
			return ev, nil
		}
		if ev.Type == EventError {
			return ev, ev.Err
		}
	}
}

// RunTurn submits input and waits for the recorded turn.
func (c *Conversation) RunTurn(ctx context.Context, input domain.UserInput) (domain.Turn, error) {
	return c.StreamTurn(ctx, input, nil)
}

// StreamTurn is RunTurn with every event of the submission passed to fn.
// The submission's events are routed to this call only, so concurrent turns
// on one conversation each see their own events and NextEvent sees none of
// them.
func (c *Conversation) StreamTurn(ctx context.Context, input domain.UserInput, fn func(Event)) (domain.Turn, error) {
	if input.IsEmpty() {
		return domain.Turn{}, ErrEmptyInput
	}
	sub := submission{id: newSubmissionID(), ctx: ctx, input: input}
	ch := c.wait(sub.id, ctx.Done())
	defer c.unwait(sub.id)

	if _, err := c.enqueue(sub); err != nil {
		return domain.Turn{}, err
	}
	for {
		var ev Event
		select {
		case ev = <-ch:
		case <-c.done:
			select {
			case ev = <-ch:
			default:
				return domain.Turn{}, ErrClosed
			}
		case <-ctx.Done():
			return domain.Turn{}, ctx.Err()
		}
		if fn != nil {
			fn(ev)
		}
		switch ev.Type {
		case EventTaskComplete:
			return *ev.Turn, nil
		case EventError:
			return domain.Turn{}, ev.Err
		}
	}
}

// Close stops the worker, abandoning any turn in flight, and closes the
// rollout writer. It is safe to call more than once.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.closeErr = c.writer.Close()
		c.mgr.forget(c)
		c.log.Debug().Msg("conversation closed")
	})
	return c.closeErr
}

func (c *Conversation) run() {
	defer close(c.done)
	defer close(c.events)

	for {
		select {
		case <-c.ctx.Done():
			return
		case sub := <-c.subs:
			c.runTurn(sub)
		}
	}
}

func (c *Conversation) runTurn(sub submission) {
	ctx, cancel := context.WithCancel(sub.ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.mu.RLock()
	index := len(c.turns)
	history := domain.History(c.turns)
	c.mu.RUnlock()

	startedAt := c.mgr.now().UTC()
	userItem := sub.input.ResponseItem()

	c.send(Event{SubmissionID: sub.id, Type: EventTaskStarted})
	c.mgr.emit(ctx, hooks.EventTurnStarted, c.turnData(index, sub.id))

	prompt := llm.Prompt{Input: append(history, userItem)}
	turn, err := c.stream(ctx, sub.id, prompt)
	if err != nil {
		c.fail(ctx, sub.id, index, err)
		return
	}

	turn.Index = index
	turn.ID = uuid.Must(uuid.NewV7()).String()
	turn.Input = []domain.ResponseItem{userItem}
	turn.StartedAt = startedAt
	turn.CompletedAt = c.mgr.now().UTC()

	// The record is written before the in-memory history so a failed write
	// leaves both unchanged.
	if err := c.writer.Append(turn); err != nil {
		c.fail(ctx, sub.id, index, fmt.Errorf("appending turn: %w", err))
		return
	}
	c.mu.Lock()
	c.turns = append(c.turns, turn)
	c.mu.Unlock()

	c.mgr.indexTurn(ctx, c.Path(), turn)

	last := turn.LastAgentMessage()
	c.log.Debug().Int("turn", index).Str("responseId", turn.ResponseID).Msg("turn recorded")
	c.send(Event{SubmissionID: sub.id, Type: EventTaskComplete, Turn: &turn, LastAgentMessage: last})

	data := c.turnData(index, sub.id)
	data["responseId"] = turn.ResponseID
	data["lastAgentMessage"] = last
	c.mgr.emit(ctx, hooks.EventTurnCompleted, data)
}

// stream runs one request and collects the turn's output. Output of an
// attempt that was retried is discarded.
func (c *Conversation) stream(ctx context.Context, subID string, prompt llm.Prompt) (domain.Turn, error) {
	rs, err := c.client.Stream(ctx, prompt)
	if err != nil {
		return domain.Turn{}, err
	}
	defer rs.Close()

	var turn domain.Turn
	for {
		ev, err := rs.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.Turn{}, llm.ErrIncompleteStream
			}
			return domain.Turn{}, err
		}

		switch ev.Type {
		case llm.EventCreated:
			turn.ResponseID = ev.ResponseID
		case llm.EventOutputTextDelta:
			c.send(Event{SubmissionID: subID, Type: EventAgentMessageDelta, Delta: ev.Delta})
		case llm.EventOutputItemDone:
			if ev.Item == nil {
				continue
			}
			turn.Output = append(turn.Output, *ev.Item)
			c.send(Event{SubmissionID: subID, Type: EventOutputItem, Item: ev.Item})
		case llm.EventStreamRetry:
			turn = domain.Turn{}
			c.log.Warn().Err(ev.Err).Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("stream retry")
			c.send(Event{SubmissionID: subID, Type: EventStreamRetry, Attempt: ev.Attempt, Delay: ev.Delay, Err: ev.Err})
			data := map[string]any{"cacheKeyId": c.ID(), "submissionId": subID, "attempt": ev.Attempt}
			c.mgr.emit(ctx, hooks.EventStreamRetry, data)
		case llm.EventCompleted:
			if ev.ResponseID != "" {
				turn.ResponseID = ev.ResponseID
			}
			turn.Usage = ev.Usage
			return turn, nil
		}
	}
}

func (c *Conversation) fail(ctx context.Context, subID string, index int, err error) {
	if c.ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	terr := &TurnError{CacheKeyID: c.ID(), Path: c.Path(), TurnIndex: index, Err: err}
	c.log.Warn().Err(err).Int("turn", index).Msg("turn failed")
	c.send(Event{SubmissionID: subID, Type: EventError, Err: terr})

	data := c.turnData(index, subID)
	data["error"] = err.Error()
	c.mgr.emit(context.WithoutCancel(ctx), hooks.EventTurnFailed, data)
}

func (c *Conversation) wait(id string, done <-chan struct{}) <-chan Event {
	w := waiter{ch: make(chan Event, eventBuffer), done: done}
	c.waitMu.Lock()
	c.waiters[id] = w
	c.waitMu.Unlock()
	return w.ch
}

func (c *Conversation) unwait(id string) {
	c.waitMu.Lock()
	delete(c.waiters, id)
	c.waitMu.Unlock()
}

// send delivers ev to the submission's waiter, or to the shared stream when
// it has none, unless the conversation is closing.
func (c *Conversation) send(ev Event) {
	c.waitMu.Lock()
	w, ok := c.waiters[ev.SubmissionID]
	c.waitMu.Unlock()
	if ok {
		select {
		case w.ch <- ev:
		case <-w.done:
		case <-c.ctx.Done():
		}
		return
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Conversation) hookData() map[string]any {
	c.mu.RLock()
	n := len(c.turns)
	c.mu.RUnlock()
	return map[string]any{
		"cacheKeyId":    c.id.CacheKeyID(),
		"wireSessionId": c.id.WireSessionID(),
		"path":          c.Path(),
		"source":        c.mgr.source.String(),
		"turns":         n,
	}
}

func (c *Conversation) turnData(index int, subID string) map[string]any {
	return map[string]any{
		"cacheKeyId":    c.id.CacheKeyID(),
		"wireSessionId": c.id.WireSessionID(),
		"path":          c.Path(),
		"turnIndex":     index,
		"submissionId":  subID,
	}
}
