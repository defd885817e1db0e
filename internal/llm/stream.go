package llm

import (
	"context"
	"io"
	"sync"
)

// ResponseStream is the consumer side of one streamed response. Events are
// delivered on an unbuffered channel, so a consumer that stops reading
// suspends the producer.
type ResponseStream struct {
	ch     <-chan ResponseEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewResponseStream adapts a producer channel. The producer must close ch
// when it exits and should stop once cancel is called.
func NewResponseStream(ch <-chan ResponseEvent, cancel context.CancelFunc) *ResponseStream {
	if cancel == nil {
		cancel = func() {}
	}
	return &ResponseStream{ch: ch, cancel: cancel}
}

// Events exposes the raw channel. The last event of a failed stream has type
// EventFailed.
func (s *ResponseStream) Events() <-chan ResponseEvent { return s.ch }

// Recv blocks for the next event. It returns io.EOF once the stream has ended
// cleanly and the terminal error of a failed stream otherwise.
func (s *ResponseStream) Recv(ctx context.Context) (ResponseEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			if err := s.Err(); err != nil {
				return ResponseEvent{}, err
			}
			return ResponseEvent{}, io.EOF
		}
		if ev.Type == EventFailed {
			s.setErr(ev.Err)
			return ev, ev.Err
		}
		return ev, nil
	case <-ctx.Done():
		return ResponseEvent{}, ctx.Err()
	}
}

// Err returns the terminal error, if one was observed.
func (s *ResponseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ResponseStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close cancels the request and waits for the producer to exit, releasing
// the connection. Unread events are discarded.
func (s *ResponseStream) Close() error {
	s.cancel()
	for range s.ch {
	}
	return nil
}
