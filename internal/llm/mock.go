package llm

import (
	"context"
	"sync"

	"github.com/soyeahso/strand/internal/domain"
)

// MockClient is a test double for Client. Prompts are recorded in order.
type MockClient struct {
	ProviderName string
	StreamFunc   func(ctx context.Context, prompt Prompt) (*ResponseStream, error)

	mu      sync.Mutex
	prompts []Prompt
}

func (m *MockClient) Name() string { return m.ProviderName }

func (m *MockClient) Stream(ctx context.Context, prompt Prompt) (*ResponseStream, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, prompt)
	}
	return ScriptedStream(ctx,
		ResponseEvent{Type: EventCreated, ResponseID: "resp_mock"},
		ResponseEvent{Type: EventOutputTextDelta, Delta: "mock "},
		ResponseEvent{Type: EventOutputTextDelta, Delta: "response"},
		ResponseEvent{Type: EventOutputItemDone, Item: ptr(domain.AssistantMessage("mock response"))},
		ResponseEvent{Type: EventCompleted, ResponseID: "resp_mock"},
	), nil
}

// Prompts returns the prompts received so far.
func (m *MockClient) Prompts() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Prompt(nil), m.prompts...)
}

// ScriptedStream replays events on a ResponseStream until they run out or
// the stream is closed.
func ScriptedStream(ctx context.Context, events ...ResponseEvent) *ResponseStream {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan ResponseEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return NewResponseStream(ch, cancel)
}

func ptr[T any](v T) *T { return &v }
