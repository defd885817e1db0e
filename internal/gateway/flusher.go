package gateway

import (
	"strings"
	"sync"
	"time"
)

// FlusherConfig controls when buffered deltas are emitted.
type FlusherConfig struct {
	MaxBufferBytes int           // default 300
	IdleTimeout    time.Duration // default 2s
}

const minSentenceBytes = 40

// StreamFlusher buffers text deltas and hands chunks to a sink at paragraph
// or sentence boundaries, when the buffer grows past MaxBufferBytes, or after
// IdleTimeout without a new delta.
type StreamFlusher struct {
	cfg  FlusherConfig
	sink func(chunk string)

	mu     sync.Mutex
	buf    strings.Builder
	timer  *time.Timer
	chunks int
}

func NewStreamFlusher(cfg FlusherConfig, sink func(chunk string)) *StreamFlusher {
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = 300
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	return &StreamFlusher{cfg: cfg, sink: sink}
}

// OnDelta buffers text and emits whatever is ready.
func (f *StreamFlusher) OnDelta(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf.WriteString(text)
	f.stopTimerLocked()
	f.timer = time.AfterFunc(f.cfg.IdleTimeout, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.emitLocked(f.buf.Len())
	})

	content := f.buf.String()
	switch {
	case len(content) >= f.cfg.MaxBufferBytes:
		f.emitLocked(len(content))
	case strings.LastIndex(content, "\n\n") >= 0:
		f.emitLocked(strings.LastIndex(content, "\n\n") + 2)
	case lastSentenceEnd(content) > 0:
		f.emitLocked(lastSentenceEnd(content))
	}
}

// Flush emits the remaining buffer. Call it once the stream ends.
func (f *StreamFlusher) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimerLocked()
	f.emitLocked(f.buf.Len())
}

// Reset discards buffered text that has not been emitted.
func (f *StreamFlusher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimerLocked()
	f.buf.Reset()
}

// Chunks reports how many chunks reached the sink.
func (f *StreamFlusher) Chunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks
}

func (f *StreamFlusher) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// emitLocked sends the first n bytes of the buffer and keeps the rest.
func (f *StreamFlusher) emitLocked(n int) {
	content := f.buf.String()
	n = min(n, len(content))
	chunk := strings.TrimSpace(content[:n])
	rest := content[n:]
	f.buf.Reset()
	f.buf.WriteString(rest)
	if chunk == "" {
		return
	}
	f.sink(chunk)
	f.chunks++
}

// lastSentenceEnd returns the offset just past the last '.', '!' or '?'
// followed by whitespace, or -1 when there is none past minSentenceBytes.
func lastSentenceEnd(s string) int {
	best := -1
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' {
				best = i + 1
			}
		}
	}
	if best > minSentenceBytes {
		return best
	}
	return -1
}
