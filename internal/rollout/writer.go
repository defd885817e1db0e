package rollout

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/soyeahso/strand/internal/domain"
)

// Writer appends turns to one rollout file. A record has at most one Writer.
type Writer struct {
	path  string
	fsync bool
	now   func() time.Time

	mu     sync.Mutex
	f      *os.File
	next   int
	closed bool
}

func newWriter(path string, f *os.File, next int, fsync bool, now func() time.Time) *Writer {
	return &Writer{path: path, f: f, next: next, fsync: fsync, now: now}
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// NextIndex returns the index the next appended turn must carry.
func (w *Writer) NextIndex() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// Append writes t as one line. t.Index must equal NextIndex.
func (w *Writer) Append(t domain.Turn) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.Wrapf(ErrClosed, "%s", w.path)
	}
	if t.Index != w.next {
		return &ConstraintError{
			Op:      "append",
			Message: fmt.Sprintf("%s: turn index %d, expected %d", w.path, t.Index, w.next),
		}
	}

	buf, err := encodeLine(lineTurn, w.now(), t)
	if err != nil {
		return errors.Wrapf(err, "encoding turn %d", t.Index)
	}
	// One write call per line; with O_APPEND a reader sees either nothing or
	// the whole line plus its terminator.
	if _, err := w.f.Write(buf); err != nil {
		return errors.Wrapf(err, "appending turn %d to %s", t.Index, w.path)
	}
	if w.fsync {
		if err := w.f.Sync(); err != nil {
			return errors.Wrapf(err, "syncing %s", w.path)
		}
	}
	w.next++
	return nil
}

// Close releases the file. Further appends fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
