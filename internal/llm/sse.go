package llm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxLineBytes bounds a single SSE line.
const DefaultMaxLineBytes = 1 << 20

// Frame is one dispatched Server-Sent Events block.
type Frame struct {
	Event string
	Data  string
	ID    string
	Retry int // milliseconds, 0 when absent
}

// Decoder reads SSE frames and typed response events from a byte stream.
// It is forward-only and must not be used after it returns an error.
type Decoder struct {
	r       *bufio.Reader
	maxLine int
	onFrame func(Frame)

	line      int
	pendingCR bool
	buf       []byte
	completed bool
	err       error
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithFrameHook calls fn for every dispatched frame, including frames whose
// type is not modelled and therefore never surfaces from Next.
func WithFrameHook(fn func(Frame)) DecoderOption {
	return func(d *Decoder) { d.onFrame = fn }
}

// NewDecoder wraps r. Reads are buffered; r may return data in any chunking.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: bufio.NewReader(r), maxLine: DefaultMaxLineBytes}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Next returns the next response event, skipping types that are not modelled.
// It returns io.EOF after a clean end following response.completed. Any other
// error is terminal: a *DecodeError for malformed input or an *APIError for an
// in-band failure.
func (d *Decoder) Next() (ResponseEvent, error) {
	if d.err != nil {
		return ResponseEvent{}, d.err
	}
	for {
		f, err := d.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && !d.completed {
				err = &DecodeError{Line: d.line, Err: ErrIncompleteStream}
			}
			d.err = err
			return ResponseEvent{}, err
		}
		if d.onFrame != nil {
			d.onFrame(f)
		}

		ev, ok, err := parseFrame(f)
		if err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				err = &DecodeError{Line: d.line, Err: err}
			}
			d.err = err
			return ResponseEvent{}, err
		}
		if !ok {
			continue
		}
		if ev.Type == EventCompleted {
			d.completed = true
		}
		return ev, nil
	}
}

// NextFrame returns the next dispatched frame. It returns io.EOF only when
// the input ends on a frame boundary.
func (d *Decoder) NextFrame() (Frame, error) {
	var (
		f       Frame
		data    strings.Builder
		hasData bool
		pending bool
	)

	for {
		line, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if pending {
					return Frame{}, &DecodeError{Line: d.line, Err: io.ErrUnexpectedEOF}
				}
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}

		if len(line) == 0 {
			if !hasData && f.Event == "" {
				// nothing to dispatch
				pending = false
				f = Frame{}
				continue
			}
			f.Data = data.String()
			return f, nil
		}
		if line[0] == ':' {
			continue
		}

		pending = true
		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "event":
			f.Event = string(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "id":
			if bytes.IndexByte(value, 0) < 0 {
				f.ID = string(value)
			}
		case "retry":
			if n, err := strconv.Atoi(string(value)); err == nil && n >= 0 {
				f.Retry = n
			}
		}
	}
}

// readLine returns one line without its terminator. CR, LF and CRLF all end a
// line. A line cut off by EOF yields io.ErrUnexpectedEOF wrapped in a
// DecodeError.
func (d *Decoder) readLine() ([]byte, error) {
	d.buf = d.buf[:0]
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(d.buf) > 0 {
				return nil, &DecodeError{Line: d.line + 1, Err: io.ErrUnexpectedEOF}
			}
			return nil, err
		}
		if d.pendingCR {
			d.pendingCR = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\n':
			d.line++
			return d.buf, nil
		case '\r':
			d.line++
			d.pendingCR = true
			return d.buf, nil
		}
		if len(d.buf) >= d.maxLine {
			return nil, &DecodeError{Line: d.line + 1, Err: ErrLineTooLong}
		}
		d.buf = append(d.buf, b)
	}
}
