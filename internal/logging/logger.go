package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog to provide subsystem-scoped child loggers.
type Logger struct {
	zl zerolog.Logger
}

// New creates a root logger writing to the given writer at the specified level.
// If w is nil, defaults to pretty console output on stderr.
func New(w io.Writer, level string) *Logger {
	return NewStyled(w, level, "pretty")
}

// NewStyled is New with an explicit console style ("pretty", "compact", "json").
// A non-nil writer is always written as JSON lines.
func NewStyled(w io.Writer, level, style string) *Logger {
	if w == nil {
		switch style {
		case "json":
			w = os.Stderr
		case "compact":
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen, NoColor: true}
		default:
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	zl = zl.Level(parseLevel(level))
	return &Logger{zl: zl}
}

// Tee fans a log stream out to several writers, e.g. console plus a log file.
func Tee(writers ...io.Writer) io.Writer {
	return zerolog.MultiLevelWriter(writers...)
}

// Sub returns a child logger tagged with a subsystem name.
func (l *Logger) Sub(subsystem string) *Logger {
	return &Logger{zl: l.zl.With().Str("subsystem", subsystem).Logger()}
}

// With returns a child logger carrying an extra string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// Trace logs at trace level.
func (l *Logger) Trace() *zerolog.Event { return l.zl.Trace() }

// Debug logs at debug level.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info logs at info level.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn logs at warn level.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error logs at error level.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// Zerolog returns the underlying zerolog.Logger for advanced use.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// Leveled adapts the logger to the key/value interface used by
// hashicorp/go-retryablehttp (retryablehttp.LeveledLogger).
func (l *Logger) Leveled() *KV {
	return &KV{l: l}
}

// KV logs messages with alternating key/value pairs.
type KV struct {
	l *Logger
}

func (k *KV) Error(msg string, keysAndValues ...any) { k.emit(k.l.Error(), msg, keysAndValues) }
func (k *KV) Info(msg string, keysAndValues ...any)  { k.emit(k.l.Info(), msg, keysAndValues) }
func (k *KV) Debug(msg string, keysAndValues ...any) { k.emit(k.l.Debug(), msg, keysAndValues) }
func (k *KV) Warn(msg string, keysAndValues ...any)  { k.emit(k.l.Warn(), msg, keysAndValues) }

func (k *KV) emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if err, ok := kv[i+1].(error); ok {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	if len(kv)%2 == 1 {
		ev = ev.Interface("extra", kv[len(kv)-1])
	}
	ev.Msg(msg)
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "silent":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
