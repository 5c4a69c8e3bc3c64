// Package plog is a small leveled, structured logger, the reusable
// successor to the teacher repo's hand-rolled vv() trace helper: a
// single io.Writer sink, level filtering, and goccy/go-json encoding
// of structured fields rather than the standard library's
// encoding/json (the same substitution the teacher makes in hdr.go and
// mid.go for its own wire/debug serialization).
package plog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	gjson "github.com/goccy/go-json"
)

// Level is a log verbosity level, ordered from noisiest to quietest.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields is a structured field set attached to one log line.
type Fields map[string]any

// Logger writes leveled, structured lines to an underlying writer.
// Construct one with New; a zero-value Logger has no writer. Calling
// the level methods on a nil *Logger discards the line.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	level  Level
	prefix string
}

// New returns a Logger writing to w at the given minimum level.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{w: w, level: level}
}

// With returns a derived Logger that prefixes every line with name,
// e.g. logger.With("circuit").With(addr) for a per-circuit sub-logger.
func (l *Logger) With(name string) *Logger {
	if l == nil {
		return New(os.Stderr, Info).With(name)
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{w: l.w, level: l.level, prefix: prefix}
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if l == nil {
		return
	}
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	line := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level.String(),
		"msg":   msg,
	}
	if l.prefix != "" {
		line["component"] = l.prefix
	}
	for k, v := range fields {
		line[k] = v
	}
	enc, err := gjson.Marshal(line)
	if err != nil {
		fmt.Fprintf(l.w, "%v [%v] %v (field-encode error: %v)\n", line["ts"], level, msg, err)
		return
	}
	l.w.Write(append(enc, '\n'))
}

func (l *Logger) Trace(msg string, fields Fields) { l.log(Trace, msg, fields) }
func (l *Logger) Debug(msg string, fields Fields) { l.log(Debug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { l.log(Info, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log(Warn, msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log(Error, msg, fields) }

// Default is a ready-made os.Stderr Logger at Warn level. Nothing in
// this module falls back to it: With on a nil *Logger builds its own
// os.Stderr Logger at Info level instead.
var Default = New(os.Stderr, Warn)
