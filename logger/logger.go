// Package logger adapts log/slog to the attribute and level conventions used
// throughout circuitd: a trace level below Debug and a handful of typed
// attribute constructors so call sites read as
//
//	log.WarnContext(ctx, "dropping pending entry", logger.Error(err), logger.PeerID(id))
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// LevelTrace is noisier than slog.LevelDebug; used for per-message chatter
// (raw frame dumps, retry-queue bookkeeping) that is too verbose for Debug.
const LevelTrace = slog.Level(-8)

// New builds a slog.Logger writing leveled, human-readable text to w (or
// stderr if w is nil). format == "json" selects slog.JSONHandler instead.
func New(level slog.Leveler, format string, w *os.File) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl := a.Value.Any().(slog.Level)
				if lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Error builds the standard "err" attribute.
func Error(err error) slog.Attr {
	return slog.Any("err", err)
}

// Data attaches an arbitrary payload under "data"; the value is formatted
// lazily via fmt.Stringer/%+v so building it costs nothing unless the
// handler actually emits the record.
func Data(v any) slog.Attr {
	return slog.Any("data", v)
}

// NodeID tags a log line with the node identifier it concerns.
func NodeID(id fmt.Stringer) slog.Attr {
	return slog.String("node_id", id.String())
}

// PeerID tags a log line with the peer identifier it concerns.
func PeerID(id fmt.Stringer) slog.Attr {
	return slog.String("peer_id", id.String())
}

// CircuitID tags a log line with the circuit it concerns.
func CircuitID(id string) slog.Attr {
	return slog.String("circuit_id", id)
}

// ServiceID tags a log line with the service it concerns.
func ServiceID(id string) slog.Attr {
	return slog.String("service_id", id)
}

// CorrelationID tags a log line with a caller-supplied correlation id.
func CorrelationID(id string) slog.Attr {
	return slog.String("correlation_id", id)
}

// Round tags a log line with a 2PC epoch/round number.
func Round(n uint64) slog.Attr {
	return slog.Uint64("round", n)
}

// Attempt tags a log line with a retry attempt counter.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// WithComponent returns a logger scoped to a named subsystem.
func WithComponent(log *slog.Logger, name string) *slog.Logger {
	return log.With(slog.String("component", name))
}

// ContextLogger allows tests to assert on emitted records without spinning
// up a real handler target.
type ContextLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}
