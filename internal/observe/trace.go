package observe

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/salesarchitect/voicecoach"

// SessionIDKey is the span attribute carrying the coaching session ID.
const SessionIDKey = attribute.Key("voicecoach.session_id")

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span
// in ctx. Without a span it is [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// TagSession records the coaching session ID on the span in ctx and, when
// ctx belongs to an admin request, on that request's log line.
func TagSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(SessionIDKey.String(sessionID))
	if tag, ok := ctx.Value(sessionTagKey{}).(*sessionTag); ok {
		tag.set(sessionID)
	}
}

type sessionTagKey struct{}

// sessionTag collects the session ID a handler touched. A session started
// by a request may tag it from the session's own goroutine.
type sessionTag struct {
	mu sync.Mutex
	id string
}

func (t *sessionTag) set(id string) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

func (t *sessionTag) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func withSessionTag(ctx context.Context, tag *sessionTag) context.Context {
	return context.WithValue(ctx, sessionTagKey{}, tag)
}
