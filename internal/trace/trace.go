// Package trace provides lightweight request tracing with W3C-style IDs,
// integrated with log/slog. No external collector is required.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"
)

// Header keys for HTTP propagation.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
)

type ctxKey struct{}

var traceCtxKey = ctxKey{}

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New creates a new trace context with fresh IDs.
func New() Context {
	return Context{
		TraceID: generateTraceID(),
		SpanID:  generateSpanID(),
	}
}

// NewChild creates a child context from parent.
func NewChild(parent Context) Context {
	return Context{
		TraceID:      parent.TraceID,
		SpanID:       generateSpanID(),
		ParentSpanID: parent.SpanID,
	}
}

// FromContext extracts trace context from context.Context.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(traceCtxKey).(Context)
	return tc, ok
}

// WithContext injects trace context into context.Context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, traceCtxKey, tc)
}

// EnsureContext returns existing trace context or creates a new one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// generateTraceID creates a 128-bit trace ID.
func generateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// generateSpanID creates a 64-bit span ID.
func generateSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time
	Attrs     map[string]any
}

// StartSpan begins a new span.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, _ := FromContext(ctx)
	tc := NewChild(parent)
	if parent.TraceID == "" {
		tc = New()
	}

	s := &Span{
		Name:      name,
		Ctx:       tc,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
	}
	return WithContext(ctx, tc), s
}

// End marks the span as complete.
func (s *Span) End() {
	s.EndTime = time.Now()
}

// SetAttr sets a span attribute.
func (s *Span) SetAttr(key string, val any) {
	s.Attrs[key] = val
}

// Duration returns span duration.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("span_name", s.Name),
		slog.String("trace_id", s.Ctx.TraceID),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", s.Duration()),
	}
	if s.Ctx.ParentSpanID != "" {
		attrs = append(attrs, slog.String("parent_span_id", s.Ctx.ParentSpanID))
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Logger returns a slog.Logger annotated with the trace context, if any.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	args := make([]any, 0, 6)
	args = append(args, "trace_id", tc.TraceID, "span_id", tc.SpanID)
	if tc.ParentSpanID != "" {
		args = append(args, "parent_span_id", tc.ParentSpanID)
	}
	return slog.Default().With(args...)
}
