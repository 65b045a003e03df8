// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/troupe/pkg/core"
)

// ConfigureSlog sets the global slog logger. Records carry the trace ids
// of the active span and, inside a dispatch, the executing role and
// message id.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	handler := newSlogHandler(output, level, format)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newSlogHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		base = slog.NewTextHandler(output, opts)
	}
	return &dispatchHandler{next: base}
}

// dispatchHandler stamps correlation attributes onto every record: trace_id
// and span_id from the active span, and role plus message_id from the
// context the worker pool hands to role handlers. Handler logs line up with
// traces and with the bus's own dispatch logs without the handler author
// doing anything.
type dispatchHandler struct {
	next slog.Handler
}

func (h *dispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *dispatchHandler) Handle(ctx context.Context, record slog.Record) error {
	traceID, spanID := spanIDsFromContext(ctx)
	if traceID != "" && !recordHasAttr(record, "trace_id") {
		record.AddAttrs(slog.String("trace_id", traceID))
	}
	if spanID != "" && !recordHasAttr(record, "span_id") {
		record.AddAttrs(slog.String("span_id", spanID))
	}
	if ctx != nil {
		if roleID, ok := core.RoleFromContext(ctx); ok && !recordHasAttr(record, "role") {
			record.AddAttrs(slog.String("role", roleID))
		}
		if msg, ok := core.MessageFromContext(ctx); ok && !recordHasAttr(record, "message_id") {
			record.AddAttrs(slog.String("message_id", msg.ID))
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *dispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dispatchHandler{next: h.next.WithAttrs(attrs)}
}

func (h *dispatchHandler) WithGroup(name string) slog.Handler {
	return &dispatchHandler{next: h.next.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func spanIDsFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

func recordHasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
