package observer

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// NewLogHandler wraps next so every slog record is also exported
// through the global OTEL logger provider. Call Init first; otherwise
// records go to a no-op backend.
func NewLogHandler(next slog.Handler) slog.Handler {
	return newLogHandler(next, global.GetLoggerProvider().Logger(scopeName))
}

func newLogHandler(next slog.Handler, logger otellog.Logger) slog.Handler {
	return &logHandler{next: next, logger: logger}
}

type logHandler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
}

var _ slog.Handler = (*logHandler)(nil)

func (h *logHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *logHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetSeverity(severityFor(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(otellog.KeyValue{Key: a.Key, Value: logValue(a.Value)})
		return true
	})
	h.logger.Emit(ctx, rec)
	return h.next.Handle(ctx, r)
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kvs := make([]otellog.KeyValue, 0, len(h.attrs)+len(attrs))
	kvs = append(kvs, h.attrs...)
	for _, a := range attrs {
		kvs = append(kvs, otellog.KeyValue{Key: a.Key, Value: logValue(a.Value)})
	}
	return &logHandler{next: h.next.WithAttrs(attrs), logger: h.logger, attrs: kvs}
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	return &logHandler{next: h.next.WithGroup(name), logger: h.logger, attrs: h.attrs}
}

func severityFor(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

func logValue(v slog.Value) otellog.Value {
	switch v.Kind() {
	case slog.KindBool:
		return otellog.BoolValue(v.Bool())
	case slog.KindInt64:
		return otellog.Int64Value(v.Int64())
	case slog.KindUint64:
		return otellog.Int64Value(int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64Value(v.Float64())
	default:
		return otellog.StringValue(v.String())
	}
}
