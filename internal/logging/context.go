package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context: the active span,
// the owner being served and the request id.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if owner := OwnerFromContext(ctx); owner != "" {
		fields = append(fields, zap.String("owner", owner))
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type ownerCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// idPattern bounds the values attached to context. Owners use the same shape.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// WithOwner attaches the owner to ctx. Invalid values are not attached.
func WithOwner(ctx context.Context, owner string) context.Context {
	if !idPattern.MatchString(owner) {
		return ctx
	}
	return context.WithValue(ctx, ownerCtxKey{}, owner)
}

// OwnerFromContext extracts the owner from context.
func OwnerFromContext(ctx context.Context) string {
	if o, ok := ctx.Value(ownerCtxKey{}).(string); ok {
		return o
	}
	return ""
}

// WithRequestID attaches a request id to ctx. Invalid values are not attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !idPattern.MatchString(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
