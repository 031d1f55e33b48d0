// Package correlation threads one id through everything a scheduler run or
// request causes, so log lines and audit rows can be joined afterwards.
package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

func ExtractCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ContextWithCorrelationID ignores an empty id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// EnsureCorrelationID keeps an id already on ctx or mints a ULID.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := ExtractCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return context.WithValue(ctx, ctxKey{}, id), id
}

// Metadata is the correlation id plus the active trace and span ids, keyed
// the way audit rows store them.
func Metadata(ctx context.Context) map[string]string {
	md := make(map[string]string, 3)
	if id := ExtractCorrelationID(ctx); id != "" {
		md["correlation_id"] = id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		md["trace_id"] = sc.TraceID().String()
		md["span_id"] = sc.SpanID().String()
	}
	return md
}
