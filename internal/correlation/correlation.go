// Package correlation tracks the identifier that ties an HTTP request to the
// broker record it produces.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderCorrelationID  = "basket-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderXRequestID     = "x-request-id"
	HeaderTraceparent    = "traceparent"
)

// SourceGenerated marks an ID minted locally because the request carried none.
const SourceGenerated = "generated"

type ID struct {
	Value  string
	Source string
}

type ctxKey struct{}

// lookupOrder is the header precedence used by FromRequest.
var lookupOrder = []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID}

// FromRequest extracts a correlation ID from request headers or generates a new UUID.
// Priority: basket-correlation-id > x-correlation-id > x-request-id > traceparent > new UUID
func FromRequest(r *http.Request) ID {
	for _, h := range lookupOrder {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return ID{Value: v, Source: h}
		}
	}
	if traceID := extractTraceID(r.Header.Get(HeaderTraceparent)); traceID != "" {
		return ID{Value: traceID, Source: HeaderTraceparent}
	}
	return ID{Value: uuid.NewString(), Source: SourceGenerated}
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the ID stored by NewContext.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok && id.Value != ""
}

// Middleware stores the request's correlation ID in its context and echoes it
// back as X-Correlation-ID.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromRequest(r)
		w.Header().Set(HeaderXCorrelationID, id.Value)
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
	})
}

// InjectTraceContext writes the W3C trace context of ctx into headers (creates map if nil).
func InjectTraceContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractTraceContext returns ctx with any trace context found in headers.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// RecordHeaders returns the headers a broker record should carry for ctx:
// the correlation ID when one is present, plus trace context.
func RecordHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string, 3)
	if id, ok := FromContext(ctx); ok {
		headers[HeaderCorrelationID] = id.Value
	}
	return InjectTraceContext(ctx, headers)
}
