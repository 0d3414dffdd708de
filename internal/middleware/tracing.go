package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const traceIDHeader = "X-Request-ID"

type traceIDKey struct{}

// Tracing tags every request with a correlation id, honoring one the caller
// supplied and echoing it back in the response. Payment sessions outlive the
// request that started them, so the id is what ties a start request to the
// reconciliation log lines that follow it.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		w.Header().Set(traceIDHeader, traceID)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), traceIDKey{}, traceID),
		))
	})
}

// TraceIDFromContext returns the request's correlation id, or "" outside a
// traced request.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
