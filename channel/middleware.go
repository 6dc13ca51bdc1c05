package channel

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"cdr.dev/slog/v3"
)

// RequestIDHeader carries the ID assigned to every request.
const RequestIDHeader = "X-Roomctl-Request-Id"

type requestIDContextKey struct{}

// RequestID returns the ID of the request, or uuid.Nil outside of
// attachRequestID.
func RequestID(r *http.Request) uuid.UUID {
	rid, _ := r.Context().Value(requestIDContextKey{}).(uuid.UUID)
	return rid
}

// attachRequestID adds a request ID to each request and its log
// context.
func attachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rid := uuid.New()

		ctx := context.WithValue(r.Context(), requestIDContextKey{}, rid)
		ctx = slog.With(ctx, slog.F("request_id", rid))

		rw.Header().Set(RequestIDHeader, rid.String())
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// recoverer turns handler panics into 500s.
func recoverer(log slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			wrw := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				log.Warn(r.Context(), "panic serving http request (recovered)",
					slog.F("panic", rec),
					slog.F("stack", string(debug.Stack())),
				)
				// Only write errors on responses that have not started.
				if wrw.Status() == 0 {
					write(r.Context(), log, wrw, http.StatusInternalServerError, Response{
						Message: "An internal server error occurred.",
					})
				}
			}()
			next.ServeHTTP(wrw, r)
		})
	}
}

// logRequests logs every request once it completes.
func logRequests(log slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrw := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(wrw, r)

			// Health checks are polled and not worth logging.
			if r.URL.Path == "/healthz" && wrw.Status() == http.StatusOK {
				return
			}

			status := wrw.Status()
			httplog := log.With(
				slog.F("method", r.Method),
				slog.F("path", r.URL.Path),
				slog.F("remote_addr", r.RemoteAddr),
				slog.F("status_code", status),
				slog.F("took", time.Since(start)),
			)
			// 5xx are logged at Warn, not Error, since they include
			// upstream failures.
			if status >= http.StatusInternalServerError {
				httplog.Warn(r.Context(), "request failed")
				return
			}
			httplog.Debug(r.Context(), "request handled")
		})
	}
}
