package middleware

import (
	"log/slog"
	"net/http"

	"github.com/PascalSeth/tripsync/pkg/logging"
)

// RequestLogger creates a middleware that logs requests and injects the logger.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// child logger with request details
			reqLog := log.With(
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			reqLog.Debug("request started")
			next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), reqLog)))
		})
	}
}
