package middleware

import (
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shieldai/shieldai-backend/internal/logging"
)

// LogContext copies the chi request id into the log context so every record
// written while serving the request carries it. It must run after RequestID.
func LogContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			ctx := logging.AppendCtx(r.Context(), slog.String("request_id", id))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}
