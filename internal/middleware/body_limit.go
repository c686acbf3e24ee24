package middleware

import (
	"log/slog"
	"net/http"

	"github.com/shieldai/shieldai-backend/internal/metrics"
)

// LimitBody caps request bodies at maxBytes. A declared Content-Length over
// the cap is refused before the handler runs; bodies of unknown length are
// cut off by http.MaxBytesReader and the handler sees the read error.
// A non-positive maxBytes disables the limit.
func LimitBody(maxBytes int64, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > maxBytes {
				metrics.BodyRejected.Inc()
				logger.WarnContext(r.Context(), "request body over limit",
					"path", r.URL.Path,
					"content_length", r.ContentLength,
					"limit", maxBytes,
				)
				writeError(w, http.StatusRequestEntityTooLarge, "bad_request", "Request body too large")
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
