package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalSecretHeader carries the shared secret of internal callers
const InternalSecretHeader = "X-Internal-Secret"

// EnsureInternalAuth validates the X-Internal-Secret header
func EnsureInternalAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(InternalSecretHeader)

			// Constant-time comparison
			if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid internal secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}
