package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldai/shieldai-backend/internal/logging"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureInternalAuth(t *testing.T) {
	h := EnsureInternalAuth("s3cret")(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "s3cret", want: http.StatusOK},
		{name: "wrong", header: "guess", want: http.StatusUnauthorized},
		{name: "missing", header: "", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/mpesa/stkpush", nil)
			if tt.header != "" {
				req.Header.Set(InternalSecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusOK {
				assert.JSONEq(t, `{"error":"unauthorized","message":"Missing or invalid internal secret"}`, rec.Body.String())
			}
		})
	}
}

func TestEnsureInternalAuth_EmptySecretRejectsAll(t *testing.T) {
	h := EnsureInternalAuth("")(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIPFilter(t *testing.T) {
	allow := []string{"196.201.214.0/24", "196.201.213.114", "not-an-ip"}
	proxies := []string{"10.0.0.0/24"}
	h := IPFilter(allow, proxies, discardLogger())(okHandler)

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       int
	}{
		{name: "cidr match", remoteAddr: "196.201.214.200:443", want: http.StatusOK},
		{name: "exact match", remoteAddr: "196.201.213.114:443", want: http.StatusOK},
		{name: "not allowed", remoteAddr: "203.0.113.9:443", want: http.StatusForbidden},
		{name: "x-real-ip via trusted proxy", remoteAddr: "10.0.0.1:443", headers: map[string]string{"X-Real-IP": "196.201.214.1"}, want: http.StatusOK},
		{name: "forwarded chain via trusted proxy", remoteAddr: "10.0.0.1:443", headers: map[string]string{"X-Forwarded-For": "196.201.213.114, 10.0.0.2"}, want: http.StatusOK},
		{name: "spoofed left entry via trusted proxy", remoteAddr: "10.0.0.1:443", headers: map[string]string{"X-Forwarded-For": "196.201.213.114, 203.0.113.9"}, want: http.StatusForbidden},
		{name: "x-real-ip from untrusted peer", remoteAddr: "203.0.113.9:443", headers: map[string]string{"X-Real-IP": "196.201.214.1"}, want: http.StatusForbidden},
		{name: "forwarded chain from untrusted peer", remoteAddr: "203.0.113.9:443", headers: map[string]string{"X-Forwarded-For": "196.201.213.114"}, want: http.StatusForbidden},
		{name: "headers ignored for allowed peer", remoteAddr: "196.201.214.1:443", headers: map[string]string{"X-Real-IP": "garbage"}, want: http.StatusOK},
		{name: "garbage header via trusted proxy", remoteAddr: "10.0.0.1:443", headers: map[string]string{"X-Real-IP": "garbage"}, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/mpesa/callback", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIPFilter_NoTrustedProxiesIgnoresHeaders(t *testing.T) {
	h := IPFilter([]string{"196.201.214.0/24"}, nil, discardLogger())(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("X-Forwarded-For", "196.201.214.5")
	req.Header.Set("X-Real-IP", "196.201.214.5")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIPFilter_EmptyAllowlistAllowsAll(t *testing.T) {
	h := IPFilter(nil, nil, discardLogger())(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "8.8.8.8:1234"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimitBody(t *testing.T) {
	var readErr error
	reached := false
	h := LimitBody(16, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("within limit", func(t *testing.T) {
		reached, readErr = false, nil
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, reached)
		assert.NoError(t, readErr)
	})

	t.Run("declared length over limit", func(t *testing.T) {
		reached = false
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.False(t, reached)
		assert.Contains(t, rec.Body.String(), "Request body too large")
	})

	t.Run("unknown length cut off while reading", func(t *testing.T) {
		reached, readErr = false, nil
		req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
		req.ContentLength = -1
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.True(t, reached)
		var maxErr *http.MaxBytesError
		assert.ErrorAs(t, readErr, &maxErr)
	})

	t.Run("no body passes through", func(t *testing.T) {
		reached = false
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, reached)
	})
}

func TestLimitBody_Disabled(t *testing.T) {
	h := LimitBody(0, discardLogger())(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 4096))))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&logging.ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	h := chimw.RequestID(LogContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.InfoContext(r.Context(), "handling")
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotEmpty(t, buf.String())
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}
