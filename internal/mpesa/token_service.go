package mpesa

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/shieldai/shieldai-backend/internal/apperrors"
	"github.com/shieldai/shieldai-backend/internal/metrics"
)

const (
	tokenSafetyMargin = 60 * time.Second
	defaultExpiresIn  = 3599 * time.Second
)

// TokenCache holds a Daraja OAuth token and refreshes it on demand.
// It is safe for concurrent use; a refresh holds the write lock so
// concurrent callers wait for it instead of issuing their own.
type TokenCache struct {
	consumerKey    string
	consumerSecret string
	authURL        string
	client         *http.Client
	now            func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// tokenResponse is the OAuth response; expires_in arrives as a string
// from Daraja but as a number from some proxies.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   any    `json:"expires_in"`
}

// NewTokenCache creates a token cache for the client-credentials endpoint at authURL.
func NewTokenCache(consumerKey, consumerSecret, authURL string, client *http.Client) *TokenCache {
	return &TokenCache{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		authURL:        authURL,
		client:         client,
		now:            time.Now,
	}
}

// Token returns a valid access token, refreshing if necessary
func (tc *TokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.RLock()
	if tc.validLocked() {
		token := tc.token
		tc.mu.RUnlock()
		return token, nil
	}
	tc.mu.RUnlock()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	// another goroutine may have refreshed while we waited
	if tc.validLocked() {
		return tc.token, nil
	}

	if err := tc.refreshLocked(ctx); err != nil {
		metrics.TokenRefreshError.Inc()
		return "", err
	}
	metrics.TokenRefreshOK.Inc()

	return tc.token, nil
}

// Invalidate drops the cached token so the next call refreshes it.
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	tc.token = ""
	tc.expiresAt = time.Time{}
	tc.mu.Unlock()
}

func (tc *TokenCache) validLocked() bool {
	return tc.token != "" && tc.now().Before(tc.expiresAt)
}

// refreshLocked fetches a new token (caller must hold write lock)
func (tc *TokenCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.authURL, nil)
	if err != nil {
		return apperrors.Auth(err, "failed to create auth request")
	}
	req.SetBasicAuth(tc.consumerKey, tc.consumerSecret)

	resp, err := tc.client.Do(req)
	if err != nil {
		return apperrors.Auth(err, "failed to request token")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.Auth(nil, "token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return apperrors.Auth(err, "failed to decode token response")
	}

	if tokenResp.AccessToken == "" {
		return apperrors.Auth(nil, "no access token received from M-Pesa")
	}

	expiresIn := defaultExpiresIn
	if tokenResp.ExpiresIn != nil {
		if seconds, err := cast.ToInt64E(tokenResp.ExpiresIn); err == nil && seconds > 0 {
			expiresIn = time.Duration(seconds) * time.Second
		}
	}

	tc.token = tokenResp.AccessToken
	tc.expiresAt = tc.now().Add(expiresIn - tokenSafetyMargin)

	return nil
}
