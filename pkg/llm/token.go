package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
)

// expirySlack is subtracted from a token's lifetime so we refresh before the
// gateway actually rejects it.
const expirySlack = 60 * time.Second

// TokenCache caches gateway access tokens per service id. A stale read that
// races a refresh only costs a redundant exchange, so no lock is held across
// the HTTP call.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewTokenCache creates an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[string]cachedToken)}
}

// Get returns the cached token for serviceID if it is still comfortably
// inside its lifetime.
func (c *TokenCache) Get(serviceID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[serviceID]
	if !ok || time.Now().After(t.expiresAt.Add(-expirySlack)) {
		return "", false
	}
	return t.value, true
}

// Put stores a freshly exchanged token.
func (c *TokenCache) Put(serviceID, value string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[serviceID] = cachedToken{value: value, expiresAt: expiresAt}
}

type tokenRequest struct {
	APIKey      string `json:"apiKey"`
	SecretKey   string `json:"secretKey"`
	RequestTime int64  `json:"requestTime"`
	ServiceID   string `json:"serviceId"`
}

type tokenResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		AccessToken string `json:"accessToken"`
		ExpiresAt   string `json:"expiresAt"`
		ExpiresIn   int64  `json:"expiresIn"`
	} `json:"data"`
}

// tokenExchanger obtains access tokens from the gateway's auth endpoint.
type tokenExchanger struct {
	httpClient *http.Client
	cache      *TokenCache
	tokenURL   string
	apiKey     string
	secretKey  string
	logger     *zap.Logger
}

func newTokenExchanger(httpClient *http.Client, cache *TokenCache, tokenURL, apiKey, secretKey string, logger *zap.Logger) *tokenExchanger {
	return &tokenExchanger{
		httpClient: httpClient,
		cache:      cache,
		tokenURL:   tokenURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		logger:     logger,
	}
}

// AccessToken returns a valid token for serviceID, exchanging credentials if
// the cached one is missing or near expiry.
func (e *tokenExchanger) AccessToken(ctx context.Context, serviceID string) (string, error) {
	if tok, ok := e.cache.Get(serviceID); ok {
		return tok, nil
	}

	body, err := json.Marshal(tokenRequest{
		APIKey:      e.apiKey,
		SecretKey:   e.secretKey,
		RequestTime: time.Now().UnixMilli(),
		ServiceID:   serviceID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", apperrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read token response: %v", apperrors.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", apperrors.ErrUpstream, resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", apperrors.ErrUpstream, err)
	}
	if parsed.Code != 0 && parsed.Code != 200 {
		return "", fmt.Errorf("%w: token exchange rejected: %s", apperrors.ErrUpstream, parsed.Message)
	}
	if parsed.Data.AccessToken == "" {
		return "", fmt.Errorf("%w: token exchange returned empty token", apperrors.ErrUpstream)
	}

	expiresAt := parseExpiry(parsed.Data.ExpiresAt, parsed.Data.ExpiresIn)
	e.cache.Put(serviceID, parsed.Data.AccessToken, expiresAt)
	e.logger.Debug("exchanged gateway token",
		zap.String("service_id", serviceID),
		zap.Time("expires_at", expiresAt))
	return parsed.Data.AccessToken, nil
}

// parseExpiry prefers the absolute timestamp and falls back to the relative
// lifetime; a response carrying neither gets a short conservative TTL.
func parseExpiry(expiresAt string, expiresIn int64) time.Time {
	if expiresAt != "" {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", expiresAt, time.Local); err == nil {
			return t
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Now().Add(5 * time.Minute)
}
