package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// TokenSource supplies valid access tokens on demand. OAuth refresh is an
// external collaborator; the engine only consumes its output.
type TokenSource interface {
	AccessToken(ctx context.Context, account *models.EmailAccount) (string, error)
}

// StaticTokenSource returns the same token for every account; used in tests
type StaticTokenSource string

func (s StaticTokenSource) AccessToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	return string(s), nil
}

type cachedToken struct {
	value   string
	expires time.Time
}

// TokenServiceClient fetches access tokens from the token-refresh service
// and caches them per account until shortly before expiry
type TokenServiceClient struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.Mutex
	cache      map[int64]cachedToken
}

// NewTokenServiceClient creates a token service client
func NewTokenServiceClient(baseURL string, timeout time.Duration) *TokenServiceClient {
	return &TokenServiceClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      make(map[int64]cachedToken),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// AccessToken returns a valid bearer token for the account
func (c *TokenServiceClient) AccessToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	c.mu.Lock()
	cached, ok := c.cache[account.ID]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.value, nil
	}

	u := fmt.Sprintf("%s/token?account_id=%d&provider=%s", c.baseURL, account.ID, url.QueryEscape(string(account.Provider)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Op: "token fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthError{Op: "token fetch", Err: fmt.Errorf("refresh token rejected (status %d)", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return "", &TransientError{Op: "token fetch", Err: fmt.Errorf("token service returned %d", resp.StatusCode)}
	default:
		return "", &PermanentError{Op: "token fetch", Err: fmt.Errorf("token service returned %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	// Refresh a minute early to absorb clock skew
	ttl := time.Duration(tr.ExpiresIn)*time.Second - time.Minute
	if ttl > 0 {
		c.mu.Lock()
		c.cache[account.ID] = cachedToken{value: tr.AccessToken, expires: time.Now().Add(ttl)}
		c.mu.Unlock()
	}

	return tr.AccessToken, nil
}
