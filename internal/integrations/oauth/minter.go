// Package oauth mints client-credentials bearer tokens for MCP plugin
// endpoints, refreshing them before expiry.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golithk/kiln/internal/log"
)

// refreshWindow is how long before expiry a cached token is considered
// stale.
const refreshWindow = 5 * time.Minute

// Minter fetches and caches a client-credentials token.
type Minter struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewMinter builds a Minter. An empty tokenURL yields a no-op minter
// whose Token returns an empty string.
func NewMinter(tokenURL, clientID, clientSecret, scope string) *Minter {
	return &Minter{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

// Token returns a bearer token, minting a fresh one when the cached
// token is within the refresh window of expiry.
func (m *Minter) Token(ctx context.Context) (string, error) {
	if m.tokenURL == "" {
		return "", nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.now().Add(refreshWindow).Before(m.expiresAt) {
		return m.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	}
	if m.scope != "" {
		form.Set("scope", m.scope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}

	m.token = body.AccessToken
	m.expiresAt = m.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	log.Debug(log.CatMCP, "Minted plugin token", "expiresIn", body.ExpiresIn)
	return m.token, nil
}

// Clear drops the cached token so the next Token call mints fresh.
// Used by tests and after auth failures.
func (m *Minter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiresAt = time.Time{}
}
