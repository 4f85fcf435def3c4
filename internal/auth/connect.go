package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// CallbackResult is the outcome of a completed OAuth consent for one mailbox
type CallbackResult struct {
	Provider       models.Provider
	Email          string
	Name           string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	ExternalUserID string
}

// Validate checks the fields an account row cannot do without
func (r *CallbackResult) Validate() error {
	switch {
	case r.Provider != models.ProviderGoogle && r.Provider != models.ProviderOutlook:
		return fmt.Errorf("unsupported provider %q", r.Provider)
	case strings.TrimSpace(r.Email) == "":
		return fmt.Errorf("callback carries no email")
	case r.AccessToken == "":
		return fmt.Errorf("callback carries no access token")
	}
	return nil
}

// ConnectionClient fetches freshly granted provider credentials from the identity server
type ConnectionClient struct {
	baseURL string
	client  *http.Client
}

// NewConnectionClient creates a client for the identity server at authServerURL
func NewConnectionClient(authServerURL string, client *http.Client) *ConnectionClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ConnectionClient{
		baseURL: strings.TrimRight(authServerURL, "/"),
		client:  client,
	}
}

// Fetch returns the grant the caller completed for provider, authenticated with the caller's JWT.
// The grant's expiry may be relative (expires_in) or absolute unix seconds (expires_at).
func (c *ConnectionClient) Fetch(ctx context.Context, userJWT string, provider models.Provider) (*CallbackResult, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no %s account connected", provider)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	received := time.Now()
	var result struct {
		AccessToken    string `json:"access_token"`
		RefreshToken   string `json:"refresh_token"`
		ExpiresIn      int64  `json:"expires_in"`
		ExpiresAt      int64  `json:"expires_at"`
		Email          string `json:"email"`
		Name           string `json:"name"`
		ExternalUserID string `json:"external_user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	cb := &CallbackResult{
		Provider:       provider,
		Email:          result.Email,
		Name:           result.Name,
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		ExternalUserID: result.ExternalUserID,
	}
	// expires_in (seconds from now, as in the OAuth token response) wins over an absolute expires_at
	switch {
	case result.ExpiresIn > 0:
		cb.ExpiresAt = received.Add(time.Duration(result.ExpiresIn) * time.Second).UTC()
	case result.ExpiresAt > 0:
		cb.ExpiresAt = time.Unix(result.ExpiresAt, 0).UTC()
	}
	return cb, cb.Validate()
}
