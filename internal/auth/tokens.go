package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/models"
)

const refreshTimeout = 30 * time.Second

// ErrNoRefreshToken is returned when an expired account has no refresh token to use
var ErrNoRefreshToken = errors.New("no refresh token")

// RefreshError is a non-2xx response from a provider token endpoint
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: bad status %d: %s", e.Status, e.Body)
}

// Scopes requested per provider
var Scopes = map[models.Provider][]string{
	models.ProviderGoogle: {
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/gmail.readonly",
	},
	models.ProviderOutlook: {
		"https://graph.microsoft.com/Mail.Read",
		"https://graph.microsoft.com/Mail.Send",
		"offline_access",
	},
}

// AccountStore is the persistence the token manager needs
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateTokens(ctx context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiresAt time.Time) (bool, error)
}

// Cipher encrypts credentials at rest
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// TokenManager keeps account access tokens valid
type TokenManager struct {
	store      AccountStore
	cipher     Cipher
	clients    map[models.Provider]config.OAuthClient
	httpClient *http.Client
	now        func() time.Time
	group      singleflight.Group
}

// NewTokenManager creates a token manager refreshing against the given OAuth clients
func NewTokenManager(store AccountStore, cipher Cipher, clients map[models.Provider]config.OAuthClient, httpClient *http.Client) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		store:      store,
		cipher:     cipher,
		clients:    clients,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type refreshed struct {
	token   string
	account models.Account
}

// EnsureValidToken returns a usable access token, refreshing it when the stored one has expired
func (m *TokenManager) EnsureValidToken(ctx context.Context, account *models.Account) (string, error) {
	if !account.TokenExpired(m.now()) {
		token, err := m.cipher.Decrypt(account.AccessToken)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return token, nil
	}
	return m.refresh(ctx, account, false)
}

// ForceRefresh refreshes even if the stored token has not expired.
// If another writer refreshed since account was loaded, its token is adopted instead.
func (m *TokenManager) ForceRefresh(ctx context.Context, account *models.Account) (string, error) {
	return m.refresh(ctx, account, true)
}

// refresh shares one token endpoint call per account between concurrent callers.
// The shared call outlives a caller that gives up, so the others still get its result.
func (m *TokenManager) refresh(ctx context.Context, account *models.Account, force bool) (string, error) {
	ch := m.group.DoChan(account.ID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, account.ID, account.TokenVersion, force)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		r := res.Val.(*refreshed)
		*account = r.account
		return r.token, nil
	}
}

func (m *TokenManager) doRefresh(ctx context.Context, accountID string, seenVersion int64, force bool) (*refreshed, error) {
	current, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}

	// Someone else already refreshed
	if (!force && !current.TokenExpired(m.now())) || (force && current.TokenVersion != seenVersion) {
		return m.adopt(current)
	}

	refreshToken, err := m.cipher.Decrypt(current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	cfg, err := m.oauthConfig(current.Provider)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return nil, &RefreshError{Status: status, Body: string(re.Body)}
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	encAccess, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	// oauth2 echoes the old refresh token when none was issued; only a rotated one is written
	var encRefresh string
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if encRefresh, err = m.cipher.Encrypt(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(time.Hour)
	}

	ok, err := m.store.UpdateTokens(ctx, current.ID, current.TokenVersion, encAccess, encRefresh, expiry)
	if err != nil {
		return nil, err
	}
	if !ok {
		logging.Log.WithFields(logrus.Fields{
			"account_id": current.ID,
			"provider":   current.Provider,
		}).Info("concurrent token refresh won, adopting stored token")

		winner, err := m.store.GetAccount(ctx, current.ID)
		if err != nil {
			return nil, fmt.Errorf("reload account: %w", err)
		}
		return m.adopt(winner)
	}

	updated := *current
	updated.AccessToken = encAccess
	if encRefresh != "" {
		updated.RefreshToken = encRefresh
	}
	updated.ExpiresAt = expiry
	updated.TokenVersion++

	logging.Log.WithFields(logrus.Fields{
		"account_id": current.ID,
		"provider":   current.Provider,
		"expires_at": expiry.Format(time.RFC3339),
		"rotated":    encRefresh != "",
	}).Info("access token refreshed")

	return &refreshed{token: tok.AccessToken, account: updated}, nil
}

func (m *TokenManager) adopt(current *models.Account) (*refreshed, error) {
	token, err := m.cipher.Decrypt(current.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	return &refreshed{token: token, account: *current}, nil
}

func (m *TokenManager) oauthConfig(provider models.Provider) (*oauth2.Config, error) {
	client, ok := m.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: oauth client for %s", config.ErrMissing, provider)
	}
	if err := config.Require(string(provider)+".client_id", client.ClientID); err != nil {
		return nil, err
	}
	if err := config.Require(string(provider)+".client_secret", client.ClientSecret); err != nil {
		return nil, err
	}
	if err := config.Require(string(provider)+".token_url", client.TokenURL); err != nil {
		return nil, err
	}

	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  client.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: Scopes[provider],
	}, nil
}
