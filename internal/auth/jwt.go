package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User represents an authenticated API caller from a JWT
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier verifies bearer tokens against a cached JWKS
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
	issuer      string
	audience    string
}

// VerifierOption configures claim checks beyond signature and expiry
type VerifierOption func(*JWTVerifier)

// WithIssuer requires the iss claim to equal issuer
func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) { v.issuer = issuer }
}

// WithAudience requires aud to contain audience
func WithAudience(audience string) VerifierOption {
	return func(v *JWTVerifier) { v.audience = audience }
}

// NewJWTVerifier fetches the JWKS once and keeps it refreshed until ctx is done
func NewJWTVerifier(ctx context.Context, jwksURL string, opts ...VerifierOption) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(verifier)
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	verifier.keySet = keySet
	verifier.lastFetch = time.Now()

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

// newStaticJWTVerifier verifies against a fixed key set
func newStaticJWTVerifier(keySet jwk.Set, opts ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{keySet: keySet, lastFetch: time.Now()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			keySet, err := v.fetchKeySet(fetchCtx)
			cancel()

			// keep the previous set on error; next tick retries
			if err == nil {
				v.keySetMutex.Lock()
				v.keySet = keySet
				v.lastFetch = time.Now()
				v.keySetMutex.Unlock()
			}
		}
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// UserFromRequest validates the bearer token of r and returns its subject
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseRequest(r, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &User{
		ID:    userID,
		Email: email,
		Name:  name,
	}, nil
}

// Ready reports an error while no signing keys are loaded or the last fetch is stale
func (v *JWTVerifier) Ready() error {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	if v.keySet == nil || v.keySet.Len() == 0 {
		return fmt.Errorf("no signing keys loaded")
	}
	if v.refreshTTL > 0 && time.Since(v.lastFetch) > 3*v.refreshTTL {
		return fmt.Errorf("signing keys last refreshed %s ago", time.Since(v.lastFetch).Round(time.Second))
	}
	return nil
}
