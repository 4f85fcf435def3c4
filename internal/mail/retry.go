package mail

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/models"
)

// TokenSource yields access tokens for an account
type TokenSource interface {
	EnsureValidToken(ctx context.Context, account *models.Account) (string, error)
	ForceRefresh(ctx context.Context, account *models.Account) (string, error)
}

// WithTokenRetry runs call with a valid access token. A 401/403 response triggers exactly
// one forced refresh and one retry; a second rejection is wrapped in ErrAuth.
func WithTokenRetry[T any](ctx context.Context, tokens TokenSource, account *models.Account, call func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T

	token, err := tokens.EnsureValidToken(ctx, account)
	if err != nil {
		return zero, err
	}

	out, err := call(ctx, token)
	if !IsAuthFailure(err) {
		return out, err
	}

	logging.Log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
		"status":     StatusOf(err),
	}).Info("provider rejected access token, refreshing")

	token, err = tokens.ForceRefresh(ctx, account)
	if err != nil {
		return zero, err
	}

	out, err = call(ctx, token)
	if IsAuthFailure(err) {
		return zero, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return out, err
}
