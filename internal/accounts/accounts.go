package accounts

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/tasks"
)

// Store is the account persistence used by Service
type Store interface {
	UpsertAccount(ctx context.Context, a *models.Account) error
	GetAccountForUser(ctx context.Context, userID, id string) (*models.Account, error)
	DeleteAccount(ctx context.Context, userID, id string) error
}

// Unsubscriber removes provider-side subscriptions of an account
type Unsubscriber interface {
	DeleteAll(ctx context.Context, account *models.Account) error
}

// Service connects and disconnects mailboxes
type Service struct {
	store  Store
	cipher auth.Cipher
	queue  queue.Enqueuer
	subs   Unsubscriber
}

func NewService(store Store, cipher auth.Cipher, q queue.Enqueuer, subs Unsubscriber) *Service {
	return &Service{store: store, cipher: cipher, queue: q, subs: subs}
}

// Connect stores the credentials of a completed OAuth consent. Reconnecting the same
// (user, provider, email) updates the existing row. Outlook accounts get a subscribe task.
func (s *Service) Connect(ctx context.Context, userID string, cb *auth.CallbackResult) (*models.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("connect: user id is required")
	}
	if err := cb.Validate(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	access, err := s.cipher.Encrypt(cb.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	var refresh string
	if cb.RefreshToken != "" {
		if refresh, err = s.cipher.Encrypt(cb.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	account := &models.Account{
		UserID:         userID,
		Provider:       cb.Provider,
		Email:          strings.TrimSpace(cb.Email),
		Name:           cb.Name,
		AccessToken:    access,
		RefreshToken:   refresh,
		ExpiresAt:      cb.ExpiresAt,
		ExternalUserID: cb.ExternalUserID,
	}
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}

	log := logging.Log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
	})
	log.Info("account connected")

	if account.Provider == models.ProviderOutlook {
		err := s.queue.Enqueue(ctx, tasks.TypeSubscriptionCreate,
			tasks.SubscriptionPayload{AccountID: account.ID},
			queue.WithDedupKey(account.ID),
		)
		if err != nil {
			return account, fmt.Errorf("enqueue subscription for %s: %w", account.ID, err)
		}
	}

	return account, nil
}

// Disconnect removes provider subscriptions best-effort and then the account row.
// Threads, messages and subscription rows cascade with it.
func (s *Service) Disconnect(ctx context.Context, userID, accountID string) error {
	account, err := s.store.GetAccountForUser(ctx, userID, accountID)
	if err != nil {
		return err
	}

	if account.Provider == models.ProviderOutlook && s.subs != nil {
		if err := s.subs.DeleteAll(ctx, account); err != nil {
			logging.Log.WithField("account_id", account.ID).WithError(err).
				Warn("failed to delete provider subscriptions, they will lapse on expiry")
		}
	}

	if err := s.store.DeleteAccount(ctx, userID, accountID); err != nil {
		return err
	}

	logging.Log.WithField("account_id", accountID).Info("account disconnected")
	return nil
}
