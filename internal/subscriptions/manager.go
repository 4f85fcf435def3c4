package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/store"
)

const (
	// Resource is the watched mailbox path
	Resource   = "/me/mailfolders('inbox')/messages"
	ChangeType = "created"
)

// ErrUnsupportedProvider is returned for accounts whose provider has no push subscriptions
var ErrUnsupportedProvider = errors.New("provider does not support push subscriptions")

// Graph is the provider side of the subscription lifecycle
type Graph interface {
	CreateSubscription(ctx context.Context, account *models.Account, req outlook.SubscriptionRequest) (*outlook.Subscription, error)
	RenewSubscription(ctx context.Context, account *models.Account, subscriptionID string, expiresAt time.Time) (time.Time, error)
	DeleteSubscription(ctx context.Context, account *models.Account, subscriptionID string) error
}

// ClientStater derives the per-account client state secret
type ClientStater interface {
	ClientState(accountID, email, provider string) string
}

// Manager creates, renews and deletes Microsoft change-notification subscriptions
type Manager struct {
	store           *store.Store
	graph           Graph
	secrets         ClientStater
	cfg             config.SubscriptionConfig
	notificationURL string
	now             func() time.Time
}

func NewManager(s *store.Store, graph Graph, secrets ClientStater, notificationURL string, cfg config.SubscriptionConfig) *Manager {
	return &Manager{
		store:           s,
		graph:           graph,
		secrets:         secrets,
		cfg:             cfg,
		notificationURL: notificationURL,
		now:             time.Now,
	}
}

// Create returns the account's active, unexpired subscription or registers a new one
func (m *Manager) Create(ctx context.Context, account *models.Account) (*models.WebhookSubscription, error) {
	if account.Provider != models.ProviderOutlook {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, account.Provider)
	}
	if err := config.Require("azure.notification_url", m.notificationURL); err != nil {
		return nil, err
	}

	now := m.now()
	existing, err := m.store.GetActiveSubscription(ctx, account.ID, models.ProviderOutlook)
	switch {
	case err == nil && !existing.Expired(now):
		return existing, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	clientState := m.secrets.ClientState(account.ID, account.Email, string(models.ProviderOutlook))
	created, err := m.graph.CreateSubscription(ctx, account, outlook.SubscriptionRequest{
		Resource:        Resource,
		ChangeType:      ChangeType,
		NotificationURL: m.notificationURL,
		ClientState:     clientState,
		ExpiresAt:       now.Add(m.cfg.Lifetime),
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription for account %s: %w", account.ID, err)
	}

	sub := &models.WebhookSubscription{
		AccountID:       account.ID,
		Provider:        models.ProviderOutlook,
		SubscriptionID:  created.ID,
		Resource:        created.Resource,
		ChangeTypes:     []string{ChangeType},
		NotificationURL: m.notificationURL,
		ExpiresAt:       created.ExpiresAt,
		ClientState:     clientState,
	}
	err = m.store.InTx(ctx, func(q *store.Queries) error {
		return q.ActivateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	logging.Log.WithFields(logrus.Fields{
		"account_id":      account.ID,
		"subscription_id": sub.SubscriptionID,
		"expires_at":      sub.ExpiresAt,
	}).Info("subscription created")
	return sub, nil
}

// Renew extends the subscription at the provider and stores the new expiry.
// A 404 means the provider already dropped it; the row is deactivated and the error returned.
func (m *Manager) Renew(ctx context.Context, sub *models.WebhookSubscription) error {
	account, err := m.store.GetAccount(ctx, sub.AccountID)
	if err != nil {
		return err
	}

	expiresAt, err := m.graph.RenewSubscription(ctx, account, sub.SubscriptionID, m.now().Add(m.cfg.RenewExtension))
	if err != nil {
		if mail.StatusOf(err) == http.StatusNotFound {
			if derr := m.store.DeactivateSubscription(ctx, sub.ID); derr != nil {
				return errors.Join(err, derr)
			}
		}
		return fmt.Errorf("renew subscription %s: %w", sub.SubscriptionID, err)
	}

	if err := m.store.UpdateSubscriptionExpiry(ctx, sub.ID, expiresAt); err != nil {
		return err
	}
	sub.ExpiresAt = expiresAt
	return nil
}

// Delete removes the subscription at the provider. 2xx and 404 both deactivate the row;
// any other failure leaves it active.
func (m *Manager) Delete(ctx context.Context, sub *models.WebhookSubscription) error {
	account, err := m.store.GetAccount(ctx, sub.AccountID)
	if err != nil {
		return err
	}

	err = m.graph.DeleteSubscription(ctx, account, sub.SubscriptionID)
	if err != nil && mail.StatusOf(err) != http.StatusNotFound {
		return fmt.Errorf("delete subscription %s: %w", sub.SubscriptionID, err)
	}

	if err := m.store.DeactivateSubscription(ctx, sub.ID); err != nil {
		return err
	}
	sub.IsActive = false
	return nil
}

// DeleteAll deletes every active subscription of the account
func (m *Manager) DeleteAll(ctx context.Context, account *models.Account) error {
	subs, err := m.store.ListActiveSubscriptions(ctx, account.ID)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := m.Delete(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenewExpiring renews active subscriptions expiring within the given window and returns how many succeeded
func (m *Manager) RenewExpiring(ctx context.Context, within time.Duration) (int, error) {
	now := m.now()
	subs, err := m.store.ListSubscriptionsExpiringBetween(ctx, now, now.Add(within))
	if err != nil {
		return 0, err
	}

	renewed := 0
	var errs []error
	for _, sub := range subs {
		if err := m.Renew(ctx, sub); err != nil {
			logging.Log.WithFields(logrus.Fields{
				"account_id":      sub.AccountID,
				"subscription_id": sub.SubscriptionID,
			}).WithError(err).Warn("subscription renewal failed")
			errs = append(errs, err)
			continue
		}
		renewed++
	}
	return renewed, errors.Join(errs...)
}

// CleanupExpired deactivates subscriptions whose expiry has passed
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeactivateExpiredSubscriptions(ctx, m.now())
}

// RunRenewals renews and cleans up subscriptions every interval until ctx is done
func (m *Manager) RunRenewals(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.renewalPass(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) renewalPass(ctx context.Context) {
	renewed, err := m.RenewExpiring(ctx, m.cfg.RenewBefore)
	if err != nil && ctx.Err() == nil {
		logging.Log.WithError(err).Warn("some subscriptions were not renewed")
	}

	expired, err := m.CleanupExpired(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("subscription cleanup failed")
	}

	if renewed > 0 || expired > 0 {
		logging.Log.WithFields(logrus.Fields{
			"renewed":     renewed,
			"deactivated": expired,
		}).Info("subscription maintenance done")
	}
}
