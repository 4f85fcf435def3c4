package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/models"
)

const subscriptionColumns = `id, account_id, provider, subscription_id, resource, change_types,
	notification_url, expires_at, client_state, is_active, created_at, updated_at`

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var (
		s                               models.WebhookSubscription
		provider, changeTypes           string
		active                          int
		expiresAt, createdAt, updatedAt int64
	)
	err := row.Scan(&s.ID, &s.AccountID, &provider, &s.SubscriptionID, &s.Resource, &changeTypes,
		&s.NotificationURL, &expiresAt, &s.ClientState, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Provider = models.Provider(provider)
	s.ChangeTypes = decodeList(changeTypes)
	s.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	s.IsActive = active == 1
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &s, nil
}

func (q *Queries) listSubscriptions(ctx context.Context, where string, args ...any) ([]*models.WebhookSubscription, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM email_webhook_subscriptions WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (q *Queries) getSubscription(ctx context.Context, where string, args ...any) (*models.WebhookSubscription, error) {
	s, err := scanSubscription(q.q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM email_webhook_subscriptions WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

// GetSubscription loads a subscription row by id
func (q *Queries) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	return q.getSubscription(ctx, `id = ?`, id)
}

// GetActiveSubscription returns the active subscription for (account, provider)
func (q *Queries) GetActiveSubscription(ctx context.Context, accountID string, provider models.Provider) (*models.WebhookSubscription, error) {
	return q.getSubscription(ctx, `account_id = ? AND provider = ? AND is_active = 1`, accountID, string(provider))
}

// FindActiveSubscription matches an inbound notification by exact (subscription id, client state)
func (q *Queries) FindActiveSubscription(ctx context.Context, subscriptionID, clientState string) (*models.WebhookSubscription, error) {
	return q.getSubscription(ctx, `subscription_id = ? AND client_state = ? AND is_active = 1`, subscriptionID, clientState)
}

// ActivateSubscription deactivates every prior subscription for the pair and inserts s as the active one.
// Run it inside InTx so readers never observe zero or two active rows.
func (q *Queries) ActivateSubscription(ctx context.Context, s *models.WebhookSubscription) error {
	now := nowMillis()
	if _, err := q.q.ExecContext(ctx, `
		UPDATE email_webhook_subscriptions SET is_active = 0, updated_at = ?
		WHERE account_id = ? AND provider = ? AND is_active = 1
	`, now, s.AccountID, string(s.Provider)); err != nil {
		return fmt.Errorf("failed to deactivate subscriptions: %w", err)
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO email_webhook_subscriptions (id, account_id, provider, subscription_id, resource, change_types,
			notification_url, expires_at, client_state, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, s.ID, s.AccountID, string(s.Provider), s.SubscriptionID, s.Resource, encodeList(s.ChangeTypes),
		s.NotificationURL, s.ExpiresAt.UnixMilli(), s.ClientState, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	s.IsActive = true
	return nil
}

// UpdateSubscriptionExpiry stores a renewed expiry
func (q *Queries) UpdateSubscriptionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE email_webhook_subscriptions SET expires_at = ?, updated_at = ? WHERE id = ?
	`, expiresAt.UnixMilli(), nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update subscription expiry: %w", err)
	}
	return nil
}

// DeactivateSubscription marks a subscription row inactive
func (q *Queries) DeactivateSubscription(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE email_webhook_subscriptions SET is_active = 0, updated_at = ? WHERE id = ?
	`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// ListActiveSubscriptions returns an account's active subscriptions
func (q *Queries) ListActiveSubscriptions(ctx context.Context, accountID string) ([]*models.WebhookSubscription, error) {
	return q.listSubscriptions(ctx, `account_id = ? AND is_active = 1`, accountID)
}

// ListSubscriptionsExpiringBetween returns active subscriptions with after < expires_at <= before
func (q *Queries) ListSubscriptionsExpiringBetween(ctx context.Context, after, before time.Time) ([]*models.WebhookSubscription, error) {
	return q.listSubscriptions(ctx, `is_active = 1 AND expires_at > ? AND expires_at <= ?`, after.UnixMilli(), before.UnixMilli())
}

// DeactivateExpiredSubscriptions marks active rows expired at now inactive and returns how many changed
func (q *Queries) DeactivateExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE email_webhook_subscriptions SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND expires_at <= ?
	`, nowMillis(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired subscriptions: %w", err)
	}
	return res.RowsAffected()
}

// CountActiveSubscriptions returns the number of active rows for (account, provider)
func (q *Queries) CountActiveSubscriptions(ctx context.Context, accountID string, provider models.Provider) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_webhook_subscriptions WHERE account_id = ? AND provider = ? AND is_active = 1
	`, accountID, string(provider)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return n, nil
}
