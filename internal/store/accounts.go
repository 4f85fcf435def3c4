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

const accountColumns = `id, user_id, provider, email, name, access_token, refresh_token,
	expires_at, external_user_id, token_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a                    models.Account
		provider             string
		expiresAt            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.ID, &a.UserID, &provider, &a.Email, &a.Name, &a.AccessToken, &a.RefreshToken,
		&expiresAt, &a.ExternalUserID, &a.TokenVersion, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Provider = models.Provider(provider)
	a.ExpiresAt = fromMillis(expiresAt)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &a, nil
}

// UpsertAccount inserts or updates an account keyed by (user, provider, email).
// An empty refresh token never replaces a stored one. a.ID and a.TokenVersion are set from the stored row.
func (q *Queries) UpsertAccount(ctx context.Context, a *models.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := nowMillis()

	err := q.q.QueryRowContext(ctx, `
		INSERT INTO email_accounts (id, user_id, provider, email, name, access_token, refresh_token,
			expires_at, external_user_id, token_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, provider, email) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE email_accounts.name END,
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE email_accounts.refresh_token END,
			expires_at = excluded.expires_at,
			external_user_id = CASE WHEN excluded.external_user_id != '' THEN excluded.external_user_id ELSE email_accounts.external_user_id END,
			token_version = email_accounts.token_version + 1,
			updated_at = excluded.updated_at
		RETURNING id, token_version
	`, a.ID, a.UserID, string(a.Provider), a.Email, a.Name, a.AccessToken, a.RefreshToken,
		toMillis(a.ExpiresAt), a.ExternalUserID, now, now).Scan(&a.ID, &a.TokenVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// GetAccount loads an account by id
func (q *Queries) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	a, err := scanAccount(q.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// GetAccountForUser loads an account only if it belongs to userID
func (q *Queries) GetAccountForUser(ctx context.Context, userID, id string) (*models.Account, error) {
	a, err := scanAccount(q.q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = ? AND user_id = ?`, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListAccountsByProvider returns every connected account of a provider
func (q *Queries) ListAccountsByProvider(ctx context.Context, provider models.Provider) ([]*models.Account, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE provider = ? ORDER BY created_at`, string(provider))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateTokens writes refreshed credentials only if the row still carries expectedVersion.
// It returns false when another writer refreshed first. An empty refreshToken keeps the stored one.
func (q *Queries) UpdateTokens(ctx context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiresAt time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE email_accounts
		SET access_token = ?,
		    refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
		    expires_at = ?,
		    token_version = token_version + 1,
		    updated_at = ?
		WHERE id = ? AND token_version = ?
	`, accessToken, refreshToken, refreshToken, toMillis(expiresAt), nowMillis(), id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update tokens: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// DeleteAccount removes a user's account; threads, messages and subscriptions cascade
func (q *Queries) DeleteAccount(ctx context.Context, userID, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM email_accounts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
