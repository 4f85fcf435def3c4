package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// RecordPoll saves the outcome of a polling pass. A failure keeps the last success time
// and bumps the failure count; a success resets it.
func (q *Queries) RecordPoll(ctx context.Context, accountID string, provider models.Provider, at time.Time, conversations int, pollErr error) error {
	status, errMsg := models.SyncStatusOK, ""
	if pollErr != nil {
		status, errMsg = models.SyncStatusFailed, pollErr.Error()
	}

	var success sql.NullInt64
	if pollErr == nil {
		success = toMillis(at)
	}

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO email_sync_state (account_id, provider, status, last_polled_at, last_success_at,
			conversations, last_error, failure_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END)
		ON CONFLICT(account_id, provider) DO UPDATE SET
			status = excluded.status,
			last_polled_at = excluded.last_polled_at,
			last_success_at = COALESCE(excluded.last_success_at, email_sync_state.last_success_at),
			conversations = excluded.conversations,
			last_error = excluded.last_error,
			failure_count = CASE WHEN excluded.last_error != '' THEN email_sync_state.failure_count + 1 ELSE 0 END
	`, accountID, string(provider), status, at.UnixMilli(), success, conversations, errMsg, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record poll: %w", err)
	}
	return nil
}

// GetSyncState loads the latest polling outcome of an account
func (q *Queries) GetSyncState(ctx context.Context, accountID string, provider models.Provider) (*models.SyncState, error) {
	var (
		s            models.SyncState
		providerName string
		polledAt     int64
		successAt    sql.NullInt64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT account_id, provider, status, last_polled_at, last_success_at, conversations, last_error, failure_count
		FROM email_sync_state WHERE account_id = ? AND provider = ?
	`, accountID, string(provider)).Scan(&s.AccountID, &providerName, &s.Status, &polledAt, &successAt,
		&s.Conversations, &s.LastError, &s.FailureCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sync state %s: %w", accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	s.Provider = models.Provider(providerName)
	s.LastPolledAt = time.UnixMilli(polledAt).UTC()
	s.LastSuccessAt = fromMillis(successAt)
	return &s, nil
}
