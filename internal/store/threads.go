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

const threadColumns = `id, account_id, provider, external_thread_id, originated_via_app, subject,
	participants, last_message_at, created_at, updated_at`

func scanThread(row rowScanner) (*models.Thread, error) {
	var (
		t                    models.Thread
		provider             string
		originated           int
		participants         string
		lastMessageAt        sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.AccountID, &provider, &t.ExternalThreadID, &originated, &t.Subject,
		&participants, &lastMessageAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Provider = models.Provider(provider)
	t.OriginatedViaApp = originated == 1
	t.Participants = decodeList(participants)
	t.LastMessageAt = fromMillis(lastMessageAt)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func (q *Queries) getThread(ctx context.Context, where string, args ...any) (*models.Thread, error) {
	t, err := scanThread(q.q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM email_threads WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// GetThread loads a thread by id
func (q *Queries) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	return q.getThread(ctx, `id = ?`, id)
}

// GetThreadByExternalID loads a thread by (account, external thread id) regardless of origin
func (q *Queries) GetThreadByExternalID(ctx context.Context, accountID, externalThreadID string) (*models.Thread, error) {
	return q.getThread(ctx, `account_id = ? AND external_thread_id = ?`, accountID, externalThreadID)
}

// GetOriginatedThread loads a thread by (account, external thread id) only if the app started it
func (q *Queries) GetOriginatedThread(ctx context.Context, accountID, externalThreadID string) (*models.Thread, error) {
	return q.getThread(ctx, `account_id = ? AND external_thread_id = ? AND originated_via_app = 1`, accountID, externalThreadID)
}

// UpsertOriginatedThread creates the thread or marks an existing one as app-originated.
// The caller supplies the already merged participant list.
func (q *Queries) UpsertOriginatedThread(ctx context.Context, t *models.Thread) (*models.Thread, error) {
	now := nowMillis()
	var id string
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO email_threads (id, account_id, provider, external_thread_id, originated_via_app,
			subject, participants, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_thread_id) DO UPDATE SET
			originated_via_app = 1,
			subject = CASE WHEN email_threads.subject = '' THEN excluded.subject ELSE email_threads.subject END,
			participants = excluded.participants,
			last_message_at = MAX(COALESCE(email_threads.last_message_at, 0), COALESCE(excluded.last_message_at, 0)),
			updated_at = excluded.updated_at
		RETURNING id
	`, uuid.NewString(), t.AccountID, string(t.Provider), t.ExternalThreadID, t.Subject,
		encodeList(t.Participants), toMillis(t.LastMessageAt), now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert thread: %w", err)
	}
	return q.GetThread(ctx, id)
}

// UpdateThreadActivity backfills an empty subject, replaces participants and advances last_message_at
func (q *Queries) UpdateThreadActivity(ctx context.Context, id, subject string, participants []string, lastMessageAt time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE email_threads
		SET subject = CASE WHEN subject = '' THEN ? ELSE subject END,
		    participants = ?,
		    last_message_at = CASE
		        WHEN ? IS NULL THEN last_message_at
		        ELSE MAX(COALESCE(last_message_at, 0), ?)
		    END,
		    updated_at = ?
		WHERE id = ?
	`, subject, encodeList(participants), toMillis(lastMessageAt), toMillis(lastMessageAt), nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	return nil
}

// TouchThread advances last_message_at if at is later than the stored value
func (q *Queries) TouchThread(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		return nil
	}
	_, err := q.q.ExecContext(ctx, `
		UPDATE email_threads
		SET last_message_at = ?, updated_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)
	`, at.UnixMilli(), nowMillis(), id, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	return nil
}
