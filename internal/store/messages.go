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

const messageColumns = `id, account_id, thread_id, provider, external_message_id, external_thread_id,
	direction, sent_via_app, subject, from_email, from_name, to_addrs, cc_addrs, bcc_addrs,
	body_text, body_html, headers, snippet, sent_at, received_at, created_at, updated_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                    models.Message
		provider, direction  string
		sentViaApp           int
		to, cc, bcc, headers string
		sentAt, receivedAt   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.ThreadID, &provider, &m.ExternalMessageID, &m.ExternalThreadID,
		&direction, &sentViaApp, &m.Subject, &m.FromEmail, &m.FromName, &to, &cc, &bcc,
		&m.BodyText, &m.BodyHTML, &headers, &m.Snippet, &sentAt, &receivedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Provider = models.Provider(provider)
	m.Direction = models.Direction(direction)
	m.SentViaApp = sentViaApp == 1
	m.To = decodeList(to)
	m.Cc = decodeList(cc)
	m.Bcc = decodeList(bcc)
	m.Headers = decodeMap(headers)
	m.SentAt = fromMillis(sentAt)
	m.ReceivedAt = fromMillis(receivedAt)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}

// GetMessageByExternalID loads a message by its idempotency key
func (q *Queries) GetMessageByExternalID(ctx context.Context, accountID, externalMessageID string) (*models.Message, error) {
	m, err := scanMessage(q.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE account_id = ? AND external_message_id = ?`,
		accountID, externalMessageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// UpsertMessage inserts a message keyed by (account, external message id). On conflict
// only columns that are still empty on the stored row are filled; thread and direction never change.
func (q *Queries) UpsertMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	now := nowMillis()
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO email_messages (id, account_id, thread_id, provider, external_message_id, external_thread_id,
			direction, sent_via_app, subject, from_email, from_name, to_addrs, cc_addrs, bcc_addrs,
			body_text, body_html, headers, snippet, sent_at, received_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_message_id) DO UPDATE SET
			external_thread_id = CASE WHEN email_messages.external_thread_id = '' THEN excluded.external_thread_id ELSE email_messages.external_thread_id END,
			sent_via_app = MAX(email_messages.sent_via_app, excluded.sent_via_app),
			subject = CASE WHEN email_messages.subject = '' THEN excluded.subject ELSE email_messages.subject END,
			from_email = CASE WHEN email_messages.from_email = '' THEN excluded.from_email ELSE email_messages.from_email END,
			from_name = CASE WHEN email_messages.from_name = '' THEN excluded.from_name ELSE email_messages.from_name END,
			to_addrs = CASE WHEN email_messages.to_addrs = '' THEN excluded.to_addrs ELSE email_messages.to_addrs END,
			cc_addrs = CASE WHEN email_messages.cc_addrs = '' THEN excluded.cc_addrs ELSE email_messages.cc_addrs END,
			bcc_addrs = CASE WHEN email_messages.bcc_addrs = '' THEN excluded.bcc_addrs ELSE email_messages.bcc_addrs END,
			body_text = CASE WHEN email_messages.body_text = '' THEN excluded.body_text ELSE email_messages.body_text END,
			body_html = CASE WHEN email_messages.body_html = '' THEN excluded.body_html ELSE email_messages.body_html END,
			headers = CASE WHEN email_messages.headers = '' THEN excluded.headers ELSE email_messages.headers END,
			snippet = CASE WHEN email_messages.snippet = '' THEN excluded.snippet ELSE email_messages.snippet END,
			sent_at = COALESCE(email_messages.sent_at, excluded.sent_at),
			received_at = COALESCE(email_messages.received_at, excluded.received_at),
			updated_at = excluded.updated_at
	`, uuid.NewString(), m.AccountID, m.ThreadID, string(m.Provider), m.ExternalMessageID, m.ExternalThreadID,
		string(m.Direction), boolInt(m.SentViaApp), m.Subject, m.FromEmail, m.FromName,
		encodeList(m.To), encodeList(m.Cc), encodeList(m.Bcc),
		m.BodyText, m.BodyHTML, encodeMap(m.Headers), m.Snippet,
		toMillis(m.SentAt), toMillis(m.ReceivedAt), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert message: %w", err)
	}
	return q.GetMessageByExternalID(ctx, m.AccountID, m.ExternalMessageID)
}

// ListThreadMessages returns a thread's messages oldest first
func (q *Queries) ListThreadMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM email_messages
		WHERE thread_id = ?
		ORDER BY COALESCE(sent_at, received_at, created_at), created_at
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns how many messages an account has stored
func (q *Queries) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_messages WHERE account_id = ?`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// CountThreads returns how many threads an account has stored
func (q *Queries) CountThreads(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_threads WHERE account_id = ?`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return n, nil
}
