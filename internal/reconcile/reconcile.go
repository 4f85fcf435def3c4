package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// ErrUngroupable is returned for a message that carries no conversation id. It is never retried.
var ErrUngroupable = errors.New("message has no conversation id")

// Reconciler maps raw provider messages onto persisted threads and messages
type Reconciler struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Reconciler {
	return &Reconciler{store: s, now: time.Now}
}

// Reconcile persists raw if it belongs to a conversation the application started.
// It returns (nil, nil) when the message is discarded and is safe to call repeatedly
// or concurrently for the same message.
func (r *Reconciler) Reconcile(ctx context.Context, account *models.Account, raw *mail.RawMessage) (*models.Message, error) {
	if raw == nil || raw.ExternalMessageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrUngroupable)
	}
	if raw.ExternalThreadID == "" {
		return nil, ErrUngroupable
	}

	log := logging.Log.WithFields(logrus.Fields{
		"account_id":          account.ID,
		"provider":            account.Provider,
		"external_message_id": raw.ExternalMessageID,
		"external_thread_id":  raw.ExternalThreadID,
	})

	var (
		result    *models.Message
		discarded bool
		merged    bool
	)
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		existing, err := q.GetMessageByExternalID(ctx, account.ID, raw.ExternalMessageID)
		if err == nil {
			merged = true
			result, err = reobserve(ctx, q, existing, raw)
			return err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		thread, err := q.GetOriginatedThread(ctx, account.ID, raw.ExternalThreadID)
		if errors.Is(err, store.ErrNotFound) {
			discarded = true
			return nil
		}
		if err != nil {
			return err
		}

		msg := newMessage(account, thread, raw)
		saved, err := q.UpsertMessage(ctx, msg)
		if err != nil {
			return err
		}

		participants := mergeParticipants(thread.Participants, participantsOf(raw)...)
		if err := q.UpdateThreadActivity(ctx, thread.ID, raw.Subject, participants, raw.Timestamp()); err != nil {
			return err
		}

		result = saved
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile message %s: %w", raw.ExternalMessageID, err)
	}

	switch {
	case discarded:
		log.Info("message is not part of an app-originated conversation, discarding")
	case merged:
		log.Debug("merged re-observed message")
	default:
		log.WithFields(logrus.Fields{
			"direction":    result.Direction,
			"sent_via_app": result.SentViaApp,
		}).Info("reconciled message")
	}
	return result, nil
}

// reobserve fills the stored row's empty fields from raw and advances the thread
func reobserve(ctx context.Context, q *store.Queries, existing *models.Message, raw *mail.RawMessage) (*models.Message, error) {
	update := fromRaw(raw)
	update.AccountID = existing.AccountID
	update.ThreadID = existing.ThreadID
	update.Provider = existing.Provider
	update.Direction = existing.Direction
	update.SentViaApp = existing.SentViaApp || raw.HasMarker()
	placeTimestamp(update, existing.Direction, raw)

	saved, err := q.UpsertMessage(ctx, update)
	if err != nil {
		return nil, err
	}
	if err := q.TouchThread(ctx, existing.ThreadID, raw.Timestamp()); err != nil {
		return nil, err
	}
	return saved, nil
}

func newMessage(account *models.Account, thread *models.Thread, raw *mail.RawMessage) *models.Message {
	msg := fromRaw(raw)
	msg.AccountID = account.ID
	msg.ThreadID = thread.ID
	msg.Provider = account.Provider
	msg.SentViaApp = raw.HasMarker()
	msg.Direction = models.DirectionIncoming
	if strings.EqualFold(strings.TrimSpace(raw.From.Email), strings.TrimSpace(account.Email)) {
		msg.Direction = models.DirectionOutgoing
	}
	placeTimestamp(msg, msg.Direction, raw)
	return msg
}

func fromRaw(raw *mail.RawMessage) *models.Message {
	return &models.Message{
		ExternalMessageID: raw.ExternalMessageID,
		ExternalThreadID:  raw.ExternalThreadID,
		Subject:           raw.Subject,
		FromEmail:         raw.From.Email,
		FromName:          raw.From.Name,
		To:                raw.To,
		Cc:                raw.Cc,
		Bcc:               raw.Bcc,
		BodyText:          raw.BodyText,
		BodyHTML:          raw.BodyHTML,
		Headers:           raw.Headers,
		Snippet:           raw.Snippet,
	}
}

// placeTimestamp sets sent_at for outgoing messages and received_at for incoming ones
func placeTimestamp(m *models.Message, direction models.Direction, raw *mail.RawMessage) {
	m.SentAt, m.ReceivedAt = time.Time{}, time.Time{}
	if direction == models.DirectionOutgoing {
		m.SentAt = firstNonZero(raw.SentAt, raw.ReceivedAt)
		return
	}
	m.ReceivedAt = raw.Timestamp()
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func participantsOf(raw *mail.RawMessage) []string {
	out := make([]string, 0, 1+len(raw.To)+len(raw.Cc)+len(raw.Bcc))
	out = append(out, raw.From.Email)
	out = append(out, raw.To...)
	out = append(out, raw.Cc...)
	out = append(out, raw.Bcc...)
	return out
}

// mergeParticipants returns the union of existing and added, deduplicated by exact string match.
// Existing order is kept and new addresses are appended in the order seen.
func mergeParticipants(existing []string, added ...string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, addr := range list {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
