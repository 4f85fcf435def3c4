package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// RecordSent persists a message the application just sent. The thread is created or
// marked app-originated before the message row is written, which opens the gate for replies.
func (r *Reconciler) RecordSent(ctx context.Context, account *models.Account, req mail.SendRequest, res mail.SendResult) (*models.Message, error) {
	if !res.Success || res.ExternalMessageID == "" {
		return nil, errors.New("record sent: send did not succeed")
	}
	if res.ExternalThreadID == "" {
		return nil, ErrUngroupable
	}

	now := r.now().UTC()
	bodyText := mail.HTMLToText(req.HTMLBody)

	var saved *models.Message
	err := r.store.InTx(ctx, func(q *store.Queries) error {
		var existing []string
		prior, err := q.GetThreadByExternalID(ctx, account.ID, res.ExternalThreadID)
		switch {
		case err == nil:
			existing = prior.Participants
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		participants := mergeParticipants(existing, account.Email)
		participants = mergeParticipants(participants, req.To...)

		thread, err := q.UpsertOriginatedThread(ctx, &models.Thread{
			AccountID:        account.ID,
			Provider:         account.Provider,
			ExternalThreadID: res.ExternalThreadID,
			Subject:          req.Subject,
			Participants:     participants,
			LastMessageAt:    now,
		})
		if err != nil {
			return err
		}

		saved, err = q.UpsertMessage(ctx, &models.Message{
			AccountID:         account.ID,
			ThreadID:          thread.ID,
			Provider:          account.Provider,
			ExternalMessageID: res.ExternalMessageID,
			ExternalThreadID:  res.ExternalThreadID,
			Direction:         models.DirectionOutgoing,
			SentViaApp:        true,
			Subject:           req.Subject,
			FromEmail:         account.Email,
			FromName:          account.Name,
			To:                req.To,
			Cc:                req.Cc,
			Bcc:               req.Bcc,
			BodyText:          bodyText,
			BodyHTML:          req.HTMLBody,
			Headers:           map[string]string{mail.MarkerHeader: mail.MarkerValue},
			Snippet:           mail.Snippet(bodyText, req.HTMLBody),
			SentAt:            now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record sent message %s: %w", res.ExternalMessageID, err)
	}

	logging.Log.WithFields(logrus.Fields{
		"account_id":          account.ID,
		"provider":            account.Provider,
		"external_message_id": res.ExternalMessageID,
		"external_thread_id":  res.ExternalThreadID,
	}).Info("recorded sent message")

	return saved, nil
}
