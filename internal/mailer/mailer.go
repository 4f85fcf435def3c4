package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// ErrInvalidRequest marks a send request that cannot be delivered as given
var ErrInvalidRequest = errors.New("invalid send request")

type AccountStore interface {
	GetAccountForUser(ctx context.Context, userID, id string) (*models.Account, error)
}

// Recorder persists a message the application sent
type Recorder interface {
	RecordSent(ctx context.Context, account *models.Account, req mail.SendRequest, res mail.SendResult) (*models.Message, error)
}

// Service sends mail as a connected account and records it as app-originated
type Service struct {
	accounts  AccountStore
	providers *mail.Factory
	recorder  Recorder
	queue     queue.Enqueuer
}

func NewService(accounts AccountStore, providers *mail.Factory, recorder Recorder, q queue.Enqueuer) *Service {
	return &Service{accounts: accounts, providers: providers, recorder: recorder, queue: q}
}

// Send delivers req from the user's account. Provider rejections come back in the
// result with a nil error. A non-nil error with a successful result means the message
// left the mailbox but could not be recorded.
func (s *Service) Send(ctx context.Context, userID, accountID string, req mail.SendRequest) (mail.SendResult, error) {
	if err := validate(req); err != nil {
		return mail.SendResult{}, err
	}

	account, err := s.accounts.GetAccountForUser(ctx, userID, accountID)
	if err != nil {
		return mail.SendResult{}, err
	}

	provider, err := s.providers.For(account.Provider)
	if err != nil {
		return mail.SendResult{}, err
	}

	log := logging.Log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
	})

	res := provider.Send(ctx, account, req)
	if !res.Success {
		log.WithFields(logrus.Fields{
			"status": res.HTTPStatus,
			"error":  res.Error,
		}).Warn("send rejected by provider")
		return res, nil
	}

	if _, err := s.recorder.RecordSent(ctx, account, req, res); err != nil {
		if errors.Is(err, reconcile.ErrUngroupable) {
			log.WithField("external_message_id", res.ExternalMessageID).
				Warn("sent message has no conversation id, replies will not be tracked")
			return res, nil
		}
		return res, fmt.Errorf("message sent but not recorded: %w", err)
	}

	if err := syncer.EnqueueConversation(ctx, s.queue, account.ID, res.ExternalThreadID, "sent:"+res.ExternalMessageID); err != nil {
		log.WithError(err).Warn("failed to enqueue follow-up conversation sync")
	}

	return res, nil
}

func validate(req mail.SendRequest) error {
	if len(req.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidRequest)
	}
	for _, list := range [][]string{req.To, req.Cc, req.Bcc} {
		for _, addr := range list {
			if !strings.Contains(addr, "@") {
				return fmt.Errorf("%w: bad address %q", ErrInvalidRequest, addr)
			}
		}
	}
	return nil
}
