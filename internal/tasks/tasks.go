package tasks

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/subscriptions"
)

// Task types
const (
	TypeWebhookMessage     = "webhook.message"
	TypeConversationSync   = "conversation.sync"
	TypeSubscriptionCreate = "subscription.create"
)

// MessagePayload identifies one provider message to fetch and reconcile
type MessagePayload struct {
	AccountID string `json:"account_id"`
	MessageID string `json:"message_id"`
}

// ConversationPayload identifies one provider conversation to fetch and reconcile
type ConversationPayload struct {
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
}

// SubscriptionPayload names the account to subscribe
type SubscriptionPayload struct {
	AccountID string `json:"account_id"`
}

type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, account *models.Account, raw *mail.RawMessage) (*models.Message, error)
}

type Subscriber interface {
	Create(ctx context.Context, account *models.Account) (*models.WebhookSubscription, error)
}

// Handlers executes the background tasks
type Handlers struct {
	accounts   AccountGetter
	providers  *mail.Factory
	reconciler Reconciler
	subs       Subscriber
}

func NewHandlers(accounts AccountGetter, providers *mail.Factory, reconciler Reconciler, subs Subscriber) *Handlers {
	return &Handlers{
		accounts:   accounts,
		providers:  providers,
		reconciler: reconciler,
		subs:       subs,
	}
}

// Register installs every handler on mux
func (h *Handlers) Register(mux *queue.Mux) {
	mux.Handle(TypeWebhookMessage, h.WebhookMessage)
	mux.Handle(TypeConversationSync, h.ConversationSync)
	mux.Handle(TypeSubscriptionCreate, h.SubscriptionCreate)
}

// WebhookMessage fetches one notified message and reconciles it
func (h *Handlers) WebhookMessage(ctx context.Context, task *queue.Task) error {
	var p MessagePayload
	if err := task.Decode(&p); err != nil {
		return err
	}

	account, provider, err := h.resolve(ctx, p.AccountID)
	if err != nil {
		return classify(err)
	}

	raw, err := provider.Fetch(ctx, account, p.MessageID)
	if err != nil {
		return classify(err)
	}
	return h.reconcile(ctx, account, raw)
}

// ConversationSync fetches a conversation and reconciles each message in it
func (h *Handlers) ConversationSync(ctx context.Context, task *queue.Task) error {
	var p ConversationPayload
	if err := task.Decode(&p); err != nil {
		return err
	}

	account, provider, err := h.resolve(ctx, p.AccountID)
	if err != nil {
		return classify(err)
	}

	msgs, err := provider.FetchConversation(ctx, account, p.ConversationID)
	if err != nil {
		return classify(err)
	}

	var errs []error
	for _, raw := range msgs {
		if err := h.reconcile(ctx, account, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscriptionCreate registers a change-notification subscription for the account
func (h *Handlers) SubscriptionCreate(ctx context.Context, task *queue.Task) error {
	var p SubscriptionPayload
	if err := task.Decode(&p); err != nil {
		return err
	}

	account, err := h.accounts.GetAccount(ctx, p.AccountID)
	if err != nil {
		return classify(err)
	}

	if _, err := h.subs.Create(ctx, account); err != nil {
		return classify(err)
	}
	return nil
}

func (h *Handlers) resolve(ctx context.Context, accountID string) (*models.Account, mail.Provider, error) {
	account, err := h.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	provider, err := h.providers.For(account.Provider)
	if err != nil {
		return nil, nil, queue.Permanent(err)
	}
	return account, provider, nil
}

func (h *Handlers) reconcile(ctx context.Context, account *models.Account, raw *mail.RawMessage) error {
	_, err := h.reconciler.Reconcile(ctx, account, raw)
	if errors.Is(err, reconcile.ErrUngroupable) {
		logging.Log.WithFields(logrus.Fields{
			"account_id":          account.ID,
			"external_message_id": raw.ExternalMessageID,
		}).Info("message has no conversation id, discarding")
		return nil
	}
	return err
}

// classify marks errors that a retry cannot fix as permanent
func classify(err error) error {
	if err == nil || mail.IsTransient(err) || queue.IsPermanent(err) {
		return err
	}

	var (
		pe *mail.ProviderError
		re *auth.RefreshError
	)
	switch {
	case errors.As(err, &pe) && pe.Status != 0,
		errors.As(err, &re),
		errors.Is(err, mail.ErrAuth),
		errors.Is(err, auth.ErrNoRefreshToken),
		errors.Is(err, config.ErrMissing),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, subscriptions.ErrUnsupportedProvider):
		return queue.Permanent(err)
	}
	return err
}
