package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/tasks"
)

const maxBodyBytes = 1 << 20

var (
	errUnknownSubscription = errors.New("no active subscription matches")
	errBadClientState      = errors.New("client state does not match account")
	errUserMismatch        = errors.New("resource user does not match account")
	errNoMessageID         = errors.New("notification carries no message id")
)

// Notification is one change entry of a Graph notification batch
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type batch struct {
	ValidationToken string         `json:"validationToken"`
	Value           []Notification `json:"value"`
}

type Subscriptions interface {
	FindActiveSubscription(ctx context.Context, subscriptionID, clientState string) (*models.WebhookSubscription, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// Verifier recomputes the client state owed by an account
type Verifier interface {
	VerifyClientState(got, accountID, email, provider string) bool
}

// Handler ingests Microsoft Graph change notifications
type Handler struct {
	subs     Subscriptions
	verifier Verifier
	queue    queue.Enqueuer
}

func NewHandler(subs Subscriptions, verifier Verifier, q queue.Enqueuer) *Handler {
	return &Handler{subs: subs, verifier: verifier, queue: q}
}

// Register mounts the notification endpoint on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/webhooks/microsoft", CoerceJSON(), h.Notify)
	r.POST("/webhooks/microsoft", CoerceJSON(), h.Notify)
}

// Notify answers validation handshakes and enqueues one task per authenticated entry.
// The provider always gets {"status":"ok"} so it never retries a batch.
func (h *Handler) Notify(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	var b batch
	if err := c.ShouldBind(&b); err != nil && !errors.Is(err, io.EOF) {
		logging.Log.WithError(err).Warn("unparseable webhook body")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	if b.ValidationToken != "" {
		c.String(http.StatusOK, b.ValidationToken)
		return
	}

	ctx := c.Request.Context()
	for _, n := range b.Value {
		log := logging.Log.WithFields(logrus.Fields{
			"subscription_id": n.SubscriptionID,
			"change_type":     n.ChangeType,
		})
		if err := h.handle(ctx, n); err != nil {
			log.WithError(err).Warn("skipping notification")
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handle(ctx context.Context, n Notification) error {
	if n.SubscriptionID == "" || n.ClientState == "" {
		return errUnknownSubscription
	}

	sub, err := h.subs.FindActiveSubscription(ctx, n.SubscriptionID, n.ClientState)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errUnknownSubscription
		}
		return err
	}

	account, err := h.subs.GetAccount(ctx, sub.AccountID)
	if err != nil {
		return err
	}
	if !h.verifier.VerifyClientState(n.ClientState, account.ID, account.Email, string(account.Provider)) {
		return errBadClientState
	}

	userID, messageID := ParseResource(n.Resource)
	if n.ResourceData.ID != "" {
		messageID = n.ResourceData.ID
	}
	if messageID == "" {
		return errNoMessageID
	}
	if account.ExternalUserID != "" && userID != "" && !strings.EqualFold(userID, account.ExternalUserID) {
		return errUserMismatch
	}

	err = h.queue.Enqueue(ctx, tasks.TypeWebhookMessage,
		tasks.MessagePayload{AccountID: account.ID, MessageID: messageID},
		queue.WithDedupKey(sub.SubscriptionID+":"+messageID),
	)
	if err != nil {
		return fmt.Errorf("enqueue message %s: %w", messageID, err)
	}

	logging.Log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"message_id": messageID,
	}).Debug("notification enqueued")
	return nil
}

// ParseResource extracts the user and message ids of a resource path such as
// Users/{userId}/Messages/{messageId}
func ParseResource(resource string) (userID, messageID string) {
	parts := strings.Split(strings.Trim(resource, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch strings.ToLower(parts[i]) {
		case "users":
			userID = parts[i+1]
		case "messages":
			messageID = parts[i+1]
		}
	}
	return userID, messageID
}

// CoerceJSON treats a body that parses as JSON as application/json, whatever content type was declared.
// Notify binds by content type, so without it a JSON batch sent as text/plain is ignored.
func CoerceJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		_ = c.Request.Body.Close()
		if err != nil {
			c.Request.Body = io.NopCloser(bytes.NewReader(nil))
			c.Next()
			return
		}

		if len(body) > 0 && json.Valid(body) && !strings.HasPrefix(c.ContentType(), "application/json") {
			c.Request.Header.Set("Content-Type", "application/json")
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
