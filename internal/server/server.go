package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailer"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/webhook"
)

const userKey = "user"

type UserVerifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

type Sender interface {
	Send(ctx context.Context, userID, accountID string, req mail.SendRequest) (mail.SendResult, error)
}

type Accounts interface {
	Connect(ctx context.Context, userID string, cb *auth.CallbackResult) (*models.Account, error)
	Disconnect(ctx context.Context, userID, accountID string) error
}

// Grants returns the provider credentials a user just granted
type Grants interface {
	Fetch(ctx context.Context, userJWT string, provider models.Provider) (*auth.CallbackResult, error)
}

// Deps are the collaborators the HTTP surface routes to. A nil Verifier leaves the /api group unmounted.
type Deps struct {
	Verifier UserVerifier
	Webhook  *webhook.Handler
	Sender   Sender
	Accounts Accounts
	Grants   Grants
	Health   func(ctx context.Context) error
}

// NewRouter builds the gin engine
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		if d.Health != nil {
			if err := d.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	d.Webhook.Register(r)

	if d.Verifier == nil {
		return r
	}

	api := r.Group("/api")
	api.Use(AuthMiddleware(d.Verifier))
	api.POST("/connections/:provider", connectHandler(d.Grants, d.Accounts))
	api.DELETE("/accounts/:id", disconnectHandler(d.Accounts))
	api.POST("/accounts/:id/messages", sendHandler(d.Sender))

	return r
}

// AuthMiddleware rejects requests without a valid bearer token and stores the caller on the context
func AuthMiddleware(v UserVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	u, _ := c.MustGet(userKey).(*auth.User)
	return u
}

type sendBody struct {
	To       []string `json:"to" binding:"required,min=1"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	Subject  string   `json:"subject"`
	HTMLBody string   `json:"html_body"`
}

func sendHandler(s Sender) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body sendBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := s.Send(c.Request.Context(), currentUser(c).ID, c.Param("id"), mail.SendRequest{
			To:       body.To,
			Cc:       body.Cc,
			Bcc:      body.Bcc,
			Subject:  body.Subject,
			HTMLBody: body.HTMLBody,
		})
		switch {
		case errors.Is(err, mailer.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case err != nil && res.Success:
			logging.Log.WithError(err).Error("sent message was not recorded")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case !res.Success:
			c.JSON(http.StatusBadGateway, res)
		default:
			c.JSON(http.StatusOK, res)
		}
	}
}

type accountView struct {
	ID        string          `json:"id"`
	Provider  models.Provider `json:"provider"`
	Email     string          `json:"email"`
	Name      string          `json:"name,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func connectHandler(grants Grants, accounts Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, err := models.ParseProvider(c.Param("provider"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		cb, err := grants.Fetch(c.Request.Context(), token, provider)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		account, err := accounts.Connect(c.Request.Context(), currentUser(c).ID, cb)
		if err != nil && account == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			logging.Log.WithField("account_id", account.ID).WithError(err).Warn("account connected with errors")
		}

		c.JSON(http.StatusCreated, accountView{
			ID:        account.ID,
			Provider:  account.Provider,
			Email:     account.Email,
			Name:      account.Name,
			ExpiresAt: account.ExpiresAt,
		})
	}
}

func disconnectHandler(accounts Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := accounts.Disconnect(c.Request.Context(), currentUser(c).ID, c.Param("id"))
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.Status(http.StatusNoContent)
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logging.Log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
