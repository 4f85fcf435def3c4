package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/accounts"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailer"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/secrets"
	"github.com/Martian-dev/mailsync/internal/server"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/subscriptions"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/tasks"
	"github.com/Martian-dev/mailsync/internal/webhook"
)

// components is everything a command may need, built from one Config
type components struct {
	cfg        *config.Config
	store      *store.Store
	box        *secrets.Box
	tokens     *auth.TokenManager
	providers  *mail.Factory
	reconciler *reconcile.Reconciler
	subs       *subscriptions.Manager
	queue      *queue.Client
}

func build(ctx context.Context, cfg *config.Config, withQueue bool) (*components, error) {
	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	box, err := secrets.NewBox(cfg.AppKey)
	if err != nil {
		s.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	tokens := auth.NewTokenManager(s, box, map[models.Provider]config.OAuthClient{
		models.ProviderGoogle:  cfg.Google,
		models.ProviderOutlook: cfg.Azure.OAuthClient,
	}, httpClient)

	graph, err := outlook.New(tokens, cfg.Azure.APIURL, cfg.HTTPTimeout)
	if err != nil {
		s.Close()
		return nil, err
	}

	c := &components{
		cfg:        cfg,
		store:      s,
		box:        box,
		tokens:     tokens,
		providers:  mail.NewFactory(gmail.New(tokens, httpClient, cfg.Google.APIURL), graph),
		reconciler: reconcile.New(s),
		subs:       subscriptions.NewManager(s, graph, box, cfg.Azure.NotificationURL, cfg.Subscriptions),
	}

	if withQueue {
		q, err := queue.Connect(cfg.NATSURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := q.EnsureStream(ctx); err != nil {
			q.Close()
			s.Close()
			return nil, err
		}
		c.queue = q
	}

	return c, nil
}

// router builds the HTTP surface. Without auth.jwks_url the /api group is left out and
// only health and webhook ingestion are served.
func (c *components) router(ctx context.Context, pollers *syncer.Runner) (*gin.Engine, error) {
	deps := server.Deps{
		Webhook:  webhook.NewHandler(c.store, c.box, c.queue),
		Sender:   mailer.NewService(c.store, c.providers, c.reconciler, c.queue),
		Accounts: accounts.NewService(c.store, c.box, c.queue, c.subs),
		Grants:   auth.NewConnectionClient(c.cfg.AuthServerURL, nil),
	}

	var verifier *auth.JWTVerifier
	if c.cfg.JWKSURL == "" {
		logging.Log.Warn("auth.jwks_url not set, /api routes disabled")
	} else {
		var opts []auth.VerifierOption
		if c.cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(c.cfg.JWTIssuer))
		}
		if c.cfg.JWTAudience != "" {
			opts = append(opts, auth.WithAudience(c.cfg.JWTAudience))
		}
		v, err := auth.NewJWTVerifier(ctx, c.cfg.JWKSURL, opts...)
		if err != nil {
			return nil, err
		}
		verifier = v
		deps.Verifier = v
	}

	deps.Health = func(ctx context.Context) error {
		if err := c.store.DB.PingContext(ctx); err != nil {
			return err
		}
		if verifier != nil {
			if err := verifier.Ready(); err != nil {
				return err
			}
		}
		if pollers != nil {
			return pollers.Healthy()
		}
		return nil
	}

	return server.NewRouter(deps), nil
}

func (c *components) handlers() *queue.Mux {
	mux := queue.NewMux()
	tasks.NewHandlers(c.store, c.providers, c.reconciler, c.subs).Register(mux)
	return mux
}

func (c *components) account(ctx context.Context, id string) (*models.Account, error) {
	account, err := c.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

func (c *components) Close() {
	if c.queue != nil {
		c.queue.Close()
	}
	c.store.Close()
}
