package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/server"
	"github.com/Martian-dev/mailsync/internal/store"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

var allProviders = []models.Provider{models.ProviderGoogle, models.ProviderOutlook}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook endpoint, task workers, pollers and subscription renewals",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		c, err := build(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer c.Close()

		pollers := c.poller(allProviders)
		router, err := c.router(ctx, pollers)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Serve(gctx, cfg.HTTPAddr, router)
		})
		g.Go(func() error {
			return c.queue.Consume(gctx, c.handlers(), cfg.Queue)
		})
		g.Go(func() error {
			return pollers.Run(gctx)
		})
		g.Go(func() error {
			c.subs.RunRenewals(gctx, cfg.Subscriptions.RenewInterval)
			return nil
		})

		return g.Wait()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run task workers only",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		c, err := build(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer c.Close()

		return c.queue.Consume(ctx, c.handlers(), cfg.Queue)
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll providers for recent conversations and enqueue sync tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		providers := allProviders
		if name, _ := cmd.Flags().GetString("provider"); name != "" {
			p, err := models.ParseProvider(name)
			if err != nil {
				return err
			}
			providers = []models.Provider{p}
		}

		ctx, cancel := signalContext()
		defer cancel()

		c, err := build(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer c.Close()

		runner := c.poller(providers)
		if once, _ := cmd.Flags().GetBool("once"); once {
			for _, p := range providers {
				if err := runner.Orchestrator.Poll(ctx, p); err != nil {
					return err
				}
			}
			return nil
		}
		return runner.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		s, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer s.Close()

		logging.Log.WithField("path", cfg.DatabasePath).Info("database migrated")
		return nil
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <account-id>",
	Short: "Create or reuse the Graph change-notification subscription of an Outlook account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccount(args[0], func(ctx context.Context, c *components, account *models.Account) error {
			sub, err := c.subs.Create(ctx, account)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s expires %s\n", sub.SubscriptionID, sub.ExpiresAt.Format(time.RFC3339))
			return nil
		})
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <account-id>",
	Short: "Delete every active Graph subscription of an Outlook account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccount(args[0], func(ctx context.Context, c *components, account *models.Account) error {
			return c.subs.DeleteAll(ctx, account)
		})
	},
}

func init() {
	pollCmd.Flags().String("provider", "", "Poll only this provider (google or outlook)")
	pollCmd.Flags().Bool("once", false, "Run a single pass and exit")
}

func withAccount(id string, fn func(ctx context.Context, c *components, account *models.Account) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := build(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.Close()

	account, err := c.account(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, c, account)
}

func (c *components) poller(providers []models.Provider) *syncer.Runner {
	return &syncer.Runner{
		Orchestrator: syncer.NewOrchestrator(c.store, c.providers, c.queue, c.cfg.Sync.Window, c.cfg.Sync.Concurrency),
		Providers:    providers,
		Interval:     c.cfg.Sync.Interval,
	}
}
