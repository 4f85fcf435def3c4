package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// accountStatus is what the status command reports for one mailbox
type accountStatus struct {
	Account             *models.Account
	Sync                *models.SyncState
	Threads             int
	Messages            int
	ActiveSubscriptions int
}

func collectStatus(ctx context.Context, s *store.Store, account *models.Account) (*accountStatus, error) {
	st := &accountStatus{Account: account}

	state, err := s.GetSyncState(ctx, account.ID, account.Provider)
	switch {
	case err == nil:
		st.Sync = state
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if st.Threads, err = s.CountThreads(ctx, account.ID); err != nil {
		return nil, err
	}
	if st.Messages, err = s.CountMessages(ctx, account.ID); err != nil {
		return nil, err
	}
	if st.ActiveSubscriptions, err = s.CountActiveSubscriptions(ctx, account.ID, account.Provider); err != nil {
		return nil, err
	}
	return st, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func printStatus(w io.Writer, st *accountStatus) {
	a := st.Account
	fmt.Fprintf(w, "%s %s <%s>\n", a.ID, a.Provider, a.Email)
	fmt.Fprintf(w, "  threads=%d messages=%d active_subscriptions=%d\n", st.Threads, st.Messages, st.ActiveSubscriptions)

	if st.Sync == nil {
		fmt.Fprintln(w, "  sync: never polled")
		return
	}
	fmt.Fprintf(w, "  sync: %s polled=%s last_success=%s conversations=%d failures=%d\n",
		st.Sync.Status, formatTime(st.Sync.LastPolledAt), formatTime(st.Sync.LastSuccessAt),
		st.Sync.Conversations, st.Sync.FailureCount)
	if st.Sync.LastError != "" {
		fmt.Fprintf(w, "  last_error: %s\n", st.Sync.LastError)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status [account-id]",
	Short: "Show polling state, stored threads and subscriptions per connected account",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		var accounts []*models.Account
		if len(args) == 1 {
			account, err := c.account(ctx, args[0])
			if err != nil {
				return err
			}
			accounts = append(accounts, account)
		} else {
			for _, p := range allProviders {
				list, err := c.store.ListAccountsByProvider(ctx, p)
				if err != nil {
					return err
				}
				accounts = append(accounts, list...)
			}
		}

		out := cmd.OutOrStdout()
		for _, account := range accounts {
			st, err := collectStatus(ctx, c.store, account)
			if err != nil {
				return fmt.Errorf("status of %s: %w", account.ID, err)
			}
			printStatus(out, st)
		}
		return nil
	},
}

func printThread(w io.Writer, thread *models.Thread, msgs []*models.Message) {
	fmt.Fprintf(w, "%s %s %q originated=%t last_message=%s\n", thread.ID, thread.ExternalThreadID,
		thread.Subject, thread.OriginatedViaApp, formatTime(thread.LastMessageAt))
	fmt.Fprintf(w, "  participants: %s\n", strings.Join(thread.Participants, ", "))
	for _, m := range msgs {
		at := m.ReceivedAt
		if m.Direction == models.DirectionOutgoing {
			at = m.SentAt
		}
		fmt.Fprintf(w, "  %s %-8s %s %s %q\n", formatTime(at), m.Direction, m.FromEmail, m.ExternalMessageID, m.Snippet)
	}
}

var threadCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Print a stored thread and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		thread, err := c.store.GetThread(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load thread: %w", err)
		}
		msgs, err := c.store.ListThreadMessages(ctx, thread.ID)
		if err != nil {
			return err
		}
		printThread(cmd.OutOrStdout(), thread, msgs)
		return nil
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew <subscription-id>",
	Short: "Renew one stored Graph subscription now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		sub, err := c.store.GetSubscription(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load subscription: %w", err)
		}
		if !sub.IsActive {
			return fmt.Errorf("subscription %s is no longer active", sub.ID)
		}
		if err := c.subs.Renew(ctx, sub); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s expires %s\n", sub.SubscriptionID, formatTime(sub.ExpiresAt))
		return nil
	},
}
