package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/tasks"
)

// EnqueueConversation submits a conversation.sync task. Requests for the same conversation
// and the same pass collapse into one task; a new pass always enqueues again.
func EnqueueConversation(ctx context.Context, q queue.Enqueuer, accountID, conversationID, pass string) error {
	return q.Enqueue(ctx, tasks.TypeConversationSync,
		tasks.ConversationPayload{AccountID: accountID, ConversationID: conversationID},
		queue.WithDedupKey(ConversationDedupKey(accountID, conversationID, pass)),
	)
}

// ConversationDedupKey scopes a conversation sync to one pass
func ConversationDedupKey(accountID, conversationID, pass string) string {
	return accountID + ":" + conversationID + "@" + pass
}

// Runner starts one polling loop per provider and blocks until ctx is done
type Runner struct {
	Orchestrator *Orchestrator
	Providers    []models.Provider
	Interval     time.Duration
}

// Run starts the loops, waits for ctx and stops them. If a loop cannot start, the ones
// this call already started are stopped again.
func (r *Runner) Run(ctx context.Context) error {
	for i, p := range r.Providers {
		if err := r.Orchestrator.Start(ctx, p, r.Interval); err != nil {
			for _, started := range r.Providers[:i] {
				_ = r.Orchestrator.Stop(started)
			}
			return err
		}
	}

	logging.Log.WithField("interval", r.Interval.String()).Info("polling started")
	<-ctx.Done()
	r.Orchestrator.StopAll()
	return nil
}

// Healthy reports an error naming the first provider whose loop is not running
func (r *Runner) Healthy() error {
	for _, p := range r.Providers {
		if !r.Orchestrator.Running(p) {
			return fmt.Errorf("%s poller not running", p)
		}
	}
	return nil
}
