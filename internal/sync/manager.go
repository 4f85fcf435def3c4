package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
)

// ErrPollInProgress is returned when a pass for the same account and provider is still running
var ErrPollInProgress = errors.New("poll already in progress")

// Store lists accounts to poll and records each pass
type Store interface {
	ListAccountsByProvider(ctx context.Context, provider models.Provider) ([]*models.Account, error)
	RecordPoll(ctx context.Context, accountID string, provider models.Provider, at time.Time, conversations int, pollErr error) error
}

// Orchestrator polls providers for recent conversations and enqueues per-conversation sync tasks
type Orchestrator struct {
	store       Store
	providers   *mail.Factory
	queue       queue.Enqueuer
	window      time.Duration
	concurrency int

	inFlight   map[string]struct{}
	inFlightMu sync.Mutex

	loops   map[models.Provider]*loop
	loopsMu sync.RWMutex
}

type loop struct {
	cancel context.CancelFunc
}

// NewOrchestrator creates a poll orchestrator
func NewOrchestrator(s Store, providers *mail.Factory, q queue.Enqueuer, window time.Duration, concurrency int) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		store:       s,
		providers:   providers,
		queue:       q,
		window:      window,
		concurrency: concurrency,
		inFlight:    make(map[string]struct{}),
		loops:       make(map[models.Provider]*loop),
	}
}

// Start runs the polling loop for provider in the background
func (o *Orchestrator) Start(ctx context.Context, provider models.Provider, interval time.Duration) error {
	o.loopsMu.Lock()
	defer o.loopsMu.Unlock()

	if _, exists := o.loops[provider]; exists {
		return fmt.Errorf("poller already running for %s", provider)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel}
	o.loops[provider] = l

	go func() {
		logging.Log.WithField("provider", provider).Info("poller start")
		o.Run(loopCtx, provider, interval)

		o.loopsMu.Lock()
		if o.loops[provider] == l {
			delete(o.loops, provider)
		}
		o.loopsMu.Unlock()
		logging.Log.WithField("provider", provider).Info("poller stop")
	}()

	return nil
}

// Stop stops the polling loop for provider
func (o *Orchestrator) Stop(provider models.Provider) error {
	o.loopsMu.Lock()
	defer o.loopsMu.Unlock()

	l, exists := o.loops[provider]
	if !exists {
		return fmt.Errorf("no poller running for %s", provider)
	}

	l.cancel()
	delete(o.loops, provider)
	return nil
}

// Running reports whether a polling loop is active for provider
func (o *Orchestrator) Running(provider models.Provider) bool {
	o.loopsMu.RLock()
	defer o.loopsMu.RUnlock()

	_, exists := o.loops[provider]
	return exists
}

// StopAll stops every polling loop
func (o *Orchestrator) StopAll() {
	o.loopsMu.Lock()
	defer o.loopsMu.Unlock()

	for provider, l := range o.loops {
		logging.Log.WithField("provider", provider).Info("stopping poller")
		l.cancel()
	}

	o.loops = make(map[models.Provider]*loop)
}

// Run polls provider immediately and then every interval until ctx is done
func (o *Orchestrator) Run(ctx context.Context, provider models.Provider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := o.Poll(ctx, provider); err != nil && ctx.Err() == nil {
			logging.Log.WithField("provider", provider).WithError(err).Warn("poll pass failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one pass over every account of provider with bounded concurrency.
// Failures of one account are logged and do not stop the others.
func (o *Orchestrator) Poll(ctx context.Context, provider models.Provider) error {
	accounts, err := o.store.ListAccountsByProvider(ctx, provider)
	if err != nil {
		return fmt.Errorf("list %s accounts: %w", provider, err)
	}

	pass := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for _, account := range accounts {
		g.Go(func() error {
			n, err := o.pollAccount(gctx, account, pass)
			log := logging.Log.WithFields(logrus.Fields{
				"account_id": account.ID,
				"provider":   provider,
				"pass":       pass,
			})
			switch {
			case errors.Is(err, ErrPollInProgress):
				log.Debug("skipping account, previous pass still running")
				return nil
			case err != nil:
				log.WithError(err).Warn("account poll failed")
			case n > 0:
				log.WithField("conversations", n).Debug("enqueued conversation syncs")
			}

			if rerr := o.store.RecordPoll(gctx, account.ID, provider, time.Now().UTC(), n, err); rerr != nil {
				log.WithError(rerr).Warn("failed to record poll outcome")
			}
			return nil
		})
	}

	return g.Wait()
}

// PollAccount lists the account's recent messages and enqueues one sync task per distinct
// conversation as a pass of its own. It returns the number of conversations enqueued.
func (o *Orchestrator) PollAccount(ctx context.Context, account *models.Account) (int, error) {
	return o.pollAccount(ctx, account, uuid.NewString())
}

func (o *Orchestrator) pollAccount(ctx context.Context, account *models.Account, pass string) (int, error) {
	key := account.ID + ":" + string(account.Provider)
	if !o.acquire(key) {
		return 0, ErrPollInProgress
	}
	defer o.release(key)

	provider, err := o.providers.For(account.Provider)
	if err != nil {
		return 0, err
	}

	summaries, err := provider.ListRecent(ctx, account, o.window)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(summaries))
	var errs []error
	for _, s := range summaries {
		if s.ExternalThreadID == "" {
			continue
		}
		if _, dup := seen[s.ExternalThreadID]; dup {
			continue
		}
		seen[s.ExternalThreadID] = struct{}{}

		if err := EnqueueConversation(ctx, o.queue, account.ID, s.ExternalThreadID, pass); err != nil {
			errs = append(errs, err)
		}
	}

	return len(seen) - len(errs), errors.Join(errs...)
}

func (o *Orchestrator) acquire(key string) bool {
	o.inFlightMu.Lock()
	defer o.inFlightMu.Unlock()

	if _, busy := o.inFlight[key]; busy {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.inFlightMu.Lock()
	defer o.inFlightMu.Unlock()
	delete(o.inFlight, key)
}
