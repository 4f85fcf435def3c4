package sync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/tasks"
)

type pollRecord struct {
	conversations int
	failed        bool
}

type fakeStore struct {
	accounts map[models.Provider][]*models.Account
	mu       sync.Mutex
	polls    map[string]pollRecord
}

func newStore(accounts map[models.Provider][]*models.Account) *fakeStore {
	return &fakeStore{accounts: accounts, polls: make(map[string]pollRecord)}
}

func (f *fakeStore) ListAccountsByProvider(ctx context.Context, p models.Provider) ([]*models.Account, error) {
	return f.accounts[p], nil
}

func (f *fakeStore) RecordPoll(ctx context.Context, accountID string, p models.Provider, at time.Time, n int, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[accountID] = pollRecord{conversations: n, failed: err != nil}
	return nil
}

type fakeProvider struct {
	name    models.Provider
	recent  map[string][]mail.MessageSummary
	errs    map[string]error
	block   chan struct{}
	entered chan struct{}
	mu      sync.Mutex
	windows []time.Duration
}

func (p *fakeProvider) Name() models.Provider { return p.name }

func (p *fakeProvider) Send(ctx context.Context, a *models.Account, req mail.SendRequest) mail.SendResult {
	return mail.SendResult{}
}

func (p *fakeProvider) Fetch(ctx context.Context, a *models.Account, id string) (*mail.RawMessage, error) {
	return nil, nil
}

func (p *fakeProvider) ListRecent(ctx context.Context, a *models.Account, w time.Duration) ([]mail.MessageSummary, error) {
	p.mu.Lock()
	p.windows = append(p.windows, w)
	p.mu.Unlock()

	if p.block != nil {
		p.entered <- struct{}{}
		<-p.block
	}
	if err := p.errs[a.ID]; err != nil {
		return nil, err
	}
	return p.recent[a.ID], nil
}

func (p *fakeProvider) FetchConversation(ctx context.Context, a *models.Account, id string) ([]*mail.RawMessage, error) {
	return nil, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	keys []string
	sent []tasks.ConversationPayload
}

func (q *recordingQueue) Enqueue(ctx context.Context, taskType string, payload any, opts ...queue.EnqueueOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if taskType != tasks.TypeConversationSync {
		return errors.New("unexpected task type " + taskType)
	}
	q.sent = append(q.sent, payload.(tasks.ConversationPayload))
	q.keys = append(q.keys, queue.ApplyOptions(opts...).DedupKey)
	return nil
}

func summaries(convs ...string) []mail.MessageSummary {
	out := make([]mail.MessageSummary, 0, len(convs))
	for i, c := range convs {
		out = append(out, mail.MessageSummary{ExternalMessageID: c + "-" + string(rune('a'+i)), ExternalThreadID: c})
	}
	return out
}

func TestPollAccountEnqueuesDistinctConversations(t *testing.T) {
	account := &models.Account{ID: "acc-1", Provider: models.ProviderGoogle}
	p := &fakeProvider{
		name:   models.ProviderGoogle,
		recent: map[string][]mail.MessageSummary{"acc-1": summaries("T1", "T2", "T1", "", "T3", "T2")},
	}
	q := &recordingQueue{}
	o := NewOrchestrator(newStore(nil), mail.NewFactory(p), q, 7*24*time.Hour, 2)

	n, err := o.PollAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("PollAccount: %v", err)
	}
	if n != 3 {
		t.Errorf("enqueued = %d, want 3", n)
	}

	_, pass, _ := strings.Cut(q.keys[0], "@")
	if pass == "" {
		t.Fatalf("dedup key %q carries no pass", q.keys[0])
	}
	for i, conv := range []string{"T1", "T2", "T3"} {
		if want := ConversationDedupKey("acc-1", conv, pass); q.keys[i] != want {
			t.Errorf("dedup key %d = %q, want %q", i, q.keys[i], want)
		}
	}
	if p.windows[0] != 7*24*time.Hour {
		t.Errorf("window = %s", p.windows[0])
	}
}

func TestConsecutivePassesEnqueueAgain(t *testing.T) {
	accounts := newStore(map[models.Provider][]*models.Account{models.ProviderGoogle: {
		{ID: "acc-1", Provider: models.ProviderGoogle},
	}})
	p := &fakeProvider{
		name:   models.ProviderGoogle,
		recent: map[string][]mail.MessageSummary{"acc-1": summaries("T1", "T1")},
	}
	q := &recordingQueue{}
	o := NewOrchestrator(accounts, mail.NewFactory(p), q, time.Hour, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := o.Poll(ctx, models.ProviderGoogle); err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
	}

	if len(q.sent) != 2 {
		t.Fatalf("enqueued = %d, want one per pass", len(q.sent))
	}
	if q.keys[0] == q.keys[1] {
		t.Errorf("both passes used dedup key %q, the second would be dropped as a duplicate", q.keys[0])
	}
	for _, key := range q.keys {
		if !strings.HasPrefix(key, "acc-1:T1@") {
			t.Errorf("dedup key = %q", key)
		}
	}
}

func TestPollAccountSkipsWhileRunning(t *testing.T) {
	account := &models.Account{ID: "acc-1", Provider: models.ProviderOutlook}
	p := &fakeProvider{
		name:    models.ProviderOutlook,
		recent:  map[string][]mail.MessageSummary{"acc-1": summaries("C1")},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	q := &recordingQueue{}
	o := NewOrchestrator(newStore(nil), mail.NewFactory(p), q, time.Hour, 1)

	done := make(chan error, 1)
	go func() {
		_, err := o.PollAccount(context.Background(), account)
		done <- err
	}()
	<-p.entered

	if _, err := o.PollAccount(context.Background(), account); !errors.Is(err, ErrPollInProgress) {
		t.Errorf("overlapping pass err = %v, want ErrPollInProgress", err)
	}

	close(p.block)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}

	p.block = nil
	if _, err := o.PollAccount(context.Background(), account); err != nil {
		t.Errorf("pass after release: %v", err)
	}
}

func TestPollContinuesPastFailingAccount(t *testing.T) {
	accounts := newStore(map[models.Provider][]*models.Account{models.ProviderGoogle: {
		{ID: "acc-1", Provider: models.ProviderGoogle},
		{ID: "acc-2", Provider: models.ProviderGoogle},
		{ID: "acc-3", Provider: models.ProviderGoogle},
	}})
	p := &fakeProvider{
		name: models.ProviderGoogle,
		recent: map[string][]mail.MessageSummary{
			"acc-1": summaries("T1"),
			"acc-3": summaries("T3", "T4"),
		},
		errs: map[string]error{"acc-2": &mail.ProviderError{Op: "list", Status: 500}},
	}
	q := &recordingQueue{}
	o := NewOrchestrator(accounts, mail.NewFactory(p), q, time.Hour, 2)

	if err := o.Poll(context.Background(), models.ProviderGoogle); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	var got []string
	for _, s := range q.sent {
		got = append(got, s.AccountID+"/"+s.ConversationID)
	}
	sort.Strings(got)
	want := []string{"acc-1/T1", "acc-3/T3", "acc-3/T4"}
	if len(got) != len(want) {
		t.Fatalf("enqueued = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("enqueued[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if r := accounts.polls["acc-2"]; !r.failed {
		t.Errorf("acc-2 poll not recorded as failed: %+v", r)
	}
	if r := accounts.polls["acc-3"]; r.failed || r.conversations != 2 {
		t.Errorf("acc-3 poll = %+v", r)
	}
}

func TestPollAccountUnknownProvider(t *testing.T) {
	o := NewOrchestrator(newStore(nil), mail.NewFactory(), &recordingQueue{}, time.Hour, 1)
	if _, err := o.PollAccount(context.Background(), &models.Account{ID: "acc-1", Provider: models.ProviderGoogle}); err == nil {
		t.Error("expected error for missing adapter")
	}
}

func TestStartStop(t *testing.T) {
	p := &fakeProvider{name: models.ProviderGoogle}
	o := NewOrchestrator(newStore(nil), mail.NewFactory(p), &recordingQueue{}, time.Hour, 1)
	ctx := context.Background()

	if err := o.Start(ctx, models.ProviderGoogle, time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !o.Running(models.ProviderGoogle) {
		t.Error("expected poller to be running")
	}
	if err := o.Start(ctx, models.ProviderGoogle, time.Hour); err == nil {
		t.Error("second Start should fail")
	}

	if err := o.Stop(models.ProviderGoogle); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.Running(models.ProviderGoogle) {
		t.Error("poller still marked running after Stop")
	}
	if err := o.Stop(models.ProviderGoogle); err == nil {
		t.Error("Stop of stopped poller should fail")
	}

	_ = o.Start(ctx, models.ProviderGoogle, time.Hour)
	_ = o.Start(ctx, models.ProviderOutlook, time.Hour)
	o.StopAll()
	if o.Running(models.ProviderGoogle) || o.Running(models.ProviderOutlook) {
		t.Error("StopAll left pollers running")
	}
}

func TestRunnerRollsBackOnStartFailure(t *testing.T) {
	p := &fakeProvider{name: models.ProviderGoogle}
	o := NewOrchestrator(newStore(nil), mail.NewFactory(p), &recordingQueue{}, time.Hour, 1)
	ctx := context.Background()

	if err := o.Start(ctx, models.ProviderOutlook, time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.StopAll()

	r := &Runner{Orchestrator: o, Providers: []models.Provider{models.ProviderGoogle, models.ProviderOutlook}, Interval: time.Hour}
	if err := r.Run(ctx); err == nil {
		t.Fatal("Run should fail while outlook is already polled")
	}
	if o.Running(models.ProviderGoogle) {
		t.Error("google loop left running after failed Run")
	}
	if !o.Running(models.ProviderOutlook) {
		t.Error("Run stopped a loop it did not start")
	}
	if err := r.Healthy(); err == nil {
		t.Error("Healthy with google stopped")
	}
}
