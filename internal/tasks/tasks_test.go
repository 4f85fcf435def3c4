package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/store"
)

type fakeAccounts map[string]*models.Account

func (f fakeAccounts) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	a, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

type fakeProvider struct {
	fetchErr error
	messages map[string]*mail.RawMessage
	convs    map[string][]*mail.RawMessage
}

func (p *fakeProvider) Name() models.Provider { return models.ProviderOutlook }

func (p *fakeProvider) Send(ctx context.Context, a *models.Account, req mail.SendRequest) mail.SendResult {
	return mail.SendResult{}
}

func (p *fakeProvider) Fetch(ctx context.Context, a *models.Account, id string) (*mail.RawMessage, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.messages[id], nil
}

func (p *fakeProvider) ListRecent(ctx context.Context, a *models.Account, w time.Duration) ([]mail.MessageSummary, error) {
	return nil, nil
}

func (p *fakeProvider) FetchConversation(ctx context.Context, a *models.Account, id string) ([]*mail.RawMessage, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.convs[id], nil
}

type fakeReconciler struct {
	seen []string
	err  error
}

func (r *fakeReconciler) Reconcile(ctx context.Context, a *models.Account, raw *mail.RawMessage) (*models.Message, error) {
	r.seen = append(r.seen, raw.ExternalMessageID)
	if raw.ExternalThreadID == "" {
		return nil, reconcile.ErrUngroupable
	}
	return &models.Message{ExternalMessageID: raw.ExternalMessageID}, r.err
}

type fakeSubscriber struct {
	err   error
	calls int
}

func (s *fakeSubscriber) Create(ctx context.Context, a *models.Account) (*models.WebhookSubscription, error) {
	s.calls++
	return &models.WebhookSubscription{}, s.err
}

func task(t *testing.T, taskType string, payload any) *queue.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &queue.Task{ID: "task-1", Type: taskType, Payload: data}
}

func newHandlers(p *fakeProvider, r *fakeReconciler, s *fakeSubscriber) (*Handlers, *queue.Mux) {
	accounts := fakeAccounts{"acc-1": {ID: "acc-1", Provider: models.ProviderOutlook, Email: "owner@example.com"}}
	h := NewHandlers(accounts, mail.NewFactory(p), r, s)
	mux := queue.NewMux()
	h.Register(mux)
	return h, mux
}

func TestWebhookMessage(t *testing.T) {
	p := &fakeProvider{messages: map[string]*mail.RawMessage{
		"M1": {ExternalMessageID: "M1", ExternalThreadID: "C1"},
		"M2": {ExternalMessageID: "M2"},
	}}
	r := &fakeReconciler{}
	_, mux := newHandlers(p, r, &fakeSubscriber{})
	ctx := context.Background()

	if err := mux.Dispatch(ctx, task(t, TypeWebhookMessage, MessagePayload{AccountID: "acc-1", MessageID: "M1"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := mux.Dispatch(ctx, task(t, TypeWebhookMessage, MessagePayload{AccountID: "acc-1", MessageID: "M2"})); err != nil {
		t.Fatalf("ungroupable message must be acked, got %v", err)
	}
	if len(r.seen) != 2 {
		t.Errorf("reconciled = %v", r.seen)
	}
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		name          string
		fetchErr      error
		accountID     string
		wantErr       bool
		wantPermanent bool
	}{
		{"not found at provider", &mail.ProviderError{Op: "fetch", Status: http.StatusNotFound}, "acc-1", true, true},
		{"provider unavailable", &mail.ProviderError{Op: "fetch", Status: http.StatusServiceUnavailable}, "acc-1", true, false},
		{"auth after refresh", errors.Join(mail.ErrAuth, errors.New("401")), "acc-1", true, true},
		{"refresh rejected", &auth.RefreshError{Status: 400, Body: "invalid_grant"}, "acc-1", true, true},
		{"deadline", context.DeadlineExceeded, "acc-1", true, false},
		{"account deleted", nil, "gone", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mux := newHandlers(&fakeProvider{fetchErr: tt.fetchErr}, &fakeReconciler{}, &fakeSubscriber{})
			err := mux.Dispatch(context.Background(), task(t, TypeWebhookMessage, MessagePayload{AccountID: tt.accountID, MessageID: "M1"}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if queue.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("permanent = %v, want %v (err %v)", queue.IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}

func TestConversationSync(t *testing.T) {
	p := &fakeProvider{convs: map[string][]*mail.RawMessage{
		"C1": {
			{ExternalMessageID: "M1", ExternalThreadID: "C1"},
			{ExternalMessageID: "M2", ExternalThreadID: "C1"},
			{ExternalMessageID: "M3", ExternalThreadID: "C1"},
		},
	}}
	r := &fakeReconciler{}
	_, mux := newHandlers(p, r, &fakeSubscriber{})

	err := mux.Dispatch(context.Background(), task(t, TypeConversationSync, ConversationPayload{AccountID: "acc-1", ConversationID: "C1"}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(r.seen) != 3 {
		t.Errorf("reconciled = %v, want 3 messages", r.seen)
	}
}

func TestConversationSyncReportsReconcileFailure(t *testing.T) {
	p := &fakeProvider{convs: map[string][]*mail.RawMessage{
		"C1": {{ExternalMessageID: "M1", ExternalThreadID: "C1"}, {ExternalMessageID: "M2", ExternalThreadID: "C1"}},
	}}
	r := &fakeReconciler{err: errors.New("database is locked")}
	_, mux := newHandlers(p, r, &fakeSubscriber{})

	err := mux.Dispatch(context.Background(), task(t, TypeConversationSync, ConversationPayload{AccountID: "acc-1", ConversationID: "C1"}))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable error", err)
	}
	if len(r.seen) != 2 {
		t.Errorf("one failure must not stop the rest, reconciled = %v", r.seen)
	}
}

func TestSubscriptionCreate(t *testing.T) {
	s := &fakeSubscriber{}
	_, mux := newHandlers(&fakeProvider{}, &fakeReconciler{}, s)

	if err := mux.Dispatch(context.Background(), task(t, TypeSubscriptionCreate, SubscriptionPayload{AccountID: "acc-1"})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if s.calls != 1 {
		t.Errorf("calls = %d", s.calls)
	}
}
