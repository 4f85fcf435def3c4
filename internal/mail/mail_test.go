package mail

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/Martian-dev/mailsync/internal/models"
)

type fakeTokens struct {
	ensureCalls  int
	refreshCalls int
	refreshErr   error
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context, a *models.Account) (string, error) {
	f.ensureCalls++
	return "old-token", nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, a *models.Account) (string, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return "new-token", nil
}

func TestWithTokenRetry(t *testing.T) {
	account := &models.Account{ID: "acc-1", Provider: models.ProviderGoogle}
	unauthorized := &ProviderError{Op: "send", Status: 401}
	refreshErr := errors.New("refresh failed")

	tests := []struct {
		name         string
		responses    map[string]error
		refreshErr   error
		wantErr      error
		wantCalls    int
		wantRefresh  int
		wantAuthFail bool
	}{
		{
			name:        "success without refresh",
			responses:   map[string]error{"old-token": nil},
			wantCalls:   1,
			wantRefresh: 0,
		},
		{
			name:        "401 then success after refresh",
			responses:   map[string]error{"old-token": unauthorized, "new-token": nil},
			wantCalls:   2,
			wantRefresh: 1,
		},
		{
			name:         "401 twice surfaces ErrAuth",
			responses:    map[string]error{"old-token": unauthorized, "new-token": &ProviderError{Op: "send", Status: 403}},
			wantCalls:    2,
			wantRefresh:  1,
			wantAuthFail: true,
		},
		{
			name:        "non-auth error is not retried",
			responses:   map[string]error{"old-token": &ProviderError{Op: "send", Status: 500}},
			wantCalls:   1,
			wantRefresh: 0,
		},
		{
			name:        "refresh failure is returned",
			responses:   map[string]error{"old-token": unauthorized},
			refreshErr:  refreshErr,
			wantErr:     refreshErr,
			wantCalls:   1,
			wantRefresh: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokens{refreshErr: tt.refreshErr}
			calls := 0
			out, err := WithTokenRetry(context.Background(), tokens, account, func(ctx context.Context, token string) (string, error) {
				calls++
				if err := tt.responses[token]; err != nil {
					return "", err
				}
				return "ok:" + token, nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tokens.refreshCalls != tt.wantRefresh {
				t.Errorf("refreshes = %d, want %d", tokens.refreshCalls, tt.wantRefresh)
			}
			if tt.wantAuthFail && !errors.Is(err, ErrAuth) {
				t.Errorf("expected ErrAuth, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if err == nil && !strings.HasPrefix(out, "ok:") {
				t.Errorf("unexpected output %q", out)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"5xx", &ProviderError{Status: 503}, true},
		{"429", &ProviderError{Status: 429}, true},
		{"4xx", &ProviderError{Status: 400}, false},
		{"401", &ProviderError{Status: 401}, false},
		{"network", &ProviderError{Op: "fetch", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHasMarker(t *testing.T) {
	tests := []struct {
		headers map[string]string
		want    bool
	}{
		{map[string]string{"X-App-Sent": "1"}, true},
		{map[string]string{"x-app-sent": "1"}, true},
		{map[string]string{"X-APP-SENT": " 1 "}, true},
		{map[string]string{"X-App-Sent": "0"}, false},
		{map[string]string{"X-App-Sent": "yes"}, false},
		{nil, false},
	}

	for _, tt := range tests {
		m := &RawMessage{Headers: tt.headers}
		if got := m.HasMarker(); got != tt.want {
			t.Errorf("HasMarker(%v) = %v, want %v", tt.headers, got, tt.want)
		}
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("  hello\n  world ", ""); got != "hello world" {
		t.Errorf("Snippet(text) = %q", got)
	}
	if got := Snippet("", "<html><head><style>p{}</style></head><body><p>Hi <b>Bob</b></p></body></html>"); got != "Hi Bob" {
		t.Errorf("Snippet(html) = %q", got)
	}

	long := strings.Repeat("a", 200)
	got := Snippet(long, "")
	if len(got) != 153 || !strings.HasSuffix(got, "...") {
		t.Errorf("Snippet(long) = %d chars", len(got))
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	if _, err := f.For(models.ProviderGoogle); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}
