package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
)

type fakeTokens struct {
	token     string
	refreshed atomic.Int32
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context, a *models.Account) (string, error) {
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, a *models.Account) (string, error) {
	f.refreshed.Add(1)
	f.token = "fresh-token"
	return f.token, nil
}

var testAccount = &models.Account{
	ID:       "acc-1",
	Provider: models.ProviderGoogle,
	Email:    "owner@example.com",
	Name:     "Owner",
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": map[string]any{"code": 401, "message": "Invalid Credentials"},
	})
}

func TestSend(t *testing.T) {
	var rawMessage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/gmail/v1/users/me/messages/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			unauthorized(w)
			return
		}
		var body struct {
			Raw string `json:"raw"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rawMessage = body.Raw
		writeJSON(w, http.StatusOK, map[string]any{"id": "M1", "threadId": "T1", "labelIds": []string{"SENT"}})
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale-token"}
	a := New(tokens, srv.Client(), srv.URL+"/")

	res := a.Send(context.Background(), testAccount, mail.SendRequest{
		To:       []string{"bob@example.com"},
		Subject:  "Hi",
		HTMLBody: "<p>Hello Bob</p>",
	})

	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if res.ExternalMessageID != "M1" || res.ExternalThreadID != "T1" {
		t.Errorf("ids = %s/%s", res.ExternalMessageID, res.ExternalThreadID)
	}
	if res.Provider != models.ProviderGoogle || res.HTTPStatus != http.StatusOK {
		t.Errorf("result = %+v", res)
	}
	if tokens.refreshed.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshed.Load())
	}

	decoded, err := base64.URLEncoding.DecodeString(rawMessage)
	if err != nil {
		t.Fatalf("raw message is not base64url: %v", err)
	}
	msg := string(decoded)
	for _, want := range []string{"X-App-Sent: 1", "Subject: Hi", "bob@example.com", "owner@example.com", "text/html"} {
		if !strings.Contains(msg, want) {
			t.Errorf("raw message missing %q:\n%s", want, msg)
		}
	}
}

func TestSendFailureIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{"code": 400, "message": "Invalid To header"},
		})
	}))
	defer srv.Close()

	a := New(&fakeTokens{token: "t"}, srv.Client(), srv.URL+"/")
	res := a.Send(context.Background(), testAccount, mail.SendRequest{To: []string{"bad"}, Subject: "x"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.HTTPStatus != http.StatusBadRequest {
		t.Errorf("status = %d", res.HTTPStatus)
	}
	if res.Error == "" {
		t.Error("expected error text")
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	a := New(&fakeTokens{token: "t"}, nil, "http://unused/")
	res := a.Send(context.Background(), testAccount, mail.SendRequest{Subject: "x"})
	if res.Success || res.Error == "" {
		t.Fatalf("expected validation failure, got %+v", res)
	}
}

func fullMessage(id, threadID, from string, internal time.Time) map[string]any {
	return map[string]any{
		"id":           id,
		"threadId":     threadID,
		"snippet":      "Thanks &amp; regards",
		"internalDate": fmt.Sprintf("%d", internal.UnixMilli()),
		"payload": map[string]any{
			"mimeType": "multipart/alternative",
			"headers": []map[string]string{
				{"name": "From", "value": from},
				{"name": "To", "value": "Owner <owner@example.com>, carol@example.com"},
				{"name": "Subject", "value": "Re: Hi"},
				{"name": "x-app-sent", "value": "1"},
			},
			"parts": []map[string]any{
				{"mimeType": "text/plain", "body": map[string]any{"data": b64("Thanks Bob")}},
				{"mimeType": "text/html", "body": map[string]any{"data": b64("<p>Thanks Bob</p>")}},
			},
		},
	}
}

func TestFetch(t *testing.T) {
	internal := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/me/messages/M2" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("format") != "full" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		writeJSON(w, http.StatusOK, fullMessage("M2", "T1", "Bob <bob@example.com>", internal))
	}))
	defer srv.Close()

	a := New(&fakeTokens{token: "t"}, srv.Client(), srv.URL+"/")
	msg, err := a.Fetch(context.Background(), testAccount, "M2")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if msg.ExternalMessageID != "M2" || msg.ExternalThreadID != "T1" {
		t.Errorf("ids = %s/%s", msg.ExternalMessageID, msg.ExternalThreadID)
	}
	if msg.From.Email != "bob@example.com" || msg.From.Name != "Bob" {
		t.Errorf("from = %+v", msg.From)
	}
	if len(msg.To) != 2 || msg.To[0] != "owner@example.com" || msg.To[1] != "carol@example.com" {
		t.Errorf("to = %v", msg.To)
	}
	if msg.BodyText != "Thanks Bob" || msg.BodyHTML != "<p>Thanks Bob</p>" {
		t.Errorf("bodies = %q / %q", msg.BodyText, msg.BodyHTML)
	}
	if msg.Snippet != "Thanks & regards" {
		t.Errorf("snippet = %q", msg.Snippet)
	}
	if !msg.ReceivedAt.Equal(internal) {
		t.Errorf("received = %v", msg.ReceivedAt)
	}
	if !msg.HasMarker() {
		t.Error("expected marker header to be detected")
	}
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
	}))
	defer srv.Close()

	a := New(&fakeTokens{token: "t"}, srv.Client(), srv.URL+"/")
	_, err := a.Fetch(context.Background(), testAccount, "nope")
	if mail.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("status = %d, err = %v", mail.StatusOf(err), err)
	}
	if mail.IsTransient(err) {
		t.Error("404 must not be transient")
	}
}

func TestListRecentAndConversation(t *testing.T) {
	internal := time.Now().UTC().Truncate(time.Millisecond)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/threads":
			if q := r.URL.Query().Get("q"); q != "newer_than:7d" {
				t.Errorf("q = %q", q)
			}
			if m := r.URL.Query().Get("maxResults"); m != "50" {
				t.Errorf("maxResults = %q", m)
			}
			writeJSON(w, http.StatusOK, map[string]any{"threads": []map[string]string{{"id": "T1"}, {"id": "T2"}}})
		case "/gmail/v1/users/me/threads/T1":
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "T1",
				"messages": []any{
					fullMessage("M1", "T1", "owner@example.com", internal),
					fullMessage("M2", "T1", "bob@example.com", internal.Add(time.Minute)),
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(&fakeTokens{token: "t"}, srv.Client(), srv.URL+"/")

	summaries, err := a.ListRecent(context.Background(), testAccount, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ExternalThreadID != "T1" {
		t.Errorf("summaries = %+v", summaries)
	}

	msgs, err := a.FetchConversation(context.Background(), testAccount, "T1")
	if err != nil {
		t.Fatalf("FetchConversation: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ExternalMessageID != "M2" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestParseAddrs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a@example.com", []string{"a@example.com"}},
		{"A <a@example.com>, b@example.com", []string{"a@example.com", "b@example.com"}},
		{"not an address, also bad", []string{"not an address", "also bad"}},
	}

	for _, tt := range tests {
		got := parseAddrs(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("parseAddrs(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
