package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

func TestConnectionClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/auth/accounts/outlook/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":     "at",
				"refresh_token":    "rt",
				"expires_at":       1700000000,
				"email":            "owner@example.com",
				"external_user_id": "USER-1",
			})
		case "/api/auth/accounts/google/token":
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewConnectionClient(srv.URL+"/", nil)
	ctx := context.Background()

	cb, err := c.Fetch(ctx, "user-jwt", models.ProviderOutlook)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cb.AccessToken != "at" || cb.RefreshToken != "rt" || cb.ExternalUserID != "USER-1" || cb.ExpiresAt.Unix() != 1700000000 {
		t.Errorf("callback = %+v", cb)
	}

	if _, err := c.Fetch(ctx, "user-jwt", models.ProviderGoogle); err == nil {
		t.Error("grant without email should fail validation")
	}
	if _, err := c.Fetch(ctx, "other-jwt", models.ProviderOutlook); err == nil {
		t.Error("rejected JWT should fail")
	}
}

func TestConnectionClientRelativeExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"email":        "owner@example.com",
			"expires_in":   3600,
			"expires_at":   1700000000,
		})
	}))
	defer srv.Close()

	before := time.Now()
	cb, err := NewConnectionClient(srv.URL, nil).Fetch(context.Background(), "user-jwt", models.ProviderGoogle)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	after := time.Now()

	lo, hi := before.Add(time.Hour).Truncate(time.Second), after.Add(time.Hour)
	if cb.ExpiresAt.Before(lo) || cb.ExpiresAt.After(hi) {
		t.Errorf("expires at = %v, want between %v and %v", cb.ExpiresAt, lo, hi)
	}
}
