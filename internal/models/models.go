package models

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies a mail provider
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
)

// ParseProvider maps a provider name to its enum value. "microsoft" is accepted as outlook.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google", "gmail":
		return ProviderGoogle, nil
	case "outlook", "microsoft":
		return ProviderOutlook, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", s)
	}
}

// Direction of a message relative to the account owner
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Account is a connected mailbox. Token fields hold ciphertext.
type Account struct {
	ID             string
	UserID         string
	Provider       Provider
	Email          string
	Name           string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	ExternalUserID string
	TokenVersion   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenExpired reports whether the stored access token is no longer usable at now
func (a *Account) TokenExpired(now time.Time) bool {
	return a.ExpiresAt.IsZero() || !a.ExpiresAt.After(now)
}

// Thread is the application view of a provider conversation
type Thread struct {
	ID               string
	AccountID        string
	Provider         Provider
	ExternalThreadID string
	OriginatedViaApp bool
	Subject          string
	Participants     []string
	LastMessageAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Message is one email within a thread
type Message struct {
	ID                string
	AccountID         string
	ThreadID          string
	Provider          Provider
	ExternalMessageID string
	ExternalThreadID  string
	Direction         Direction
	SentViaApp        bool
	Subject           string
	FromEmail         string
	FromName          string
	To                []string
	Cc                []string
	Bcc               []string
	BodyText          string
	BodyHTML          string
	Headers           map[string]string
	Snippet           string
	SentAt            time.Time
	ReceivedAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WebhookSubscription is a provider-side push registration
type WebhookSubscription struct {
	ID              string
	AccountID       string
	Provider        Provider
	SubscriptionID  string
	Resource        string
	ChangeTypes     []string
	NotificationURL string
	ExpiresAt       time.Time
	ClientState     string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Expired reports whether the subscription is past its expiry at now
func (s *WebhookSubscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Poll outcomes recorded in SyncState.Status
const (
	SyncStatusOK     = "ok"
	SyncStatusFailed = "failed"
)

// SyncState is the outcome of the latest polling pass over one account
type SyncState struct {
	AccountID     string
	Provider      Provider
	Status        string
	LastPolledAt  time.Time
	LastSuccessAt time.Time
	Conversations int
	LastError     string
	FailureCount  int
}
