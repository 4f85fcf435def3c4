package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Marker header stamped on every message the application sends
const (
	MarkerHeader = "X-App-Sent"
	MarkerValue  = "1"
)

// Address is a mailbox with an optional display name
type Address struct {
	Email string
	Name  string
}

// SendRequest is an outgoing message
type SendRequest struct {
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	HTMLBody string
}

// SendResult reports a send attempt. Provider failures are carried here instead of being returned as errors.
type SendResult struct {
	Success           bool              `json:"success"`
	Provider          models.Provider   `json:"provider"`
	ExternalMessageID string            `json:"external_message_id,omitempty"`
	ExternalThreadID  string            `json:"external_thread_id,omitempty"`
	HTTPStatus        int               `json:"http_status"`
	Headers           map[string]string `json:"headers,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// RawMessage is a provider message normalized across providers
type RawMessage struct {
	Provider          models.Provider
	ExternalMessageID string
	ExternalThreadID  string
	Subject           string
	From              Address
	To                []string
	Cc                []string
	Bcc               []string
	BodyText          string
	BodyHTML          string
	Headers           map[string]string
	Snippet           string
	SentAt            time.Time
	ReceivedAt        time.Time
}

// Timestamp is the best known instant of the message
func (m *RawMessage) Timestamp() time.Time {
	if !m.ReceivedAt.IsZero() {
		return m.ReceivedAt
	}
	return m.SentAt
}

// HasMarker reports whether the message carries the application's marker header
func (m *RawMessage) HasMarker() bool {
	for name, value := range m.Headers {
		if strings.EqualFold(name, MarkerHeader) && strings.TrimSpace(value) == MarkerValue {
			return true
		}
	}
	return false
}

// MessageSummary is one entry of a recent-messages listing
type MessageSummary struct {
	ExternalMessageID string
	ExternalThreadID  string
	ReceivedAt        time.Time
}

// Provider is implemented by each mail provider adapter
type Provider interface {
	Name() models.Provider

	// Send delivers a message as the account owner
	Send(ctx context.Context, account *models.Account, req SendRequest) SendResult

	// Fetch retrieves a full message including headers and bodies
	Fetch(ctx context.Context, account *models.Account, externalMessageID string) (*RawMessage, error)

	// ListRecent lists messages or threads seen within the trailing window
	ListRecent(ctx context.Context, account *models.Account, window time.Duration) ([]MessageSummary, error)

	// FetchConversation retrieves every message of one provider conversation
	FetchConversation(ctx context.Context, account *models.Account, conversationID string) ([]*RawMessage, error)
}

// Factory selects the adapter for a provider
type Factory struct {
	providers map[models.Provider]Provider
}

// NewFactory registers adapters by their Name
func NewFactory(providers ...Provider) *Factory {
	f := &Factory{providers: make(map[models.Provider]Provider, len(providers))}
	for _, p := range providers {
		f.providers[p.Name()] = p
	}
	return f
}

// For returns the adapter for p
func (f *Factory) For(p models.Provider) (Provider, error) {
	provider, ok := f.providers[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", p)
	}
	return provider, nil
}
