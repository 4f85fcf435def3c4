package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
)

const (
	me              = "me"
	listMaxResults  = 50
	minWindowInDays = 1
)

// Adapter implements mail.Provider for Gmail
type Adapter struct {
	tokens     mail.TokenSource
	httpClient *http.Client
	endpoint   string
}

// New creates a Gmail adapter. endpoint overrides the API base URL when non-empty.
func New(tokens mail.TokenSource, httpClient *http.Client, endpoint string) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{tokens: tokens, httpClient: httpClient, endpoint: endpoint}
}

func (a *Adapter) Name() models.Provider {
	return models.ProviderGoogle
}

// service builds a Gmail client authorized with a single access token
func (a *Adapter) service(ctx context.Context, token string) (*gmail.Service, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// call runs fn with a Gmail service under the refresh-and-retry wrapper
func call[T any](ctx context.Context, a *Adapter, account *models.Account, op string, fn func(svc *gmail.Service) (T, error)) (T, error) {
	return mail.WithTokenRetry(ctx, a.tokens, account, func(ctx context.Context, token string) (T, error) {
		var zero T
		svc, err := a.service(ctx, token)
		if err != nil {
			return zero, err
		}
		out, err := fn(svc)
		if err != nil {
			return zero, providerError(op, err)
		}
		return out, nil
	})
}

// Send submits a base64url RFC 822 message in one call; the response carries both ids
func (a *Adapter) Send(ctx context.Context, account *models.Account, req mail.SendRequest) mail.SendResult {
	result := mail.SendResult{
		Provider: models.ProviderGoogle,
		Headers:  map[string]string{mail.MarkerHeader: mail.MarkerValue},
	}

	raw, err := buildMessage(account, req)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	sent, err := call(ctx, a, account, "gmail send", func(svc *gmail.Service) (*gmail.Message, error) {
		return svc.Users.Messages.Send(me, &gmail.Message{Raw: raw}).Context(ctx).Do()
	})
	if err != nil {
		result.HTTPStatus = mail.StatusOf(err)
		result.Error = err.Error()
		logging.Log.WithFields(logrus.Fields{
			"account_id": account.ID,
			"provider":   models.ProviderGoogle,
			"status":     result.HTTPStatus,
		}).WithError(err).Warn("gmail send failed")
		return result
	}

	result.Success = true
	result.HTTPStatus = sent.HTTPStatusCode
	if result.HTTPStatus == 0 {
		result.HTTPStatus = http.StatusOK
	}
	result.ExternalMessageID = sent.Id
	result.ExternalThreadID = sent.ThreadId
	return result
}

// Fetch retrieves the full message
func (a *Adapter) Fetch(ctx context.Context, account *models.Account, externalMessageID string) (*mail.RawMessage, error) {
	msg, err := call(ctx, a, account, "gmail get message", func(svc *gmail.Service) (*gmail.Message, error) {
		return svc.Users.Messages.Get(me, externalMessageID).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return normalize(msg), nil
}

// ListRecent lists threads active within window
func (a *Adapter) ListRecent(ctx context.Context, account *models.Account, window time.Duration) ([]mail.MessageSummary, error) {
	days := int(math.Ceil(window.Hours() / 24))
	if days < minWindowInDays {
		days = minWindowInDays
	}

	resp, err := call(ctx, a, account, "gmail list threads", func(svc *gmail.Service) (*gmail.ListThreadsResponse, error) {
		return svc.Users.Threads.List(me).
			Q(fmt.Sprintf("newer_than:%dd", days)).
			MaxResults(listMaxResults).
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]mail.MessageSummary, 0, len(resp.Threads))
	for _, th := range resp.Threads {
		if th == nil || th.Id == "" {
			continue
		}
		summaries = append(summaries, mail.MessageSummary{ExternalThreadID: th.Id})
	}
	return summaries, nil
}

// FetchConversation retrieves every message of a Gmail thread
func (a *Adapter) FetchConversation(ctx context.Context, account *models.Account, conversationID string) ([]*mail.RawMessage, error) {
	th, err := call(ctx, a, account, "gmail get thread", func(svc *gmail.Service) (*gmail.Thread, error) {
		return svc.Users.Threads.Get(me, conversationID).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]*mail.RawMessage, 0, len(th.Messages))
	for _, m := range th.Messages {
		if m == nil {
			continue
		}
		msgs = append(msgs, normalize(m))
	}
	return msgs, nil
}

func providerError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &mail.ProviderError{Op: op, Status: gerr.Code, Body: gerr.Body, Err: err}
	}
	return &mail.ProviderError{Op: op, Err: err}
}

// buildMessage renders req as an HTML RFC 822 message, base64url encoded
func buildMessage(account *models.Account, req mail.SendRequest) (string, error) {
	if len(req.To) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	var h gomail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*gomail.Address{{Name: account.Name, Address: account.Email}})
	h.SetAddressList("To", toAddresses(req.To))
	if len(req.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(req.Cc))
	}
	if len(req.Bcc) > 0 {
		h.SetAddressList("Bcc", toAddresses(req.Bcc))
	}
	h.SetSubject(req.Subject)
	h.Set(mail.MarkerHeader, mail.MarkerValue)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, req.HTMLBody); err != nil {
		return "", fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close message: %w", err)
	}

	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func toAddresses(addrs []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &gomail.Address{Address: strings.TrimSpace(a)})
	}
	return out
}

// normalize converts a Gmail message to a RawMessage
func normalize(m *gmail.Message) *mail.RawMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	raw := &mail.RawMessage{
		Provider:          models.ProviderGoogle,
		ExternalMessageID: m.Id,
		ExternalThreadID:  m.ThreadId,
		Subject:           header(headers, "Subject"),
		From:              parseFrom(header(headers, "From")),
		To:                parseAddrs(header(headers, "To")),
		Cc:                parseAddrs(header(headers, "Cc")),
		Bcc:               parseAddrs(header(headers, "Bcc")),
		Headers:           headers,
	}

	if m.InternalDate > 0 {
		at := time.UnixMilli(m.InternalDate).UTC()
		raw.SentAt = at
		raw.ReceivedAt = at
	}

	if m.Payload != nil {
		raw.BodyText, raw.BodyHTML = extractBodies(m.Payload)
	}

	raw.Snippet = html.UnescapeString(m.Snippet)
	if raw.Snippet == "" {
		raw.Snippet = mail.Snippet(raw.BodyText, raw.BodyHTML)
	}
	return raw
}

// header looks up a header by case-insensitive name
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// extractBodies walks the MIME tree collecting the first text/plain and text/html parts
func extractBodies(part *gmail.MessagePart) (text, htmlBody string) {
	if part == nil {
		return "", ""
	}

	if part.Body != nil && part.Body.Data != "" {
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain"):
			text = decodeBody(part.Body.Data)
		case strings.HasPrefix(part.MimeType, "text/html"):
			htmlBody = decodeBody(part.Body.Data)
		}
	}

	for _, child := range part.Parts {
		t, h := extractBodies(child)
		if text == "" {
			text = t
		}
		if htmlBody == "" {
			htmlBody = h
		}
	}
	return text, htmlBody
}

func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func parseFrom(s string) mail.Address {
	if s == "" {
		return mail.Address{}
	}
	addr, err := gomail.ParseAddress(s)
	if err != nil {
		return mail.Address{Email: strings.Trim(strings.TrimSpace(s), "<>")}
	}
	return mail.Address{Email: addr.Address, Name: addr.Name}
}

// parseAddrs returns the bare addresses of a header list
func parseAddrs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	list, err := gomail.ParseAddressList(s)
	if err != nil {
		return splitAddrs(s)
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
