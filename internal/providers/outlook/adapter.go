package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/models"
)

const (
	listTop              = 100
	conversationPageSize = 50
)

var messageSelect = []string{
	"id", "subject", "from", "toRecipients", "ccRecipients", "bccRecipients", "conversationId",
	"bodyPreview", "body", "receivedDateTime", "sentDateTime", "internetMessageHeaders",
}

// Adapter implements mail.Provider for Outlook/Microsoft Graph
type Adapter struct {
	tokens  mail.TokenSource
	client  *msgraphsdk.GraphServiceClient
	timeout time.Duration
}

// New creates an Outlook adapter. baseURL overrides the Graph endpoint when non-empty.
func New(tokens mail.TokenSource, baseURL string, timeout time.Duration) (*Adapter, error) {
	authProvider := authentication.NewBaseBearerTokenAuthenticationProvider(contextTokenProvider{})

	adapter, err := msgraphsdk.NewGraphRequestAdapter(authProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}
	if baseURL != "" {
		adapter.SetBaseUrl(strings.TrimRight(baseURL, "/"))
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		tokens:  tokens,
		client:  msgraphsdk.NewGraphServiceClient(adapter),
		timeout: timeout,
	}, nil
}

func (a *Adapter) Name() models.Provider {
	return models.ProviderOutlook
}

type tokenKey struct{}

// contextTokenProvider hands the Graph client the access token carried by the request context
type contextTokenProvider struct{}

func (contextTokenProvider) GetAuthorizationToken(ctx context.Context, uri *url.URL, _ map[string]interface{}) (string, error) {
	token, _ := ctx.Value(tokenKey{}).(string)
	if token == "" {
		return "", errors.New("no access token in context")
	}
	return token, nil
}

func (contextTokenProvider) GetAllowedHostsValidator() *authentication.AllowedHostsValidator {
	return &authentication.AllowedHostsValidator{}
}

// call runs fn under the refresh-and-retry wrapper with a per-call timeout
func call[T any](ctx context.Context, a *Adapter, account *models.Account, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return mail.WithTokenRetry(ctx, a.tokens, account, func(ctx context.Context, token string) (T, error) {
		ctx, cancel := context.WithTimeout(context.WithValue(ctx, tokenKey{}, token), a.timeout)
		defer cancel()

		out, err := fn(ctx)
		if err != nil {
			var zero T
			return zero, providerError(op, err)
		}
		return out, nil
	})
}

// immutableIDs asks Graph for ids that survive moves between folders (Drafts -> Sent Items)
func immutableIDs() *abstractions.RequestHeaders {
	h := abstractions.NewRequestHeaders()
	h.Add("Prefer", `IdType="ImmutableId"`)
	return h
}

// Send creates a draft and then sends it. A failed draft is never sent.
func (a *Adapter) Send(ctx context.Context, account *models.Account, req mail.SendRequest) mail.SendResult {
	result := mail.SendResult{
		Provider: models.ProviderOutlook,
		Headers:  map[string]string{mail.MarkerHeader: mail.MarkerValue},
	}
	if len(req.To) == 0 {
		result.Error = "at least one recipient is required"
		return result
	}

	log := logging.Log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   models.ProviderOutlook,
	})

	// Draft created
	draft, err := call(ctx, a, account, "outlook create draft", func(ctx context.Context) (graphmodels.Messageable, error) {
		return a.client.Me().Messages().Post(ctx, buildDraft(req), &users.ItemMessagesRequestBuilderPostRequestConfiguration{
			Headers: immutableIDs(),
		})
	})
	if err != nil {
		result.HTTPStatus = mail.StatusOf(err)
		result.Error = err.Error()
		log.WithError(err).Warn("outlook draft creation failed")
		return result
	}

	messageID := deref(draft.GetId())
	if messageID == "" {
		result.Error = "outlook create draft: response carried no message id"
		return result
	}
	result.ExternalMessageID = messageID
	result.ExternalThreadID = deref(draft.GetConversationId())

	// Sent
	_, err = call(ctx, a, account, "outlook send draft", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.client.Me().Messages().ByMessageId(messageID).Send().Post(ctx, nil)
	})
	if err != nil {
		result.HTTPStatus = mail.StatusOf(err)
		result.Error = err.Error()
		log.WithError(err).WithField("message_id", messageID).Warn("outlook draft send failed")
		return result
	}

	result.Success = true
	result.HTTPStatus = http.StatusAccepted
	return result
}

func buildDraft(req mail.SendRequest) graphmodels.Messageable {
	msg := graphmodels.NewMessage()
	subject := req.Subject
	msg.SetSubject(&subject)

	body := graphmodels.NewItemBody()
	contentType := graphmodels.HTML_BODYTYPE
	content := req.HTMLBody
	body.SetContentType(&contentType)
	body.SetContent(&content)
	msg.SetBody(body)

	msg.SetToRecipients(recipients(req.To))
	if len(req.Cc) > 0 {
		msg.SetCcRecipients(recipients(req.Cc))
	}
	if len(req.Bcc) > 0 {
		msg.SetBccRecipients(recipients(req.Bcc))
	}

	marker := graphmodels.NewInternetMessageHeader()
	name, value := mail.MarkerHeader, mail.MarkerValue
	marker.SetName(&name)
	marker.SetValue(&value)
	msg.SetInternetMessageHeaders([]graphmodels.InternetMessageHeaderable{marker})

	return msg
}

func recipients(addrs []string) []graphmodels.Recipientable {
	out := make([]graphmodels.Recipientable, 0, len(addrs))
	for _, addr := range addrs {
		address := strings.TrimSpace(addr)
		email := graphmodels.NewEmailAddress()
		email.SetAddress(&address)
		r := graphmodels.NewRecipient()
		r.SetEmailAddress(email)
		out = append(out, r)
	}
	return out
}

// Fetch retrieves one message with headers and body
func (a *Adapter) Fetch(ctx context.Context, account *models.Account, externalMessageID string) (*mail.RawMessage, error) {
	msg, err := call(ctx, a, account, "outlook get message", func(ctx context.Context) (graphmodels.Messageable, error) {
		return a.client.Me().Messages().ByMessageId(externalMessageID).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			Headers: immutableIDs(),
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageSelect,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return normalize(msg), nil
}

// ListRecent lists messages received within window, newest first
func (a *Adapter) ListRecent(ctx context.Context, account *models.Account, window time.Duration) ([]mail.MessageSummary, error) {
	filter := "receivedDateTime ge " + time.Now().Add(-window).UTC().Format(time.RFC3339)
	top := int32(listTop)

	resp, err := call(ctx, a, account, "outlook list messages", func(ctx context.Context) (graphmodels.MessageCollectionResponseable, error) {
		return a.client.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			Headers: immutableIDs(),
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Filter:  &filter,
				Orderby: []string{"receivedDateTime desc"},
				Top:     &top,
				Select:  []string{"id", "conversationId", "receivedDateTime"},
			},
		})
	})
	if err != nil {
		return nil, err
	}

	var summaries []mail.MessageSummary
	for _, m := range resp.GetValue() {
		if m == nil {
			continue
		}
		s := mail.MessageSummary{
			ExternalMessageID: deref(m.GetId()),
			ExternalThreadID:  deref(m.GetConversationId()),
		}
		if rcvd := m.GetReceivedDateTime(); rcvd != nil {
			s.ReceivedAt = rcvd.UTC()
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// FetchConversation retrieves every message of one conversation, following @odata.nextLink
func (a *Adapter) FetchConversation(ctx context.Context, account *models.Account, conversationID string) ([]*mail.RawMessage, error) {
	filter := fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(conversationID, "'", "''"))
	top := int32(conversationPageSize)

	return call(ctx, a, account, "outlook list conversation", func(ctx context.Context) ([]*mail.RawMessage, error) {
		resp, err := a.client.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			Headers: immutableIDs(),
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Filter: &filter,
				Top:    &top,
				Select: messageSelect,
			},
		})
		if err != nil {
			return nil, err
		}

		pages, err := msgraphcore.NewPageIterator[graphmodels.Messageable](resp, a.client.GetAdapter(),
			graphmodels.CreateMessageCollectionResponseFromDiscriminatorValue)
		if err != nil {
			return nil, err
		}
		pages.SetHeaders(immutableIDs())

		var msgs []*mail.RawMessage
		err = pages.Iterate(ctx, func(m graphmodels.Messageable) bool {
			if m != nil {
				msgs = append(msgs, normalize(m))
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		return msgs, nil
	})
}

// normalize converts a Graph message to a RawMessage
func normalize(m graphmodels.Messageable) *mail.RawMessage {
	raw := &mail.RawMessage{
		Provider:          models.ProviderOutlook,
		ExternalMessageID: deref(m.GetId()),
		ExternalThreadID:  deref(m.GetConversationId()),
		Subject:           deref(m.GetSubject()),
		To:                extractAddresses(m.GetToRecipients()),
		Cc:                extractAddresses(m.GetCcRecipients()),
		Bcc:               extractAddresses(m.GetBccRecipients()),
		Headers:           make(map[string]string),
	}

	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			raw.From = mail.Address{
				Email: deref(emailAddr.GetAddress()),
				Name:  deref(emailAddr.GetName()),
			}
		}
	}

	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == graphmodels.HTML_BODYTYPE {
			raw.BodyHTML = content
			raw.BodyText = mail.HTMLToText(content)
		} else {
			raw.BodyText = content
		}
	}

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.ReceivedAt = rcvd.UTC()
	}
	if sent := m.GetSentDateTime(); sent != nil {
		raw.SentAt = sent.UTC()
	}

	for _, h := range m.GetInternetMessageHeaders() {
		if h == nil {
			continue
		}
		if name := h.GetName(); name != nil {
			raw.Headers[*name] = deref(h.GetValue())
		}
	}

	raw.Snippet = mail.Snippet(deref(m.GetBodyPreview()), "")
	if raw.Snippet == "" {
		raw.Snippet = mail.Snippet(raw.BodyText, raw.BodyHTML)
	}
	return raw
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []graphmodels.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if r == nil {
			continue
		}
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// providerError maps Graph SDK errors onto mail.ProviderError
func providerError(op string, err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		body := odataErr.Error()
		if main := odataErr.GetErrorEscaped(); main != nil {
			body = strings.TrimSpace(deref(main.GetCode()) + ": " + deref(main.GetMessage()))
		}
		return &mail.ProviderError{Op: op, Status: odataErr.ResponseStatusCode, Body: body, Err: err}
	}

	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return &mail.ProviderError{Op: op, Status: apiErr.ResponseStatusCode, Body: apiErr.Message, Err: err}
	}

	return &mail.ProviderError{Op: op, Err: err}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
