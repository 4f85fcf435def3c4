package outlook

import (
	"context"
	"fmt"
	"time"

	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	graphsubs "github.com/microsoftgraph/msgraph-sdk-go/subscriptions"

	"github.com/Martian-dev/mailsync/internal/models"
)

// SubscriptionRequest describes a Graph change-notification subscription to create
type SubscriptionRequest struct {
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

// Subscription is the provider's view of a created subscription
type Subscription struct {
	ID        string
	Resource  string
	ExpiresAt time.Time
}

// CreateSubscription registers a change-notification subscription for the account's mailbox
func (a *Adapter) CreateSubscription(ctx context.Context, account *models.Account, req SubscriptionRequest) (*Subscription, error) {
	sub := graphmodels.NewSubscription()
	resource, changeType := req.Resource, req.ChangeType
	notificationURL, clientState := req.NotificationURL, req.ClientState
	expires := req.ExpiresAt.UTC()
	sub.SetResource(&resource)
	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&notificationURL)
	sub.SetClientState(&clientState)
	sub.SetExpirationDateTime(&expires)

	created, err := call(ctx, a, account, "outlook create subscription", func(ctx context.Context) (graphmodels.Subscriptionable, error) {
		return a.client.Subscriptions().Post(ctx, sub, &graphsubs.SubscriptionsRequestBuilderPostRequestConfiguration{
			Headers: immutableIDs(),
		})
	})
	if err != nil {
		return nil, err
	}

	out := &Subscription{
		ID:        deref(created.GetId()),
		Resource:  deref(created.GetResource()),
		ExpiresAt: expires,
	}
	if out.ID == "" {
		return nil, fmt.Errorf("outlook create subscription: response carried no subscription id")
	}
	if out.Resource == "" {
		out.Resource = resource
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		out.ExpiresAt = exp.UTC()
	}
	return out, nil
}

// RenewSubscription moves the subscription's expiry and returns the expiry Graph accepted
func (a *Adapter) RenewSubscription(ctx context.Context, account *models.Account, subscriptionID string, expiresAt time.Time) (time.Time, error) {
	patch := graphmodels.NewSubscription()
	expires := expiresAt.UTC()
	patch.SetExpirationDateTime(&expires)

	updated, err := call(ctx, a, account, "outlook renew subscription", func(ctx context.Context) (graphmodels.Subscriptionable, error) {
		return a.client.Subscriptions().BySubscriptionId(subscriptionID).Patch(ctx, patch, nil)
	})
	if err != nil {
		return time.Time{}, err
	}
	if updated != nil {
		if exp := updated.GetExpirationDateTime(); exp != nil {
			return exp.UTC(), nil
		}
	}
	return expires, nil
}

// DeleteSubscription removes the subscription at the provider
func (a *Adapter) DeleteSubscription(ctx context.Context, account *models.Account, subscriptionID string) error {
	_, err := call(ctx, a, account, "outlook delete subscription", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.client.Subscriptions().BySubscriptionId(subscriptionID).Delete(ctx, nil)
	})
	return err
}
