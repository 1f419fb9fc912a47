// Package billing talks to the payment provider.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
)

var (
	// ErrNotConfigured means no provider key is set.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrNoProviderSubscription means the subscription was never created at
	// the provider, so there is nothing to cancel there.
	ErrNoProviderSubscription = errors.New("subscription has no provider id")
)

// Provider cancels subscriptions at the payment provider.
type Provider interface {
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
}

// Stripe cancels subscriptions through stripe-go.
type Stripe struct {
	apiKey string
	subs   subscription.Client
}

// NewStripe creates a Stripe client. baseURL overrides the public API
// endpoint when set.
func NewStripe(apiKey, baseURL string) *Stripe {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 15 * time.Second},
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(1),
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	return &Stripe{
		apiKey: apiKey,
		subs:   subscription.Client{B: stripe.GetBackendWithConfig(stripe.APIBackend, cfg), Key: apiKey},
	}
}

// CancelSubscription cancels immediately. A subscription the provider no
// longer knows counts as already canceled.
func (s *Stripe) CancelSubscription(ctx context.Context, id string) error {
	if s.apiKey == "" {
		return ErrNotConfigured
	}
	if id == "" {
		return ErrNoProviderSubscription
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := s.subs.Cancel(id, params); err != nil {
		var se *stripe.Error
		if errors.As(err, &se) {
			if se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing {
				return nil
			}
			return fmt.Errorf("cancel subscription %s: stripe %d %s: %s", id, se.HTTPStatusCode, se.Code, se.Msg)
		}
		return fmt.Errorf("cancel subscription %s: %w", id, err)
	}
	return nil
}
