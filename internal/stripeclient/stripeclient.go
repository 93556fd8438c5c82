package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"creditengine/entity"
	"creditengine/lib/sl"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const webhookTolerance = 5 * time.Minute

type Options struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// Backend replaces the HTTP backend, used by tests.
	Backends *stripe.Backends
}

// StripeClient sells credit bundles through Stripe Checkout. One instance serves one
// provider slot (primary or backup), each with its own account keys.
type StripeClient struct {
	name          entity.ProviderName
	sc            *client.API
	webhookSecret string
	successUrl    string
	cancelUrl     string
	log           *slog.Logger
}

func New(name entity.ProviderName, opts Options, logger *slog.Logger) *StripeClient {
	sc := &client.API{}
	sc.Init(opts.APIKey, opts.Backends)
	log := logger.With(sl.Module("stripe"), slog.String("provider", string(name)))
	log.With(
		sl.Secret("api_key", opts.APIKey),
		sl.Secret("webhook_secret", opts.WebhookSecret),
	).Debug("stripe client initialized")
	return &StripeClient{
		name:          name,
		sc:            sc,
		webhookSecret: opts.WebhookSecret,
		successUrl:    opts.SuccessURL,
		cancelUrl:     opts.CancelURL,
		log:           log,
	}
}

func (s *StripeClient) Name() entity.ProviderName {
	return s.name
}

// CreateCheckout opens a hosted checkout session for one bundle. The user and bundle ids
// travel in the session metadata and come back with the completion webhook.
func (s *StripeClient) CreateCheckout(ctx context.Context, bundle *entity.Bundle, userID string) (*entity.Checkout, error) {
	log := s.log.With(
		slog.String("user_id", userID),
		slog.String("bundle_id", bundle.ID),
		slog.Int64("price", bundle.PriceCents),
		slog.String("currency", bundle.Currency),
	)
	if s.successUrl == "" {
		return nil, fmt.Errorf("missing success url")
	}

	params := s.sessionParams(bundle, userID)
	params.Context = ctx

	cs, err := s.sc.CheckoutSessions.New(params)
	if err != nil {
		err = s.parseErr(err)
		log.With(sl.Err(err)).Warn("create checkout session")
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}

	log.With(slog.String("session_id", cs.ID)).Info("checkout session created")
	return &entity.Checkout{
		Provider:  s.name,
		SessionID: cs.ID,
		URL:       cs.URL,
		BundleID:  bundle.ID,
		Credits:   bundle.TotalCredits(),
	}, nil
}

func (s *StripeClient) sessionParams(bundle *entity.Bundle, userID string) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(bundle.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(bundle.Name),
					},
					UnitAmount: stripe.Int64(bundle.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(userID),
		Metadata: map[string]string{
			"user_id":   userID,
			"bundle_id": bundle.ID,
			"credits":   strconv.FormatInt(bundle.TotalCredits(), 10),
		},
		SuccessURL: stripe.String(s.successUrl),
	}
	if s.cancelUrl != "" {
		params.CancelURL = stripe.String(s.cancelUrl)
	}
	return params
}

// ParseEvent verifies the webhook signature and extracts a completed checkout.
// Events of other types return a nil event and no error.
func (s *StripeClient) ParseEvent(payload []byte, header string) (*entity.PaymentEvent, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, header, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.log.With(sl.Err(err)).Warn("webhook signature")
		return nil, entity.ErrUnauthorized
	}

	switch evt.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		s.log.With(
			slog.String("event_id", evt.ID),
			slog.Any("event_type", evt.Type),
		).Debug("event ignored")
		return nil, nil
	}

	var cs stripe.CheckoutSession
	if err = json.Unmarshal(evt.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}

	userID := cs.Metadata["user_id"]
	if userID == "" {
		userID = cs.ClientReferenceID
	}
	event := &entity.PaymentEvent{
		Provider:  s.name,
		SessionID: cs.ID,
		UserID:    userID,
		BundleID:  cs.Metadata["bundle_id"],
		Amount:    cs.AmountTotal,
		Currency:  string(cs.Currency),
		Completed: cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired,
	}
	s.log.With(
		slog.String("event_id", evt.ID),
		slog.String("session_id", cs.ID),
		slog.String("user_id", userID),
		slog.Bool("completed", event.Completed),
	).Info("checkout event")
	return event, nil
}
