package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

// Stripe sells packages in USD through Stripe Checkout.
type Stripe struct {
	api           *client.API
	webhookSecret string
	logger        zerolog.Logger
}

// NewStripe creates the gateway. backends may be nil for the live API.
func NewStripe(secretKey, webhookSecret string, backends *stripe.Backends, logger zerolog.Logger) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{
		api:           api,
		webhookSecret: webhookSecret,
		logger:        logger.With().Str("component", "payments.stripe").Logger(),
	}
}

// Provider implements Gateway.
func (s *Stripe) Provider() Provider { return ProviderStripe }

// CreateCheckout opens a one-off payment session for the package.
func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(string(stripe.CurrencyUSD)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(req.Package.DisplayName()),
					Description: stripe.String(fmt.Sprintf("%d website generation credits", req.Package.Credits)),
				},
				UnitAmount: stripe.Int64(req.Package.USDCents),
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	for k, v := range checkoutMetadata(req) {
		params.AddMetadata(k, v)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("creating stripe checkout: %w", classifyStripe(err))
	}
	s.logger.Info().Str("session", sess.ID).Str("package", req.Package.ID).Str("user", req.UserKey).Msg("created checkout session")
	return &CheckoutSession{ProviderID: sess.ID, URL: sess.URL}, nil
}

// ParseWebhook verifies the Stripe-Signature header. Only
// checkout.session.completed with a paid status yields a paid event.
func (s *Stripe) ParseWebhook(payload []byte, header func(string) string) (*Event, error) {
	sig := header("Stripe-Signature")
	if sig == "" {
		return nil, fmt.Errorf("missing Stripe-Signature header: %w", perrors.ErrVerification)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sig, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("verifying stripe webhook: %w: %w", perrors.ErrVerification, err)
	}

	ev := &Event{Provider: ProviderStripe}
	if event.Type != "checkout.session.completed" {
		s.logger.Debug().Str("type", string(event.Type)).Msg("ignoring stripe event")
		return ev, nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding checkout session: %w: %w", perrors.ErrInvalidInput, err)
	}
	ev.ProviderID = sess.ID
	ev.Paid = sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid
	eventFromMetadata(ev, sess.Metadata)
	return ev, nil
}

func classifyStripe(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %w", perrors.ErrUnavailable, err)
	}
	return perrors.NewAPIError("stripe", se.HTTPStatusCode, se.Msg)
}
