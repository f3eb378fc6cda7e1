package processor

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// Stripe implements Processor on the Stripe API.
type Stripe struct {
	api *client.API
}

// NewStripe constructs a Stripe processor with the given secret key.
func NewStripe(secretKey string) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api}
}

func fromStripeStatus(status stripe.PaymentIntentStatus) IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		return StatusAwaitingPayment
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled
	default:
		return StatusProcessing
	}
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       fromStripeStatus(pi.Status),
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
	}
}

// CreateIntent creates a payment intent keyed to the participation, so Stripe
// itself deduplicates concurrent creation attempts for the same payment.
func (s *Stripe) CreateIntent(_ context.Context, p CreateIntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(p.Currency),
	}
	params.SetIdempotencyKey(p.ParticipationID)
	params.AddMetadata("participation_id", p.ParticipationID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return fromStripeIntent(pi), nil
}

func (s *Stripe) GetIntent(_ context.Context, id string) (*Intent, error) {
	pi, err := s.api.PaymentIntents.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return fromStripeIntent(pi), nil
}

func (s *Stripe) CancelIntent(_ context.Context, id string) error {
	if _, err := s.api.PaymentIntents.Cancel(id, nil); err != nil {
		return fmt.Errorf("cancel payment intent: %w", err)
	}
	return nil
}

func (s *Stripe) Refund(_ context.Context, intentID string, amountCents int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(amountCents),
	}
	if _, err := s.api.Refunds.New(params); err != nil {
		return fmt.Errorf("refund payment intent: %w", err)
	}
	return nil
}
