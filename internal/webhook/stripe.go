package webhook

import (
	"encoding/json"

	stripe "github.com/stripe/stripe-go/v72"
	stripewebhook "github.com/stripe/stripe-go/v72/webhook"
)

// StripeVerifier authenticates deliveries with the endpoint's signing secret
// and decodes the three event types this core reconciles.
type StripeVerifier struct {
	signingSecret string
}

// NewStripeVerifier constructs a StripeVerifier.
func NewStripeVerifier(signingSecret string) *StripeVerifier {
	return &StripeVerifier{signingSecret: signingSecret}
}

func (v *StripeVerifier) Verify(payload []byte, signature string) (*Event, error) {
	stripeEvent, err := stripewebhook.ConstructEvent(payload, signature, v.signingSecret)
	if err != nil {
		return nil, unverifiable(err)
	}

	out := &Event{Type: stripeEvent.Type}
	switch stripeEvent.Type {
	case EventIntentSucceeded, EventIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(stripeEvent.Data.Raw, &pi); err != nil {
			return nil, unverifiable(err)
		}
		out.IntentID = pi.ID
		out.AmountCents = pi.Amount
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(stripeEvent.Data.Raw, &ch); err != nil {
			return nil, unverifiable(err)
		}
		if ch.PaymentIntent != nil {
			out.IntentID = ch.PaymentIntent.ID
		}
		out.AmountCents = ch.AmountRefunded
	}
	return out, nil
}
