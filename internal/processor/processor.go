// Package processor abstracts the external payment processor behind a small
// charge-intent interface so orchestration code can be exercised with doubles.
package processor

import "context"

// IntentStatus collapses the processor's intent lifecycle into the four
// outcomes the orchestration layer distinguishes.
type IntentStatus string

const (
	// StatusAwaitingPayment covers requires_payment_method,
	// requires_confirmation and requires_action: the intent is live and
	// reusable, creating another would risk a duplicate charge.
	StatusAwaitingPayment IntentStatus = "awaiting_payment"
	// StatusProcessing covers in-flight states; the intent is still live.
	StatusProcessing IntentStatus = "processing"
	StatusSucceeded  IntentStatus = "succeeded"
	StatusCanceled   IntentStatus = "canceled"
)

// Live reports whether the intent can still collect a payment.
func (s IntentStatus) Live() bool {
	return s == StatusAwaitingPayment || s == StatusProcessing
}

// Intent is the processor-side handle for one attempt to collect payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	AmountCents  int64
	Currency     string
}

// CreateIntentParams scopes a new intent to an event's price and keys it to
// one participation so processor-side idempotency prevents duplicate live
// intents for the same logical payment.
type CreateIntentParams struct {
	AmountCents     int64
	Currency        string
	ParticipationID string
}

// Processor is the external payment collaborator. All methods are network
// round-trips; callers must not hold store-level locks while invoking them.
type Processor interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	CancelIntent(ctx context.Context, id string) error
	Refund(ctx context.Context, intentID string, amountCents int64) error
}
