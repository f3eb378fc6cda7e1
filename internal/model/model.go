// Package model defines the core domain types for paid-event participation.
package model

import "time"

// RefundPolicy determines what a participant gets back when they cancel.
type RefundPolicy string

const (
	RefundPolicyNone    RefundPolicy = "NO_REFUND"
	RefundPolicyFull    RefundPolicy = "FULL_REFUND"
	RefundPolicyPartial RefundPolicy = "PARTIAL_REFUND"
	RefundPolicyCredit  RefundPolicy = "CREDIT"
)

// PromotionPaymentDeadline is how long a promoted waitlist entry has to pay
// before the promotion is cancelled and cascaded to the next user.
const PromotionPaymentDeadline = 24 * time.Hour

// Event represents a capacity-limited event that may require payment.
// Capacity, price and refund policy are fixed once participants exist;
// administrative overrides happen outside this core.
type Event struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Capacity             int          `json:"capacity"`
	PriceCents           int64        `json:"price_cents"`
	Currency             string       `json:"currency"`
	RefundPolicy         RefundPolicy `json:"refund_policy"`
	PartialRefundPercent int          `json:"partial_refund_percent,omitempty"`
	RefundDeadlineHours  int          `json:"refund_deadline_hours"`
	StartsAt             time.Time    `json:"starts_at"`
	CreatedAt            time.Time    `json:"created_at"`
}

// IsFree reports whether registration requires no payment step.
func (e *Event) IsFree() bool {
	return e.PriceCents == 0
}

// RefundDeadline is the instant after which deadline-gated refunds stop.
func (e *Event) RefundDeadline() time.Time {
	return e.StartsAt.Add(-time.Duration(e.RefundDeadlineHours) * time.Hour)
}

// State is the admission state of a participation. A participation occupies a
// capacity slot iff its state is REGISTERED.
type State string

const (
	StatePendingPayment State = "PENDING_PAYMENT"
	StateRegistered     State = "REGISTERED"
	StateWaitingList    State = "WAITING_LIST"
	StateCancelled      State = "CANCELLED"
)

// PaymentState tracks the payment side of a participation independently of
// its admission state.
type PaymentState string

const (
	PaymentNone     PaymentState = "NONE"
	PaymentPending  PaymentState = "PENDING"
	PaymentPaid     PaymentState = "PAID"
	PaymentExpired  PaymentState = "EXPIRED"
	PaymentRefunded PaymentState = "REFUNDED"
	PaymentCredited PaymentState = "CREDITED"
)

// Participation is one user's relationship to one event. Unique per
// (event, user) pair among non-cancelled records.
//
// Invariants:
//   - ChargeIntentID is non-empty iff PaymentState is PENDING or PAID, and is
//     never shared between participations.
//   - PromotedAt is set exactly once, when the record is moved from the
//     waitlist toward payment.
type Participation struct {
	ID              string       `json:"id"`
	EventID         string       `json:"event_id"`
	UserID          string       `json:"user_id"`
	State           State        `json:"state"`
	PaymentState    PaymentState `json:"payment_state"`
	ChargeIntentID  string       `json:"charge_intent_id,omitempty"`
	PromotedAt      *time.Time   `json:"promoted_at,omitempty"`
	AmountPaidCents int64        `json:"amount_paid_cents"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Occupies reports whether this participation holds a capacity slot.
func (p *Participation) Occupies() bool {
	return p.State == StateRegistered
}

// PaymentDeadline returns the promoted-entry payment deadline, or nil when
// the participation was never promoted.
func (p *Participation) PaymentDeadline() *time.Time {
	if p.PromotedAt == nil {
		return nil
	}
	d := p.PromotedAt.Add(PromotionPaymentDeadline)
	return &d
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name                 string       `json:"name"`
	Capacity             int          `json:"capacity"`
	PriceCents           int64        `json:"price_cents"`
	Currency             string       `json:"currency"`
	RefundPolicy         RefundPolicy `json:"refund_policy"`
	PartialRefundPercent int          `json:"partial_refund_percent"`
	RefundDeadlineHours  int          `json:"refund_deadline_hours"`
	StartsAt             time.Time    `json:"starts_at"`
}

// RegisterRequest is the payload for registering for an event.
type RegisterRequest struct {
	UserID string `json:"user_id"`
}

// RegisterResponse summarises the outcome of a registration attempt.
type RegisterResponse struct {
	ParticipationID string `json:"participation_id"`
	State           State  `json:"state"`
	RequiresPayment bool   `json:"requires_payment"`
	ClientSecret    string `json:"client_secret,omitempty"`
}

// PaymentIntentResponse is returned for initial and promoted-waitlist payment.
type PaymentIntentResponse struct {
	IntentID     string     `json:"intent_id"`
	ClientSecret string     `json:"client_secret"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// ConfirmPaymentRequest is the client-path confirmation payload.
type ConfirmPaymentRequest struct {
	IntentID string `json:"intent_id"`
}

// SetPaymentStateRequest is the admin override payload for manual
// reconciliation (cash payments, support cases).
type SetPaymentStateRequest struct {
	PaymentState PaymentState `json:"payment_state"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
