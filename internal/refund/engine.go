// Package refund computes refund outcomes from an event's policy and the
// time remaining before it starts. Pure: callers persist the result.
package refund

import (
	"time"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
)

// Type classifies a refund outcome.
type Type string

const (
	TypeNone    Type = "none"
	TypeFull    Type = "full"
	TypePartial Type = "partial"
	TypeCredit  Type = "credit"
)

// Outcome is the result of applying a refund policy at a point in time.
type Outcome struct {
	Type        Type  `json:"type"`
	AmountCents int64 `json:"amount_cents"`
}

// Compute applies the event's refund policy to a participation at now.
// Deadline-gated policies compare now against the refund deadline derived
// from the event start; credit is never time-gated.
func Compute(ev *model.Event, p *model.Participation, now time.Time) Outcome {
	if p.PaymentState != model.PaymentPaid || p.AmountPaidCents == 0 {
		return Outcome{Type: TypeNone}
	}

	switch ev.RefundPolicy {
	case model.RefundPolicyFull:
		if now.Before(ev.RefundDeadline()) {
			return Outcome{Type: TypeFull, AmountCents: p.AmountPaidCents}
		}
	case model.RefundPolicyPartial:
		if now.Before(ev.RefundDeadline()) {
			amount := p.AmountPaidCents * int64(ev.PartialRefundPercent) / 100
			return Outcome{Type: TypePartial, AmountCents: amount}
		}
	case model.RefundPolicyCredit:
		return Outcome{Type: TypeCredit, AmountCents: p.AmountPaidCents}
	}
	return Outcome{Type: TypeNone}
}
