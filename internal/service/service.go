// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the participation core.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/capacity"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/notify"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/payment"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/refund"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

// ErrPaymentRequired is returned when a confirmation arrives before the
// processor has actually collected the payment.
var ErrPaymentRequired = errors.New("payment required")

// ErrIntentMismatch is returned when a confirmation references an intent the
// participation does not own.
var ErrIntentMismatch = errors.New("intent does not belong to participation")

// Promoter triggers waitlist promotion when a slot frees up. Implemented by
// the scheduler; narrowed to an interface so the service stays testable.
type Promoter interface {
	PromoteNext(ctx context.Context, eventID string) error
}

// ParticipationService orchestrates registration, payment confirmation,
// cancellation and manual reconciliation.
type ParticipationService struct {
	store    store.Store
	broker   *payment.Broker
	capacity *capacity.Controller
	proc     processor.Processor
	notifier notify.Notifier
	promoter Promoter

	now func() time.Time
}

// NewParticipationService constructs a ParticipationService.
func NewParticipationService(
	st store.Store,
	broker *payment.Broker,
	cap *capacity.Controller,
	proc processor.Processor,
	notifier notify.Notifier,
	promoter Promoter,
) *ParticipationService {
	return &ParticipationService{
		store:    st,
		broker:   broker,
		capacity: cap,
		proc:     proc,
		notifier: notifier,
		promoter: promoter,
		now:      time.Now,
	}
}

// CreateEvent validates the request and persists a new event.
func (s *ParticipationService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("event name is required")
	}
	if req.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be a positive integer")
	}
	if req.Capacity > 100_000 {
		return nil, fmt.Errorf("capacity cannot exceed 100,000")
	}
	if req.PriceCents < 0 {
		return nil, fmt.Errorf("price cannot be negative")
	}
	if req.PriceCents > 0 && req.Currency == "" {
		return nil, fmt.Errorf("currency is required for paid events")
	}
	switch req.RefundPolicy {
	case model.RefundPolicyNone, model.RefundPolicyFull, model.RefundPolicyCredit:
	case model.RefundPolicyPartial:
		if req.PartialRefundPercent <= 0 || req.PartialRefundPercent > 100 {
			return nil, fmt.Errorf("partial refund percent must be between 1 and 100")
		}
	case "":
		req.RefundPolicy = model.RefundPolicyNone
	default:
		return nil, fmt.Errorf("unknown refund policy %q", req.RefundPolicy)
	}
	if req.StartsAt.IsZero() {
		return nil, fmt.Errorf("event start time is required")
	}

	ev := &model.Event{
		Name:                 req.Name,
		Capacity:             req.Capacity,
		PriceCents:           req.PriceCents,
		Currency:             strings.ToLower(req.Currency),
		RefundPolicy:         req.RefundPolicy,
		PartialRefundPercent: req.PartialRefundPercent,
		RefundDeadlineHours:  req.RefundDeadlineHours,
		StartsAt:             req.StartsAt.UTC(),
	}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents returns all events.
func (s *ParticipationService) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.store.ListEvents(ctx)
}

// GetEvent returns a single event by ID.
func (s *ParticipationService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("event id is required")
	}
	return s.store.GetEvent(ctx, id)
}

// ListParticipations returns all participations for an event.
func (s *ParticipationService) ListParticipations(ctx context.Context, eventID string) ([]model.Participation, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.ListParticipations(ctx, eventID)
}

// GetParticipation returns a single participation by ID.
func (s *ParticipationService) GetParticipation(ctx context.Context, id string) (*model.Participation, error) {
	if id == "" {
		return nil, fmt.Errorf("participation id is required")
	}
	return s.store.GetParticipation(ctx, id)
}

// Register creates a participation for the event. Paid events get a
// non-occupying PENDING_PAYMENT record plus a charge intent when a slot
// looks open, or go straight to the waitlist when the event is full; no
// capacity is reserved until a payment is confirmed. Free events admit or
// waitlist immediately.
func (s *ParticipationService) Register(ctx context.Context, eventID string, req model.RegisterRequest) (*model.RegisterResponse, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if ev.IsFree() {
		return s.registerFree(ctx, ev, req.UserID)
	}

	full, err := s.eventFull(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if full {
		p, err := s.store.CreateParticipation(ctx, eventID, req.UserID, model.StateWaitingList)
		if err != nil {
			return nil, err
		}
		return &model.RegisterResponse{
			ParticipationID: p.ID,
			State:           model.StateWaitingList,
			RequiresPayment: false,
		}, nil
	}

	p, err := s.store.CreateParticipation(ctx, eventID, req.UserID, model.StatePendingPayment)
	if err != nil {
		return nil, err
	}
	intent, err := s.broker.GetOrCreateIntent(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &model.RegisterResponse{
		ParticipationID: p.ID,
		State:           model.StatePendingPayment,
		RequiresPayment: true,
		ClientSecret:    intent.ClientSecret,
	}, nil
}

// registerFree admits or waitlists immediately: there is no payment step, so
// the occupancy check and the claim happen in the same locked unit.
func (s *ParticipationService) registerFree(ctx context.Context, ev *model.Event, userID string) (*model.RegisterResponse, error) {
	p, err := s.store.CreateParticipation(ctx, ev.ID, userID, model.StatePendingPayment)
	if err != nil {
		return nil, err
	}
	var state model.State
	err = s.store.UnderEventLock(ctx, ev.ID, func(tx store.EventTx) error {
		occupancy, err := tx.Occupancy()
		if err != nil {
			return err
		}
		if occupancy < tx.Capacity() {
			state = model.StateRegistered
		} else {
			state = model.StateWaitingList
		}
		return tx.Transition(p.ID, []model.State{model.StatePendingPayment}, state)
	})
	if err != nil {
		return nil, err
	}
	return &model.RegisterResponse{
		ParticipationID: p.ID,
		State:           state,
		RequiresPayment: false,
	}, nil
}

func (s *ParticipationService) eventFull(ctx context.Context, eventID string) (bool, error) {
	var full bool
	err := s.store.UnderEventLock(ctx, eventID, func(tx store.EventTx) error {
		occupancy, err := tx.Occupancy()
		if err != nil {
			return err
		}
		full = occupancy >= tx.Capacity()
		return nil
	})
	return full, err
}

// PaymentIntent returns the participation's live charge intent, creating one
// if needed. Used for the initial payment and for promoted-waitlist payment;
// the deadline is present only for promoted entries.
func (s *ParticipationService) PaymentIntent(ctx context.Context, participationID string) (*model.PaymentIntentResponse, error) {
	p, err := s.store.GetParticipation(ctx, participationID)
	if err != nil {
		return nil, err
	}
	intent, err := s.broker.GetOrCreateIntent(ctx, participationID)
	if err != nil {
		return nil, err
	}
	return &model.PaymentIntentResponse{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Deadline:     p.PaymentDeadline(),
	}, nil
}

// ConfirmPayment is the client-path confirmation. The processor remains the
// source of truth for "paid": the intent's status is fetched and must be
// succeeded before any occupancy is claimed. Idempotent with the webhook
// path; whichever arrives first wins and the second is a no-op.
func (s *ParticipationService) ConfirmPayment(ctx context.Context, participationID, intentID string) (model.State, error) {
	p, err := s.store.GetParticipation(ctx, participationID)
	if err != nil {
		return "", err
	}
	if p.PaymentState == model.PaymentPaid && p.State == model.StateRegistered {
		return p.State, nil
	}
	if p.ChargeIntentID != intentID {
		return "", ErrIntentMismatch
	}

	intent, err := s.proc.GetIntent(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("fetch intent status: %w", err)
	}
	if intent.Status != processor.StatusSucceeded {
		return "", ErrPaymentRequired
	}

	state, err := s.capacity.ConfirmPayment(ctx, p, intent.AmountCents)
	if err != nil {
		return "", err
	}
	if err := s.notifier.PaymentConfirmed(ctx, p, state); err != nil {
		log.Printf("service: notify confirmation for %s: %v", p.ID, err)
	}
	return state, nil
}

// Cancel computes the refund outcome, cancels the participation, settles the
// payment side with the processor, and cascades a waitlist promotion if a
// slot was released.
func (s *ParticipationService) Cancel(ctx context.Context, participationID string) (refund.Outcome, error) {
	p, err := s.store.GetParticipation(ctx, participationID)
	if err != nil {
		return refund.Outcome{}, err
	}
	ev, err := s.store.GetEvent(ctx, p.EventID)
	if err != nil {
		return refund.Outcome{}, err
	}

	outcome := refund.Compute(ev, p, s.now().UTC())

	heldSlot := p.State == model.StateRegistered
	if err := s.store.Transition(ctx, p.ID,
		[]model.State{model.StatePendingPayment, model.StateRegistered, model.StateWaitingList},
		model.StateCancelled); err != nil {
		return refund.Outcome{}, err
	}

	switch {
	case p.PaymentState == model.PaymentPending:
		// Release the unused intent so a future re-registration can own a
		// fresh one.
		if err := s.broker.CancelIntent(ctx, p); err != nil {
			log.Printf("service: cancel intent for %s: %v", p.ID, err)
		}
	case outcome.Type == refund.TypeFull || outcome.Type == refund.TypePartial:
		if err := s.broker.Refund(ctx, p, outcome.AmountCents); err != nil {
			return refund.Outcome{}, err
		}
	case outcome.Type == refund.TypeCredit:
		if err := s.store.ReleaseIntent(ctx, p.ID,
			[]model.PaymentState{model.PaymentPaid}, model.PaymentCredited); err != nil &&
			!errors.Is(err, store.ErrInvalidTransition) {
			return refund.Outcome{}, err
		}
	}

	if err := s.notifier.Cancelled(ctx, p); err != nil {
		log.Printf("service: notify cancellation for %s: %v", p.ID, err)
	}

	if heldSlot && s.promoter != nil {
		if err := s.promoter.PromoteNext(ctx, p.EventID); err != nil {
			log.Printf("service: promote after cancellation on event %s: %v", p.EventID, err)
		}
	}
	return outcome, nil
}

// SetPaymentState is the admin override for manual reconciliation (cash
// payments, support cases). Marking PAID funnels through the same admission
// path as a processor confirmation.
func (s *ParticipationService) SetPaymentState(ctx context.Context, participationID string, target model.PaymentState) (*model.Participation, error) {
	p, err := s.store.GetParticipation(ctx, participationID)
	if err != nil {
		return nil, err
	}

	if target == model.PaymentPaid {
		if p.PaymentState != model.PaymentPaid {
			ev, err := s.store.GetEvent(ctx, p.EventID)
			if err != nil {
				return nil, err
			}
			if _, err := s.capacity.ConfirmPayment(ctx, p, ev.PriceCents); err != nil {
				return nil, err
			}
		}
		return s.store.GetParticipation(ctx, participationID)
	}

	var from []model.PaymentState
	for _, ps := range []model.PaymentState{
		model.PaymentNone, model.PaymentPending, model.PaymentPaid,
		model.PaymentExpired, model.PaymentRefunded, model.PaymentCredited,
	} {
		if model.CanTransitionPayment(ps, target) {
			from = append(from, ps)
		}
	}
	if len(from) == 0 {
		return nil, store.ErrInvalidTransition
	}
	switch target {
	case model.PaymentExpired, model.PaymentRefunded, model.PaymentCredited:
		// These settle the intent; keep the intent-iff-pending-or-paid
		// invariant by releasing it with the state change.
		err = s.store.ReleaseIntent(ctx, participationID, from, target)
	default:
		err = s.store.TransitionPayment(ctx, participationID, from, target)
	}
	if err != nil {
		return nil, err
	}
	return s.store.GetParticipation(ctx, participationID)
}
