// Package store defines durable participation state and the guarded
// transitions every other component relies on. Two backends implement the
// same contract: Postgres for production and an in-memory store for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateParticipation is returned when a non-cancelled participation
// already exists for the same (event, user) pair.
var ErrDuplicateParticipation = errors.New("participation already exists for this event and user")

// ErrInvalidTransition is returned when a guarded state change finds the
// record in a state outside the caller's expected set. It signals a stale
// caller view; callers must re-read before deciding their next action.
var ErrInvalidTransition = errors.New("invalid state transition")

// EventTx is the view of the store available while an event row is locked.
// Everything executed through it commits or rolls back as one atomic unit,
// so an occupancy read and the transition that claims a slot cannot be
// interleaved with another writer on the same event.
type EventTx interface {
	// Capacity is the event's capacity, read at lock acquisition.
	Capacity() int
	// Occupancy recomputes count(state == REGISTERED) for the locked event.
	Occupancy() (int, error)
	// Participation re-reads a participation inside the transaction.
	Participation(id string) (*model.Participation, error)
	// Transition performs a guarded admission-state change inside the
	// transaction. Fails with ErrInvalidTransition on a stale view.
	Transition(id string, from []model.State, to model.State) error
	// RecordPayment marks the participation PAID and records the amount.
	// Safe to re-apply with the same amount.
	RecordPayment(id string, amountCents int64) error
}

// Store is the durable state of events and participations.
type Store interface {
	CreateEvent(ctx context.Context, ev *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)

	// CreateParticipation inserts a fresh record for the pair. Fails with
	// ErrDuplicateParticipation while a non-cancelled record exists;
	// re-registration after CANCELLED creates a new record.
	CreateParticipation(ctx context.Context, eventID, userID string, state model.State) (*model.Participation, error)
	GetParticipation(ctx context.Context, id string) (*model.Participation, error)
	// GetParticipationByIntent looks up the sole owner of a charge intent.
	GetParticipationByIntent(ctx context.Context, intentID string) (*model.Participation, error)
	ListParticipations(ctx context.Context, eventID string) ([]model.Participation, error)

	// Transition is a guarded compare-and-swap on the admission state: it
	// fails with ErrInvalidTransition if the current state is not in from,
	// and never silently overwrites.
	Transition(ctx context.Context, id string, from []model.State, to model.State) error
	// TransitionPayment is the payment-state equivalent of Transition.
	TransitionPayment(ctx context.Context, id string, from []model.PaymentState, to model.PaymentState) error
	// AttachIntent stores a charge intent id and moves the payment state to
	// PENDING. Rejected once the participation is paid or settled.
	AttachIntent(ctx context.Context, id, intentID string) error
	// ReleaseIntent clears the charge intent and moves the payment state,
	// keeping the intent-iff-pending-or-paid invariant.
	ReleaseIntent(ctx context.Context, id string, from []model.PaymentState, to model.PaymentState) error
	// MarkPromoted sets promoted_at exactly once; a second call fails with
	// ErrInvalidTransition so sweeps never double-promote.
	MarkPromoted(ctx context.Context, id string, at time.Time) error

	// UnderEventLock runs fn while holding an exclusive lock on the event,
	// serialising all occupancy check-and-claim sequences for it.
	UnderEventLock(ctx context.Context, eventID string, fn func(EventTx) error) error

	// OldestUnpromoted returns the oldest waitlisted participation that has
	// neither paid nor been promoted, or ErrNotFound.
	OldestUnpromoted(ctx context.Context, eventID string) (*model.Participation, error)
	// ExpiredPromotions returns promoted, still-unpaid waitlist entries whose
	// promotion happened before cutoff.
	ExpiredPromotions(ctx context.Context, cutoff time.Time) ([]model.Participation, error)
	// EventsWithUnpromoted lists events that have promotable waitlist entries.
	EventsWithUnpromoted(ctx context.Context) ([]string, error)
	// PaidWaitlisted lists participations that paid but could not be admitted;
	// input to the external settlement process.
	PaidWaitlisted(ctx context.Context, eventID string) ([]model.Participation, error)
}

// validateStateChange rejects from→to pairs outside the central transition
// table before any backend is consulted.
func validateStateChange(from []model.State, to model.State) error {
	for _, f := range from {
		if !model.CanTransition(f, to) {
			return ErrInvalidTransition
		}
	}
	return nil
}

func validatePaymentChange(from []model.PaymentState, to model.PaymentState) error {
	for _, f := range from {
		if !model.CanTransitionPayment(f, to) {
			return ErrInvalidTransition
		}
	}
	return nil
}
