// Package payment implements idempotent creation and reuse of charge intents.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

// ErrIntentConsistency is returned when the participation's stored intent and
// the processor's view could not be brought into agreement after a retry.
// Surfaces as a processor-integration failure.
var ErrIntentConsistency = errors.New("charge intent inconsistent with participation")

// ErrNotPayable is returned when an intent is requested for a participation
// that can no longer accept payment.
var ErrNotPayable = errors.New("participation cannot accept payment")

const (
	processorAttempts = 3
	processorBackoff  = 200 * time.Millisecond
)

// Broker hands out exactly one live charge intent per participation. Client
// retries during network flakiness reuse the stored intent; the
// participation-keyed idempotency key makes the processor deduplicate the
// rare concurrent creation race.
type Broker struct {
	store store.Store
	proc  processor.Processor

	// backoff between transient processor failures; shortened in tests.
	backoff time.Duration
}

// NewBroker constructs a Broker.
func NewBroker(st store.Store, proc processor.Processor) *Broker {
	return &Broker{store: st, proc: proc, backoff: processorBackoff}
}

// withRetry runs a processor round-trip up to three times. Processor calls
// happen outside any store lock: fetch, then compare against the store.
func (b *Broker) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= processorAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * b.backoff):
		}
	}
	return err
}

// GetOrCreateIntent returns the participation's live charge intent, creating
// one only when none exists or the previous one was cancelled at the
// processor. Safe to call concurrently for the same participation.
func (b *Broker) GetOrCreateIntent(ctx context.Context, participationID string) (*processor.Intent, error) {
	// Two passes: the second absorbs a concurrent writer replacing the
	// intent between our write and the consistency re-read.
	for attempt := 0; attempt < 2; attempt++ {
		p, err := b.store.GetParticipation(ctx, participationID)
		if err != nil {
			return nil, err
		}
		if p.State == model.StateCancelled {
			return nil, ErrNotPayable
		}

		if p.ChargeIntentID != "" {
			var intent *processor.Intent
			err := b.withRetry(ctx, func() error {
				var ferr error
				intent, ferr = b.proc.GetIntent(ctx, p.ChargeIntentID)
				return ferr
			})
			if err != nil {
				return nil, fmt.Errorf("fetch intent status: %w", err)
			}
			if intent.Status != processor.StatusCanceled {
				// Reuse path. Verify no concurrent writer replaced the
				// stored intent between our read and now.
				latest, err := b.store.GetParticipation(ctx, participationID)
				if err != nil {
					return nil, err
				}
				if latest.ChargeIntentID == intent.ID {
					return intent, nil
				}
				continue
			}
			// Terminal-failed intent: fall through to creation.
		}

		ev, err := b.store.GetEvent(ctx, p.EventID)
		if err != nil {
			return nil, err
		}
		var created *processor.Intent
		err = b.withRetry(ctx, func() error {
			var ferr error
			created, ferr = b.proc.CreateIntent(ctx, processor.CreateIntentParams{
				AmountCents:     ev.PriceCents,
				Currency:        ev.Currency,
				ParticipationID: p.ID,
			})
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("create intent: %w", err)
		}

		if err := b.store.AttachIntent(ctx, p.ID, created.ID); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Paid or settled underneath us; re-read and decide again.
				continue
			}
			return nil, err
		}

		latest, err := b.store.GetParticipation(ctx, participationID)
		if err != nil {
			return nil, err
		}
		if latest.ChargeIntentID == created.ID {
			return created, nil
		}
	}
	return nil, ErrIntentConsistency
}

// CancelIntent cancels a live intent at the processor and releases it from
// the participation, marking the payment EXPIRED. Used when a promotion
// deadline passes or a pending participation cancels.
//
// The local release happens even when the processor call exhausts its
// retries, so a cancelled record never keeps a live intent attached. A stray
// success on the orphaned intent is dropped by the webhook path.
func (b *Broker) CancelIntent(ctx context.Context, p *model.Participation) error {
	if p.ChargeIntentID == "" {
		return nil
	}
	err := b.withRetry(ctx, func() error {
		return b.proc.CancelIntent(ctx, p.ChargeIntentID)
	})
	if err != nil {
		log.Printf("payment: cancel intent %s at processor: %v", p.ChargeIntentID, err)
	}
	err = b.store.ReleaseIntent(ctx, p.ID,
		[]model.PaymentState{model.PaymentPending}, model.PaymentExpired)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Already released or paid in the meantime; nothing to undo.
		return nil
	}
	return err
}

// Refund executes a refund at the processor and releases the intent, marking
// the payment REFUNDED. The webhook path applies the same transition
// idempotently when its charge.refunded event lands.
func (b *Broker) Refund(ctx context.Context, p *model.Participation, amountCents int64) error {
	if p.ChargeIntentID == "" {
		return ErrNotPayable
	}
	err := b.withRetry(ctx, func() error {
		return b.proc.Refund(ctx, p.ChargeIntentID, amountCents)
	})
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	err = b.store.ReleaseIntent(ctx, p.ID,
		[]model.PaymentState{model.PaymentPaid}, model.PaymentRefunded)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}
