// Package scheduler runs the periodic waitlist sweep: promoting waitlisted
// participations into the payment phase and expiring promotions whose 24h
// payment deadline has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/notify"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/payment"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

// errAlreadyHandled marks an expiry candidate that resolved itself (paid or
// cancelled) between listing and locking; it is skipped, not an error.
var errAlreadyHandled = errors.New("already handled")

// Scheduler drives waitlist promotion and promotion expiry as a background
// sweep rather than per-object timers, so it is safe to run arbitrarily late
// after downtime: every step is a state-guarded transition and re-running the
// sweep is a no-op on already-handled records.
type Scheduler struct {
	store    store.Store
	broker   *payment.Broker
	notifier notify.Notifier
	interval time.Duration

	now func() time.Time
}

// New constructs a Scheduler sweeping at the given interval.
func New(st store.Store, broker *payment.Broker, notifier notify.Notifier, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		broker:   broker,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: expire overdue promotions first (each expiry
// cascades its own promotion), then offer promotions for any remaining open
// slots. Per-item failures are logged and skipped; the sweep never crashes.
func (s *Scheduler) Sweep(ctx context.Context) {
	if err := s.ExpirePromotions(ctx); err != nil {
		log.Printf("scheduler: expire promotions: %v", err)
	}
	eventIDs, err := s.store.EventsWithUnpromoted(ctx)
	if err != nil {
		log.Printf("scheduler: list waitlisted events: %v", err)
		return
	}
	for _, eventID := range eventIDs {
		if err := s.PromoteNext(ctx, eventID); err != nil {
			log.Printf("scheduler: promote for event %s: %v", eventID, err)
		}
	}
}

// PromoteNext offers the oldest unpromoted waitlist entry its payment window:
// promoted_at is set exactly once, a charge intent is issued, and the user is
// notified. The participation stays WAITING_LIST with payment PENDING until
// it actually pays; no slot is reserved for it.
func (s *Scheduler) PromoteNext(ctx context.Context, eventID string) error {
	var hasRoom bool
	err := s.store.UnderEventLock(ctx, eventID, func(tx store.EventTx) error {
		occupancy, err := tx.Occupancy()
		if err != nil {
			return err
		}
		hasRoom = occupancy < tx.Capacity()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Event gone; nothing to promote.
			return nil
		}
		return fmt.Errorf("check vacancy: %w", err)
	}
	if !hasRoom {
		return nil
	}

	p, err := s.store.OldestUnpromoted(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("pick waitlist head: %w", err)
	}

	promotedAt := s.now().UTC()
	if err := s.store.MarkPromoted(ctx, p.ID, promotedAt); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A concurrent sweep promoted it already.
			return nil
		}
		return fmt.Errorf("mark promoted: %w", err)
	}
	p.PromotedAt = &promotedAt

	if _, err := s.broker.GetOrCreateIntent(ctx, p.ID); err != nil {
		return fmt.Errorf("issue promotion intent: %w", err)
	}

	deadline := promotedAt.Add(model.PromotionPaymentDeadline)
	if err := s.notifier.PromotionOffered(ctx, p, deadline); err != nil {
		log.Printf("scheduler: notify promotion for %s: %v", p.ID, err)
	}
	return nil
}

// ExpirePromotions cancels every promotion whose payment deadline passed
// without a payment, releases its intent at the processor, and cascades a
// promotion to the next waitlisted user for that event.
func (s *Scheduler) ExpirePromotions(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-model.PromotionPaymentDeadline)
	expired, err := s.store.ExpiredPromotions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired promotions: %w", err)
	}

	for i := range expired {
		p := expired[i]
		if err := s.expireOne(ctx, &p); err != nil {
			log.Printf("scheduler: expire %s: %v", p.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) expireOne(ctx context.Context, p *model.Participation) error {
	// Re-check under the event lock: the user may have paid between the
	// listing and now, and a paid record is never expired.
	var cur *model.Participation
	err := s.store.UnderEventLock(ctx, p.EventID, func(tx store.EventTx) error {
		var err error
		cur, err = tx.Participation(p.ID)
		if err != nil {
			return err
		}
		if cur.PaymentState == model.PaymentPaid || cur.State != model.StateWaitingList {
			return errAlreadyHandled
		}
		return tx.Transition(p.ID, []model.State{model.StateWaitingList}, model.StateCancelled)
	})
	if err != nil {
		if errors.Is(err, errAlreadyHandled) {
			return nil
		}
		return err
	}

	if err := s.broker.CancelIntent(ctx, cur); err != nil {
		log.Printf("scheduler: release intent for %s: %v", p.ID, err)
	}
	if err := s.notifier.Cancelled(ctx, cur); err != nil {
		log.Printf("scheduler: notify expiry for %s: %v", p.ID, err)
	}

	// Cascade to the next waitlisted user for the freed payment window.
	return s.PromoteNext(ctx, p.EventID)
}
