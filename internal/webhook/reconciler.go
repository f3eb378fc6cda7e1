// Package webhook reconciles local participation state with the payment
// processor's asynchronous notifications. Deliveries may arrive out of order
// and more than once; every handler is a state-guarded no-op on replay.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/capacity"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/notify"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

// ErrUnverifiable marks a delivery whose signature or payload could not be
// authenticated. It is acknowledged and dropped, never surfaced to the
// processor, but logged loudly.
var ErrUnverifiable = errors.New("webhook unverifiable")

// Processor event types this core reconciles. Anything else is acknowledged
// and ignored.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentCanceled  = "payment_intent.canceled"
	EventChargeRefunded  = "charge.refunded"
)

// Event is a verified, decoded processor notification.
type Event struct {
	Type        string
	IntentID    string
	AmountCents int64
}

// Verifier authenticates a raw delivery and decodes it into an Event.
type Verifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}

const maxPayloadBytes = 1 << 20

// Reconciler is the single ingress for asynchronous processor events. It
// funnels every state change through the same guarded transitions the
// synchronous path uses, so webhook and client confirmation cannot drift.
type Reconciler struct {
	store    store.Store
	capacity *capacity.Controller
	notifier notify.Notifier
	verifier Verifier
}

// NewReconciler constructs a Reconciler.
func NewReconciler(st store.Store, cap *capacity.Controller, notifier notify.Notifier, verifier Verifier) *Reconciler {
	return &Reconciler{store: st, capacity: cap, notifier: notifier, verifier: verifier}
}

// ServeHTTP handles the processor's webhook deliveries. It responds 2xx for
// everything it intentionally ignores (unverifiable payloads, unknown
// intents, already-applied states) because the processor will retry anything
// else; only a store failure earns a 5xx and a redelivery.
func (r *Reconciler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxPayloadBytes)
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		// An oversized or truncated body cannot be signature-verified;
		// acknowledge it like any other undeliverable input so the processor
		// does not redeliver the same payload forever.
		log.Printf("webhook: dropping unreadable delivery: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	ev, err := r.verifier.Verify(payload, req.Header.Get("Stripe-Signature"))
	if err != nil {
		// Dropped silently from the processor's perspective.
		log.Printf("webhook: dropping unverifiable delivery: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := r.Apply(req.Context(), ev); err != nil {
		log.Printf("webhook: apply %s: %v", ev.Type, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Apply dispatches one verified event. Processing the same event twice is a
// no-op on the second application: current state is checked before every
// transition, never blindly overwritten.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) error {
	if ev.IntentID == "" {
		return nil
	}

	switch ev.Type {
	case EventIntentSucceeded:
		return r.applySucceeded(ctx, ev)
	case EventIntentCanceled:
		return r.applyCanceled(ctx, ev)
	case EventChargeRefunded:
		return r.applyRefunded(ctx, ev)
	default:
		return nil
	}
}

func (r *Reconciler) applySucceeded(ctx context.Context, ev *Event) error {
	p, err := r.store.GetParticipationByIntent(ctx, ev.IntentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Duplicate or unrelated intent; acknowledge and drop.
			return nil
		}
		return err
	}
	if p.PaymentState == model.PaymentPaid {
		// Replay of a confirmation that already ran its side effects.
		return nil
	}

	state, err := r.capacity.ConfirmPayment(ctx, p, ev.AmountCents)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled between lookup and confirmation; the refund flow
			// owns it from here.
			log.Printf("webhook: intent %s succeeded for non-admittable participation %s", ev.IntentID, p.ID)
			return nil
		}
		return err
	}
	if err := r.notifier.PaymentConfirmed(ctx, p, state); err != nil {
		log.Printf("webhook: notify confirmation for %s: %v", p.ID, err)
	}
	return nil
}

func (r *Reconciler) applyCanceled(ctx context.Context, ev *Event) error {
	p, err := r.store.GetParticipationByIntent(ctx, ev.IntentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	// An already-PAID record is never overridden: out-of-order delivery of a
	// stale cancellation must not claw back a confirmed payment.
	if p.PaymentState == model.PaymentPaid {
		return nil
	}
	err = r.store.ReleaseIntent(ctx, p.ID,
		[]model.PaymentState{model.PaymentPending}, model.PaymentExpired)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (r *Reconciler) applyRefunded(ctx context.Context, ev *Event) error {
	p, err := r.store.GetParticipationByIntent(ctx, ev.IntentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	// Only the payment side changes here; occupancy is released by the
	// explicit cancellation flow, not by the refund notification.
	err = r.store.ReleaseIntent(ctx, p.ID,
		[]model.PaymentState{model.PaymentPaid}, model.PaymentRefunded)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}

var _ http.Handler = (*Reconciler)(nil)

// unverifiable wraps a verification failure with ErrUnverifiable.
func unverifiable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnverifiable, err)
}
