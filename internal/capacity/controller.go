// Package capacity makes the atomic admission decision for paid
// participations: claim a slot if one is open, park on the waitlist if not.
package capacity

import (
	"context"
	"fmt"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/model"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
)

// Controller finalises occupancy once a payment is confirmed. Capacity is
// never consumed at registration time; only a confirmed payment claims a
// slot, so abandoned registrations cost nothing.
type Controller struct {
	store store.Store
}

// NewController constructs a Controller.
func NewController(st store.Store) *Controller {
	return &Controller{store: st}
}

// ConfirmPayment admits a paid participation. The caller must already have
// validated the payment as PAID against the processor; this method decides
// occupancy only. The occupancy recompute and the claiming transition run
// under the event lock as one atomic unit, so two confirmations racing for
// the last slot serialise and exactly one wins.
//
// Returns the resulting admission state: REGISTERED when a slot was claimed,
// WAITING_LIST when the event was full (the user keeps their payment; the
// record feeds the external settlement workflow). Re-confirming an already
// admitted participation is a no-op.
func (c *Controller) ConfirmPayment(ctx context.Context, p *model.Participation, amountCents int64) (model.State, error) {
	participationID := p.ID
	var final model.State
	err := c.store.UnderEventLock(ctx, p.EventID, func(tx store.EventTx) error {
		cur, err := tx.Participation(participationID)
		if err != nil {
			return err
		}
		switch cur.State {
		case model.StateRegistered:
			// Second arrival of the same confirmation (webhook vs client
			// path); first one won, nothing left to do.
			final = model.StateRegistered
			return nil
		case model.StateCancelled:
			return store.ErrInvalidTransition
		}

		occupancy, err := tx.Occupancy()
		if err != nil {
			return err
		}
		if occupancy < tx.Capacity() {
			if err := tx.Transition(participationID,
				[]model.State{model.StatePendingPayment, model.StateWaitingList},
				model.StateRegistered); err != nil {
				return err
			}
			final = model.StateRegistered
		} else {
			if cur.State == model.StatePendingPayment {
				if err := tx.Transition(participationID,
					[]model.State{model.StatePendingPayment},
					model.StateWaitingList); err != nil {
					return err
				}
			}
			final = model.StateWaitingList
		}
		return tx.RecordPayment(participationID, amountCents)
	})
	if err != nil {
		return "", fmt.Errorf("confirm payment: %w", err)
	}
	return final, nil
}
