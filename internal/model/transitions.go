package model

// stateTransitions is the single source of truth for admission-state changes.
// The store rejects any transition not listed here; CANCELLED is terminal.
var stateTransitions = map[State]map[State]bool{
	StatePendingPayment: {
		StateRegistered:  true,
		StateWaitingList: true,
		StateCancelled:   true,
	},
	StateWaitingList: {
		StateRegistered: true,
		StateCancelled:  true,
	},
	StateRegistered: {
		StateCancelled: true,
	},
	StateCancelled: {},
}

// paymentTransitions is the equivalent table for payment-state changes.
// NONE → PAID covers manual reconciliation (cash, support override).
var paymentTransitions = map[PaymentState]map[PaymentState]bool{
	PaymentNone: {
		PaymentPending: true,
		PaymentPaid:    true,
		PaymentExpired: true,
	},
	PaymentPending: {
		PaymentPaid:    true,
		PaymentExpired: true,
	},
	PaymentPaid: {
		PaymentRefunded: true,
		PaymentCredited: true,
	},
	PaymentExpired:  {},
	PaymentRefunded: {},
	PaymentCredited: {},
}

// CanTransition reports whether the admission state may move from → to.
func CanTransition(from, to State) bool {
	return stateTransitions[from][to]
}

// CanTransitionPayment reports whether the payment state may move from → to.
func CanTransitionPayment(from, to PaymentState) bool {
	return paymentTransitions[from][to]
}
