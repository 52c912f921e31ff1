package domain

// orderTransitions is the permitted order-status transition graph. Every
// store-layer mutation of Order.Status must consult CanTransition before
// writing, so that status never moves backward across the DAG.
var orderTransitions = map[OrderStatus]map[OrderStatus]bool{
	// An order waits in PENDING_PAYMENT through the whole hosted-checkout
	// window. The processor's webhook completes or fails it directly;
	// PAYMENT_PROCESSING is an optional intermediate some processor event
	// flows pass through, never a required hop.
	OrderStatusPendingPayment: {
		OrderStatusPaymentProcessing: true,
		OrderStatusPaymentCompleted:  true,
		OrderStatusPaymentFailed:     true,
		OrderStatusCancelled:         true,
	},
	OrderStatusPaymentProcessing: {
		OrderStatusPaymentCompleted: true,
		OrderStatusPaymentFailed:    true,
		// A hosted-checkout session can also expire unpaid once the buyer
		// has been handed a session to pay through.
		OrderStatusCancelled: true,
	},
	OrderStatusPaymentCompleted: {
		OrderStatusBlockchainPending: true,
	},
	OrderStatusBlockchainPending: {
		OrderStatusBlockchainProcessing: true,
	},
	OrderStatusBlockchainProcessing: {
		OrderStatusBlockchainConfirmed: true,
		OrderStatusBlockchainFailed:    true,
	},
	OrderStatusBlockchainConfirmed: {
		OrderStatusCompleted: true,
	},
	OrderStatusCompleted: {
		OrderStatusRefunded: true,
	},
	// BLOCKCHAIN_FAILED is retryable by operator action: a retry re-enters
	// the orchestrator on the same order, which moves it from
	// BLOCKCHAIN_FAILED back to BLOCKCHAIN_PENDING. PAYMENT_FAILED has no
	// outgoing edge (a failed payment requires a new Payment, not a status
	// transition).
	OrderStatusBlockchainFailed: {
		OrderStatusBlockchainPending: true,
	},
}

// CanTransition reports whether moving an order from "from" to "to" is a
// permitted lifecycle transition.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	allowed, ok := orderTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// checkout.session.completed / "same status" webhook replays must be
// no-ops rather than errors; callers distinguish "already there" from
// "illegal transition" using this helper alongside CanTransition.
func SameStatus(a, b OrderStatus) bool {
	return a == b
}
