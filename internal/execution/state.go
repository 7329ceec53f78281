package execution

import (
	"fmt"
	"time"

	"spotguard/internal/core"
)

var allowedTransitions = map[core.OrderStatus][]core.OrderStatus{
	core.OrderPlanned:         {core.OrderSubmitted},
	core.OrderSubmitted:       {core.OrderAcked, core.OrderRejected, core.OrderUnknown},
	core.OrderAcked:           {core.OrderOpen, core.OrderPartiallyFilled, core.OrderFilled, core.OrderCanceled},
	core.OrderOpen:            {core.OrderPartiallyFilled, core.OrderFilled, core.OrderCanceled, core.OrderUnknown},
	core.OrderPartiallyFilled: {core.OrderFilled, core.OrderCanceled, core.OrderUnknown},
	core.OrderUnknown:         {core.OrderOpen, core.OrderFilled, core.OrderCanceled, core.OrderUnknownClosed},
}

// IsValidTransition reports whether the order state machine (spec.md
// §4.2) permits moving from `from` to `to`. Re-asserting the current
// status is always legal (idempotent persistence of an unchanged read).
func IsValidTransition(from, to core.OrderStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition reports an order state machine violation. The
// caller (engine) wraps this as an apperrors.IntegrityError and counts
// it — an illegal transition means either a bug or exchange-reported
// data that contradicts our own history, not a business outcome.
type ErrIllegalTransition struct {
	ClientOrderID string
	From, To      core.OrderStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal order transition %s -> %s for %s", e.From, e.To, e.ClientOrderID)
}

// Transition advances order.Status to to, validating the move first.
func Transition(order *core.Order, to core.OrderStatus, now time.Time) error {
	if !IsValidTransition(order.Status, to) {
		return &ErrIllegalTransition{ClientOrderID: order.ClientOrderID, From: order.Status, To: to}
	}
	order.Status = to
	order.UpdatedAt = now
	return nil
}
