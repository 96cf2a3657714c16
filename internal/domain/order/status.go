package order

import "fmt"

// Status is the order lifecycle state. Values match the persisted smallint
// column; transitions go through CanTransition, never raw comparisons.
type Status int16

const (
	StatusSubmitted       Status = 0
	StatusPendingPayment  Status = 1
	StatusPaid            Status = 2
	StatusPendingShipment Status = 3
	StatusShipped         Status = 4
	StatusReceived        Status = 5
	StatusRefunding       Status = 6
	StatusReturning       Status = 7
	StatusExchanging      Status = 8
	StatusCompleted       Status = 9
	StatusCancelled       Status = 10
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusPendingPayment:
		return "pending_payment"
	case StatusPaid:
		return "paid"
	case StatusPendingShipment:
		return "pending_shipment"
	case StatusShipped:
		return "shipped"
	case StatusReceived:
		return "received"
	case StatusRefunding:
		return "refunding"
	case StatusReturning:
		return "returning"
	case StatusExchanging:
		return "exchanging"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

// transitions is the closed transition table. A status absent from the map
// is terminal.
var transitions = map[Status][]Status{
	StatusSubmitted:       {StatusPendingPayment, StatusPaid, StatusCancelled},
	StatusPendingPayment:  {StatusPaid, StatusCancelled},
	StatusPaid:            {StatusPendingShipment, StatusRefunding},
	StatusPendingShipment: {StatusShipped, StatusRefunding},
	StatusShipped:         {StatusReceived, StatusRefunding, StatusReturning, StatusExchanging},
	StatusReceived:        {StatusCompleted, StatusRefunding, StatusReturning, StatusExchanging},
	StatusReturning:       {StatusRefunding},
	StatusExchanging:      {StatusShipped},
}

// CanTransition reports whether moving from s to target is legal.
func (s Status) CanTransition(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Cancellable lists the statuses from which cancellation is legal: the order
// must not have been paid yet.
func Cancellable() []Status {
	return []Status{StatusSubmitted, StatusPendingPayment}
}

// Refundable lists the statuses from which a refund request is legal.
func Refundable() []Status {
	return []Status{StatusPaid, StatusPendingShipment, StatusShipped, StatusReceived}
}

// Payable lists the statuses from which a successful payment may land.
func Payable() []Status {
	return []Status{StatusSubmitted, StatusPendingPayment}
}

// RefundStatus tracks per-item refund progress.
type RefundStatus int16

const (
	RefundNone       RefundStatus = 0
	RefundInProgress RefundStatus = 1
	RefundDone       RefundStatus = 2
)
