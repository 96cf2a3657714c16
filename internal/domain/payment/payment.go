package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no payment exists for a lookup key.
	ErrNotFound = errors.New("payment not found")
	// ErrAlreadyPaid is returned when an operation expects a pending payment
	// but the payment has already succeeded.
	ErrAlreadyPaid = errors.New("payment already succeeded")
	// ErrNotPaid is returned by refund operations on a payment that never
	// succeeded.
	ErrNotPaid = errors.New("payment has not succeeded")
	// ErrClosed is returned when the payment was closed before completion,
	// typically because the order was cancelled.
	ErrClosed = errors.New("payment closed")
	// ErrInvalidCallback is returned when a gateway callback fails
	// signature verification or references no known payment.
	ErrInvalidCallback = errors.New("invalid gateway callback")
	// ErrGatewayIndeterminate is returned when the gateway call timed out
	// or failed in transit: the charge may or may not have happened, so the
	// payment stays pending until a callback or retry resolves it.
	ErrGatewayIndeterminate = errors.New("gateway outcome unknown")
	// ErrRefundExceedsAvailable is returned when a requested refund is
	// larger than the amount still refundable on the payment.
	ErrRefundExceedsAvailable = errors.New("refund exceeds refundable amount")
)

// Status is the payment lifecycle state, persisted as a smallint.
type Status int16

const (
	StatusPending  Status = 0
	StatusSuccess  Status = 1
	StatusFailed   Status = 2
	StatusRefunded Status = 3
	StatusClosed   Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusRefunded:
		return "refunded"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int16(s))
	}
}

// DeclinedError carries the gateway's reason for a declined charge.
type DeclinedError struct {
	PaymentNo string
	Reason    string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment %s declined: %s", e.PaymentNo, e.Reason)
}

// Payment tracks one charge attempt chain for an order. There is exactly one
// payment row per order; retries reuse it.
type Payment struct {
	ID            int64
	PaymentNo     string
	OrderID       int64
	UserID        int64
	Amount        decimal.Decimal
	RefundAmount  decimal.Decimal
	Method        int16
	Status        Status
	TransactionID string // gateway-side id, set on success
	RefundID      string // gateway-side id of the latest refund
	RawInfo       string // last raw gateway response or callback body
	PaidAt        time.Time
	CreatedAt     time.Time
}

// Refundable is the amount not yet returned to the buyer.
func (p *Payment) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundAmount)
}

// Store persists payments. Mark* methods are compare-and-set on status so
// that concurrent callbacks, retries and refunds resolve to exactly one
// outcome; implementations run them and any coupled order update in a single
// transaction.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	GetByOrderID(ctx context.Context, orderID int64) (*Payment, error)
	GetByPaymentNo(ctx context.Context, paymentNo string) (*Payment, error)

	// MarkSucceeded flips Pending (or Failed, for late success callbacks)
	// to Success and moves the order to Paid. applied is false when the
	// payment had already succeeded; the stored transaction id and paid
	// time are left untouched in that case.
	MarkSucceeded(ctx context.Context, paymentNo, transactionID string, paidAt time.Time, rawInfo string) (applied bool, err error)

	// MarkFailed flips Pending to Failed, recording the gateway response.
	MarkFailed(ctx context.Context, paymentNo, rawInfo string) error

	// MarkClosed flips Pending or Failed to Closed. Used when the order is
	// cancelled before payment completes.
	MarkClosed(ctx context.Context, paymentNo string) error

	// ApplyRefund adds amount to the refunded total, records the gateway
	// refund id, flips the payment to Refunded once fully refunded, and
	// moves the order to Refunding.
	ApplyRefund(ctx context.Context, paymentNo string, amount decimal.Decimal, refundID string, at time.Time) error
}

// NewPaymentNo builds a unique payment number: a PY prefix, the creation
// instant in unix milliseconds, and 6 random hex characters.
func NewPaymentNo(now time.Time) string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	return fmt.Sprintf("PY%d%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}
