package scheduler

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/dengbanghan/shop-backend/internal/domain/payment"
)

// RetryPolicy bounds redelivery of payment tasks. Attempts are counted from
// ones: attempt 1 is the first processing try.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy gives a task three tries a minute apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Minute}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeDrop
	outcomeAbandon
)

// decide maps a processing result onto the delivery outcome. Declines and
// indeterminate gateway results are retryable until attempts run out, at
// which point the payment is abandoned; anything conclusive is final.
func (p RetryPolicy) decide(err error, attempt int) outcome {
	switch {
	case err == nil:
		return outcomeDone
	case errors.Is(err, payment.ErrClosed),
		errors.Is(err, payment.ErrAlreadyPaid),
		errors.Is(err, payment.ErrNotFound):
		return outcomeDrop
	}
	if attempt >= p.MaxAttempts {
		return outcomeAbandon
	}
	return outcomeRetry
}
