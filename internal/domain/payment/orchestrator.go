package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// OrderCharge is the order-side data needed to build a charge.
type OrderCharge struct {
	OrderID int64
	OrderNo string
	UserID  int64
	Amount  decimal.Decimal
	Method  int16
	Payable bool // still awaiting payment
}

// OrderSource resolves charge data for an order. Implemented by the order
// storage layer.
type OrderSource interface {
	ChargeInfo(ctx context.Context, orderID int64) (*OrderCharge, error)
}

// Orchestrator drives payments through the gateway. Processing is idempotent
// under at-least-once delivery and safe under concurrent redelivery: a
// singleflight group collapses simultaneous attempts for one payment number,
// and all status writes are compare-and-set in the Store.
type Orchestrator struct {
	store     Store
	gateway   Gateway
	orders    OrderSource
	notifyURL string
	timeout   time.Duration
	inflight  singleflight.Group
	now       func() time.Time
}

func NewOrchestrator(store Store, gateway Gateway, orders OrderSource, notifyURL string, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		store:     store,
		gateway:   gateway,
		orders:    orders,
		notifyURL: notifyURL,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Process charges the payment for an order, creating the payment record on
// first attempt. Returns nil when the payment already succeeded, ErrClosed
// when it was closed, *DeclinedError when the gateway declined, and
// ErrGatewayIndeterminate when the outcome is unknown.
func (o *Orchestrator) Process(ctx context.Context, orderID int64) error {
	p, err := o.Initiate(ctx, orderID)
	if err != nil {
		// An already settled payment is a successful outcome for a retried
		// processing task.
		if errors.Is(err, ErrAlreadyPaid) {
			return nil
		}
		return err
	}

	if p.Status == StatusClosed {
		return ErrClosed
	}

	// Redeliveries of the same payment share a single gateway call.
	_, err, _ = o.inflight.Do(p.PaymentNo, func() (any, error) {
		return nil, o.charge(ctx, p)
	})
	return err
}

// Initiate resolves the payment for an order, creating the record on first
// call. Idempotent per order: repeated calls return the same payment. When
// the payment is already settled the payment is returned together with
// ErrAlreadyPaid so callers short-circuit instead of charging again.
func (o *Orchestrator) Initiate(ctx context.Context, orderID int64) (*Payment, error) {
	p, err := o.resolvePayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusSuccess, StatusRefunded:
		return p, ErrAlreadyPaid
	}
	return p, nil
}

func (o *Orchestrator) resolvePayment(ctx context.Context, orderID int64) (*Payment, error) {
	p, err := o.store.GetByOrderID(ctx, orderID)
	switch {
	case err == nil:
		return p, nil
	case !errors.Is(err, ErrNotFound):
		return nil, errors.Wrap(err, "get payment")
	}

	info, err := o.orders.ChargeInfo(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "charge info")
	}
	if !info.Payable {
		return nil, ErrClosed
	}

	p = &Payment{
		PaymentNo: NewPaymentNo(o.now()),
		OrderID:   info.OrderID,
		UserID:    info.UserID,
		Amount:    info.Amount,
		Method:    info.Method,
		Status:    StatusPending,
		CreatedAt: o.now(),
	}
	if err := o.store.Create(ctx, p); err != nil {
		// A concurrent attempt created it first; the unique order_id
		// constraint guarantees a single row.
		existing, getErr := o.store.GetByOrderID(ctx, orderID)
		if getErr != nil {
			return nil, errors.Wrap(err, "create payment")
		}
		return existing, nil
	}
	return p, nil
}

func (o *Orchestrator) charge(ctx context.Context, p *Payment) error {
	chargeCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		chargeCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	res, err := o.gateway.Charge(chargeCtx, ChargeRequest{
		PaymentNo: p.PaymentNo,
		Amount:    p.Amount,
		NotifyURL: o.notifyURL,
	})
	if err != nil {
		// Transport failure or timeout: the charge may have gone through,
		// so the payment stays pending until a callback or retry settles it.
		zctx.From(ctx).Warn("gateway charge unresolved",
			zap.String("payment_no", p.PaymentNo),
			zap.Error(err),
		)
		return errors.Wrapf(ErrGatewayIndeterminate, "charge %s", p.PaymentNo)
	}

	if !res.Success {
		if err := o.store.MarkFailed(ctx, p.PaymentNo, res.Raw); err != nil {
			return errors.Wrap(err, "mark failed")
		}
		return &DeclinedError{PaymentNo: p.PaymentNo, Reason: res.FailReason}
	}

	applied, err := o.store.MarkSucceeded(ctx, p.PaymentNo, res.TransactionID, o.now(), res.Raw)
	if err != nil {
		return errors.Wrap(err, "mark succeeded")
	}
	if !applied {
		zctx.From(ctx).Info("payment already settled",
			zap.String("payment_no", p.PaymentNo),
		)
	}
	return nil
}

// QueryStatus reconciles a payment whose outcome is unknown by asking the
// gateway for its authoritative state. Settled payments are returned as-is
// without a gateway round trip.
func (o *Orchestrator) QueryStatus(ctx context.Context, orderID int64) (Status, error) {
	p, err := o.store.GetByOrderID(ctx, orderID)
	if err != nil {
		return 0, errors.Wrap(err, "get payment")
	}
	if p.Status != StatusPending {
		return p.Status, nil
	}

	queryCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	res, err := o.gateway.Query(queryCtx, QueryRequest{
		PaymentNo: p.PaymentNo,
		Amount:    p.Amount,
	})
	if err != nil {
		return StatusPending, errors.Wrapf(ErrGatewayIndeterminate, "query %s", p.PaymentNo)
	}
	if !res.Settled {
		return StatusPending, nil
	}

	if !res.Success {
		if err := o.store.MarkFailed(ctx, p.PaymentNo, res.Raw); err != nil {
			return StatusPending, errors.Wrap(err, "mark failed")
		}
		return StatusFailed, nil
	}

	paidAt := res.PaidAt
	if paidAt.IsZero() {
		paidAt = o.now()
	}
	if _, err := o.store.MarkSucceeded(ctx, p.PaymentNo, res.TransactionID, paidAt, res.Raw); err != nil {
		return StatusPending, errors.Wrap(err, "mark succeeded")
	}
	return StatusSuccess, nil
}

// Abandon parks a still-pending payment as Failed once retries are
// exhausted. A payment that settled in the meantime is left untouched.
func (o *Orchestrator) Abandon(ctx context.Context, orderID int64) error {
	p, err := o.store.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "get payment")
	}
	if p.Status != StatusPending {
		return nil
	}
	if err := o.store.MarkFailed(ctx, p.PaymentNo, "retry attempts exhausted"); err != nil {
		return errors.Wrap(err, "mark failed")
	}
	zctx.From(ctx).Warn("payment abandoned after retries",
		zap.String("payment_no", p.PaymentNo),
		zap.Int64("order_id", orderID),
	)
	return nil
}

// HandleCallback settles a payment from a verified gateway notification.
// Redelivered callbacks are acknowledged without touching the stored
// transaction id or paid time.
func (o *Orchestrator) HandleCallback(ctx context.Context, params map[string]string) error {
	event, err := o.gateway.VerifyCallback(params)
	if err != nil {
		return errors.Wrap(ErrInvalidCallback, err.Error())
	}

	if !event.Succeeded {
		if err := o.store.MarkFailed(ctx, event.PaymentNo, event.Raw); err != nil {
			if errors.Is(err, ErrNotFound) {
				return errors.Wrapf(ErrInvalidCallback, "unknown payment %s", event.PaymentNo)
			}
			return errors.Wrap(err, "mark failed")
		}
		return nil
	}

	paidAt := event.PaidAt
	if paidAt.IsZero() {
		paidAt = o.now()
	}
	applied, err := o.store.MarkSucceeded(ctx, event.PaymentNo, event.TransactionID, paidAt, event.Raw)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.Wrapf(ErrInvalidCallback, "unknown payment %s", event.PaymentNo)
		}
		return errors.Wrap(err, "mark succeeded")
	}
	if !applied {
		zctx.From(ctx).Info("duplicate payment callback",
			zap.String("payment_no", event.PaymentNo),
			zap.String("transaction_id", event.TransactionID),
		)
	}
	return nil
}
