package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundService returns money for successful payments. Partial refunds
// accumulate; the payment flips to Refunded once fully returned.
type RefundService struct {
	store   Store
	gateway Gateway
	now     func() time.Time
}

func NewRefundService(store Store, gateway Gateway) *RefundService {
	return &RefundService{store: store, gateway: gateway, now: time.Now}
}

// Refund returns amount to the buyer; a nil amount refunds everything still
// refundable. The ledger update is atomic with the order's move to Refunding.
func (s *RefundService) Refund(ctx context.Context, orderID int64, amount *decimal.Decimal) error {
	p, err := s.store.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if p.Status != StatusSuccess && p.Status != StatusRefunded {
		return errors.Wrapf(ErrNotPaid, "payment %s is %s", p.PaymentNo, p.Status)
	}

	refundable := p.Refundable()
	requested := refundable
	if amount != nil {
		requested = *amount
	}
	if requested.LessThanOrEqual(decimal.Zero) || requested.GreaterThan(refundable) {
		return errors.Wrapf(ErrRefundExceedsAvailable,
			"requested %s, refundable %s", requested, refundable)
	}

	res, err := s.gateway.Refund(ctx, RefundRequest{
		PaymentNo:     p.PaymentNo,
		TransactionID: p.TransactionID,
		Amount:        requested,
	})
	if err != nil {
		return errors.Wrapf(ErrGatewayIndeterminate, "refund %s", p.PaymentNo)
	}
	if !res.Success {
		return errors.Errorf("gateway rejected refund for %s", p.PaymentNo)
	}

	if err := s.store.ApplyRefund(ctx, p.PaymentNo, requested, res.RefundID, s.now()); err != nil {
		return errors.Wrap(err, "apply refund")
	}

	zctx.From(ctx).Info("refund applied",
		zap.String("payment_no", p.PaymentNo),
		zap.String("refund_id", res.RefundID),
		zap.String("amount", requested.String()),
	)
	return nil
}
