package payment

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refundFixture(t *testing.T, status Status, amount, refunded string) (*RefundService, *memStore) {
	t.Helper()
	store := newMemStore()
	require.NoError(t, store.Create(context.Background(), &Payment{
		PaymentNo:     "PY1",
		OrderID:       42,
		Amount:        decimal.RequireFromString(amount),
		RefundAmount:  decimal.RequireFromString(refunded),
		Status:        status,
		TransactionID: "TX1",
		PaidAt:        time.Now(),
	}))
	gw := &mockGateway{refundResult: &RefundResult{Success: true, RefundID: "RF1"}}
	return NewRefundService(store, gw), store
}

func TestRefund_FullByDefault(t *testing.T) {
	svc, store := refundFixture(t, StatusSuccess, "99.00", "0")

	require.NoError(t, svc.Refund(context.Background(), 42, nil))

	p := store.get("PY1")
	assert.True(t, p.RefundAmount.Equal(decimal.RequireFromString("99.00")))
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, "RF1", p.RefundID)
}

func TestRefund_PartialAccumulates(t *testing.T) {
	svc, store := refundFixture(t, StatusSuccess, "99.00", "0")

	part := decimal.RequireFromString("30.00")
	require.NoError(t, svc.Refund(context.Background(), 42, &part))

	p := store.get("PY1")
	assert.True(t, p.RefundAmount.Equal(part))
	assert.Equal(t, StatusSuccess, p.Status, "partially refunded payment stays Success")

	// Refunding the remainder flips the payment to Refunded.
	require.NoError(t, svc.Refund(context.Background(), 42, nil))
	p = store.get("PY1")
	assert.True(t, p.RefundAmount.Equal(decimal.RequireFromString("99.00")))
	assert.Equal(t, StatusRefunded, p.Status)
}

func TestRefund_ExceedsRefundable(t *testing.T) {
	svc, store := refundFixture(t, StatusSuccess, "99.00", "90.00")

	over := decimal.RequireFromString("10.00")
	err := svc.Refund(context.Background(), 42, &over)
	require.ErrorIs(t, err, ErrRefundExceedsAvailable)

	p := store.get("PY1")
	assert.True(t, p.RefundAmount.Equal(decimal.RequireFromString("90.00")))
}

func TestRefund_NothingLeft(t *testing.T) {
	svc, _ := refundFixture(t, StatusRefunded, "99.00", "99.00")

	err := svc.Refund(context.Background(), 42, nil)
	require.ErrorIs(t, err, ErrRefundExceedsAvailable)
}

func TestRefund_NotPaid(t *testing.T) {
	svc, _ := refundFixture(t, StatusPending, "99.00", "0")

	err := svc.Refund(context.Background(), 42, nil)
	require.ErrorIs(t, err, ErrNotPaid)
}

func TestRefund_GatewayUnreachable(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Create(context.Background(), &Payment{
		PaymentNo: "PY1", OrderID: 42,
		Amount: decimal.RequireFromString("99.00"),
		Status: StatusSuccess,
	}))
	gw := &mockGateway{refundErr: errors.New("connection refused")}
	svc := NewRefundService(store, gw)

	err := svc.Refund(context.Background(), 42, nil)
	require.ErrorIs(t, err, ErrGatewayIndeterminate)

	p := store.get("PY1")
	assert.True(t, p.RefundAmount.IsZero(), "no ledger change on transport failure")
}
