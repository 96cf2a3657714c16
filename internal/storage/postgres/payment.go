package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dengbanghan/shop-backend/internal/domain/order"
	"github.com/dengbanghan/shop-backend/internal/domain/payment"
)

const (
	insertPaymentSQL = `INSERT INTO payments (payment_no, order_id, user_id, method, amount, status, created_at)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7)
		RETURNING id`

	paymentColumns = `id, payment_no, order_id, COALESCE(user_id, 0), COALESCE(transaction_id, ''),
		method, amount, status, COALESCE(paid_time, 'epoch'::timestamptz), COALESCE(payment_info, ''),
		refund_amount, COALESCE(refund_id, ''), created_at`

	getPaymentByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1`
	getPaymentByNoSQL    = `SELECT ` + paymentColumns + ` FROM payments WHERE payment_no = $1`
	getPaymentStatusSQL  = `SELECT status FROM payments WHERE payment_no = $1`
	getPaymentOrderSQL   = `SELECT order_id FROM payments WHERE payment_no = $1`

	markSucceededSQL = `UPDATE payments SET status = $2, transaction_id = $3, paid_time = $4,
		payment_info = $5, callback_time = now(), callback_content = $5
		WHERE payment_no = $1 AND status = ANY($6)`

	markOrderPaidSQL = `UPDATE orders SET status = $2, payment_time = $3, payment_transaction_id = $4
		WHERE id = $1 AND status = ANY($5)`

	markFailedSQL = `UPDATE payments SET status = $2, payment_info = $3
		WHERE payment_no = $1 AND status = $4`

	markClosedSQL = `UPDATE payments SET status = $2
		WHERE payment_no = $1 AND status = ANY($3)`

	applyRefundSQL = `UPDATE payments SET refund_amount = refund_amount + $2, refund_id = $3,
		refund_time = $4,
		status = CASE WHEN refund_amount + $2 >= amount THEN $5 ELSE status END
		WHERE payment_no = $1 AND status = ANY($6) AND refund_amount + $2 <= amount
		RETURNING order_id, status`

	markOrderRefundingSQL = `UPDATE orders SET status = $2 WHERE id = $1 AND status = ANY($3)`

	markItemsRefundSQL = `UPDATE order_items SET refund_status = $2 WHERE order_id = $1`
)

var _ payment.Store = (*PaymentStore)(nil)

// PaymentStore implements payment.Store backed by PostgreSQL. Settlement and
// refund writes update the owning order in the same transaction.
type PaymentStore struct {
	pool *pgxpool.Pool
}

// NewPaymentStore returns a PaymentStore that uses the given pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// Create persists a new pending payment. The unique order_id constraint
// guarantees at most one payment row per order.
func (s *PaymentStore) Create(ctx context.Context, p *payment.Payment) error {
	err := s.pool.QueryRow(ctx, insertPaymentSQL,
		p.PaymentNo, p.OrderID, p.UserID, p.Method, p.Amount, p.Status, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("creating payment %q: %w", p.PaymentNo, err)
	}
	return nil
}

// GetByOrderID loads the payment for an order.
// Returns payment.ErrNotFound when none exists.
func (s *PaymentStore) GetByOrderID(ctx context.Context, orderID int64) (*payment.Payment, error) {
	return s.getBy(ctx, getPaymentByOrderSQL, orderID)
}

// GetByPaymentNo loads a payment by its business number.
func (s *PaymentStore) GetByPaymentNo(ctx context.Context, paymentNo string) (*payment.Payment, error) {
	return s.getBy(ctx, getPaymentByNoSQL, paymentNo)
}

func (s *PaymentStore) getBy(ctx context.Context, sql string, arg any) (*payment.Payment, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting payment: %w", err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	return &p, nil
}

// MarkSucceeded settles the payment and moves the order to Paid in one
// transaction. Late successes over a Failed payment are accepted; an already
// settled payment is left untouched and applied is false.
func (s *PaymentStore) MarkSucceeded(ctx context.Context, paymentNo, transactionID string, paidAt time.Time, rawInfo string) (bool, error) {
	var applied bool
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var orderID int64
		if err := tx.QueryRow(ctx, getPaymentOrderSQL, paymentNo).Scan(&orderID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return payment.ErrNotFound
			}
			return fmt.Errorf("looking up payment %q: %w", paymentNo, err)
		}

		// Lock ordering matches CancelAndRestock: the order row first, then
		// the payment row.
		var current order.Status
		if err := tx.QueryRow(ctx, lockOrderStatusSQL, orderID).Scan(&current); err != nil {
			return fmt.Errorf("locking order %d: %w", orderID, err)
		}

		tag, err := tx.Exec(ctx, markSucceededSQL,
			paymentNo, payment.StatusSuccess, transactionID, paidAt, rawInfo,
			[]int16{int16(payment.StatusPending), int16(payment.StatusFailed)},
		)
		if err != nil {
			return fmt.Errorf("settling payment %q: %w", paymentNo, err)
		}
		if tag.RowsAffected() == 0 {
			// Already settled or closed: keep the first settlement.
			return nil
		}
		applied = true

		_, err = tx.Exec(ctx, markOrderPaidSQL,
			orderID, order.StatusPaid, paidAt, transactionID, statusValues(order.Payable()),
		)
		if err != nil {
			return fmt.Errorf("marking order %d paid: %w", orderID, err)
		}

		entry := order.LogEntry{
			OrderID: orderID, Action: "pay",
			ActorType: order.ActorSystem,
			Note:      transactionID,
			CreatedAt: paidAt,
		}
		return insertLog(ctx, tx, orderID, entry)
	})
	return applied, err
}

// MarkFailed records a declined charge. Settled or closed payments are left
// untouched.
func (s *PaymentStore) MarkFailed(ctx context.Context, paymentNo, rawInfo string) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markFailedSQL,
			paymentNo, payment.StatusFailed, rawInfo, payment.StatusPending,
		)
		if err != nil {
			return fmt.Errorf("failing payment %q: %w", paymentNo, err)
		}
		if tag.RowsAffected() == 0 {
			return s.checkExists(ctx, tx, paymentNo)
		}
		return nil
	})
}

// MarkClosed closes a payment that can no longer complete.
func (s *PaymentStore) MarkClosed(ctx context.Context, paymentNo string) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markClosedSQL,
			paymentNo, payment.StatusClosed,
			[]int16{int16(payment.StatusPending), int16(payment.StatusFailed)},
		)
		if err != nil {
			return fmt.Errorf("closing payment %q: %w", paymentNo, err)
		}
		if tag.RowsAffected() == 0 {
			return s.checkExists(ctx, tx, paymentNo)
		}
		return nil
	})
}

// ApplyRefund accumulates the refunded amount, flips the payment to Refunded
// when fully returned, and moves the order to Refunding in the same
// transaction. The amount guard in the UPDATE makes over-refunds impossible
// even under concurrent requests.
func (s *PaymentStore) ApplyRefund(ctx context.Context, paymentNo string, amount decimal.Decimal, refundID string, at time.Time) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			orderID   int64
			newStatus payment.Status
		)
		err := tx.QueryRow(ctx, applyRefundSQL,
			paymentNo, amount, refundID, at, payment.StatusRefunded,
			[]int16{int16(payment.StatusSuccess), int16(payment.StatusRefunded)},
		).Scan(&orderID, &newStatus)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if checkErr := s.checkExists(ctx, tx, paymentNo); checkErr != nil {
					return checkErr
				}
				return errors.Wrapf(payment.ErrRefundExceedsAvailable, "payment %s", paymentNo)
			}
			return fmt.Errorf("refunding payment %q: %w", paymentNo, err)
		}

		_, err = tx.Exec(ctx, markOrderRefundingSQL,
			orderID, order.StatusRefunding, statusValues(order.Refundable()),
		)
		if err != nil {
			return fmt.Errorf("marking order %d refunding: %w", orderID, err)
		}

		itemStatus := order.RefundInProgress
		if newStatus == payment.StatusRefunded {
			itemStatus = order.RefundDone
		}
		if _, err := tx.Exec(ctx, markItemsRefundSQL, orderID, itemStatus); err != nil {
			return fmt.Errorf("marking order %d items refunded: %w", orderID, err)
		}

		entry := order.LogEntry{
			OrderID: orderID, Action: "refund",
			ActorType: order.ActorSystem,
			Note:      amount.StringFixed(2),
			CreatedAt: at,
		}
		return insertLog(ctx, tx, orderID, entry)
	})
}

// checkExists maps a zero-row compare-and-set onto ErrNotFound or a no-op.
func (s *PaymentStore) checkExists(ctx context.Context, tx pgx.Tx, paymentNo string) error {
	var status payment.Status
	if err := tx.QueryRow(ctx, getPaymentStatusSQL, paymentNo).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.ErrNotFound
		}
		return fmt.Errorf("checking payment %q: %w", paymentNo, err)
	}
	return nil
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var p payment.Payment
	err := row.Scan(
		&p.ID, &p.PaymentNo, &p.OrderID, &p.UserID, &p.TransactionID,
		&p.Method, &p.Amount, &p.Status, &p.PaidAt, &p.RawInfo,
		&p.RefundAmount, &p.RefundID, &p.CreatedAt,
	)
	return p, err
}
