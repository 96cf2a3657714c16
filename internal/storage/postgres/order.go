package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dengbanghan/shop-backend/internal/domain/inventory"
	"github.com/dengbanghan/shop-backend/internal/domain/order"
	"github.com/dengbanghan/shop-backend/internal/domain/payment"
	"github.com/dengbanghan/shop-backend/internal/domain/promotion"
)

const (
	insertOrderSQL = `INSERT INTO orders (order_no, user_id, total_amount, payment_amount,
		discount_amount, shipping_fee, status, payment_method, coupon_id, shipping_address,
		note, invoice_needed, invoice_title, invoice_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, 0), $10, $11, $12, $13, $14, $15)
		RETURNING id`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, product_id, sku_id, product_name,
		product_image, sku_attributes, price, original_price, quantity, total_price)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7, $8, $9, $10)`

	insertOrderLogSQL = `INSERT INTO order_logs (order_id, action, operator_type, operator_id, note, created_at)
		VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6)`

	useCouponSQL = `UPDATE coupons SET is_used = TRUE, used_time = $2
		WHERE id = $1 AND NOT is_used`

	orderColumns = `id, order_no, user_id, total_amount, payment_amount, discount_amount,
		shipping_fee, status, COALESCE(payment_method, 0), COALESCE(payment_time, 'epoch'::timestamptz),
		COALESCE(payment_transaction_id, ''), COALESCE(coupon_id, 0), shipping_address,
		COALESCE(shipping_company, ''), COALESCE(shipping_number, ''),
		COALESCE(shipping_time, 'epoch'::timestamptz), COALESCE(receive_time, 'epoch'::timestamptz),
		COALESCE(note, ''), invoice_needed, COALESCE(invoice_title, ''),
		COALESCE(invoice_content, ''), created_at`

	getOrderSQL          = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderByNoSQL      = `SELECT ` + orderColumns + ` FROM orders WHERE order_no = $1`
	listOrdersByUserSQL  = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	getOrderStatusSQL    = `SELECT status FROM orders WHERE id = $1`
	lockOrderStatusSQL   = `SELECT status FROM orders WHERE id = $1 FOR UPDATE`
	getOrderChargeSQL    = `SELECT id, order_no, user_id, payment_amount, COALESCE(payment_method, 0), status FROM orders WHERE id = $1`
	getOrderItemsSQL     = `SELECT id, order_id, product_id, COALESCE(sku_id, 0), product_name,
		COALESCE(product_image, ''), COALESCE(sku_attributes, ''), price, COALESCE(original_price, 0),
		quantity, total_price, refund_status FROM order_items WHERE order_id = ANY($1) ORDER BY id`

	transitionOrderSQL = `UPDATE orders SET status = $2,
		receive_time = CASE WHEN $2 = $4 THEN $3 ELSE receive_time END
		WHERE id = $1 AND status = ANY($5)`

	markShippedSQL = `UPDATE orders SET status = $2, shipping_company = $3, shipping_number = $4,
		shipping_time = $5 WHERE id = $1 AND status = $6`

	closeOrderPaymentSQL = `UPDATE payments SET status = $2 WHERE order_id = $1 AND status = ANY($3)`
)

var (
	_ order.Repository    = (*OrderRepository)(nil)
	_ payment.OrderSource = (*OrderRepository)(nil)
)

// OrderRepository implements order.Repository backed by PostgreSQL. Every
// lifecycle write re-checks the current status inside the transaction, so
// racing transitions settle to exactly one winner.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order, items and audit entry, reserving stock and
// consuming the coupon in the same transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, entry order.LogEntry) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		lines, err := inventory.Merge(o.ReservationLines())
		if err != nil {
			return err
		}
		if err := reserveLines(ctx, tx, lines); err != nil {
			return err
		}

		if o.CouponID != 0 {
			tag, err := tx.Exec(ctx, useCouponSQL, o.CouponID, o.CreatedAt)
			if err != nil {
				return fmt.Errorf("consuming coupon %d: %w", o.CouponID, err)
			}
			if tag.RowsAffected() == 0 {
				return promotion.ErrCouponUsed
			}
		}

		err = tx.QueryRow(ctx, insertOrderSQL,
			o.OrderNo, o.UserID, o.TotalAmount, o.PaymentAmount, o.DiscountAmount,
			o.ShippingFee, o.Status, o.PaymentMethod, o.CouponID, o.ShippingAddress,
			o.Note, o.InvoiceNeeded, o.InvoiceTitle, o.InvoiceContent, o.CreatedAt,
		).Scan(&o.ID)
		if err != nil {
			return fmt.Errorf("creating order %q: %w", o.OrderNo, err)
		}

		for i := range o.Items {
			it := &o.Items[i]
			it.OrderID = o.ID
			err := tx.QueryRow(ctx, insertOrderItemSQL+` RETURNING id`,
				o.ID, it.ProductID, it.SKUID, it.ProductName, it.ProductImage,
				it.SKUAttributes, it.Price, it.OriginalPrice, it.Quantity, it.TotalPrice,
			).Scan(&it.ID)
			if err != nil {
				return fmt.Errorf("creating order item for product %d: %w", it.ProductID, err)
			}
		}

		return insertLog(ctx, tx, o.ID, entry)
	})
}

// Get loads an order with its items.
// Returns order.ErrNotFound when it does not exist.
func (r *OrderRepository) Get(ctx context.Context, id int64) (*order.Order, error) {
	return r.getBy(ctx, getOrderSQL, id)
}

// GetByOrderNo loads an order by its business number.
func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*order.Order, error) {
	return r.getBy(ctx, getOrderByNoSQL, orderNo)
}

func (r *OrderRepository) getBy(ctx context.Context, sql string, arg any) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}

	items, err := r.loadItems(ctx, []int64{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	return &o, nil
}

// Transition moves the order to target if its current status is in from,
// appending the audit entry in the same transaction. Receiving stamps the
// receive time.
func (r *OrderRepository) Transition(ctx context.Context, orderID int64, from []order.Status, to order.Status, entry order.LogEntry) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := transition(ctx, tx, orderID, from, to, entry.CreatedAt); err != nil {
			return err
		}
		return insertLog(ctx, tx, orderID, entry)
	})
}

// CancelAndRestock cancels the order and releases its reserved stock in one
// transaction. A concurrent payment success makes the status re-check fail
// and nothing is released.
func (r *OrderRepository) CancelAndRestock(ctx context.Context, orderID int64, from []order.Status, entry order.LogEntry) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Lock the row first so the release pairs with exactly one
		// successful cancel.
		var current order.Status
		if err := tx.QueryRow(ctx, lockOrderStatusSQL, orderID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrNotFound
			}
			return fmt.Errorf("locking order %d: %w", orderID, err)
		}

		if err := transition(ctx, tx, orderID, from, order.StatusCancelled, entry.CreatedAt); err != nil {
			return err
		}

		items, err := loadItemsTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		o := order.Order{ID: orderID, Items: items}
		if err := releaseLines(ctx, tx, o.ReservationLines()); err != nil {
			return err
		}

		// A pending payment attempt for this order can no longer complete.
		_, err = tx.Exec(ctx, closeOrderPaymentSQL, orderID, payment.StatusClosed,
			[]int16{int16(payment.StatusPending), int16(payment.StatusFailed)},
		)
		if err != nil {
			return fmt.Errorf("closing payment for order %d: %w", orderID, err)
		}

		return insertLog(ctx, tx, orderID, entry)
	})
}

// MarkShipped stamps carrier and tracking and moves the order to Shipped.
func (r *OrderRepository) MarkShipped(ctx context.Context, orderID int64, company, trackingNo string, entry order.LogEntry) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markShippedSQL,
			orderID, order.StatusShipped, company, trackingNo, entry.CreatedAt, order.StatusPendingShipment,
		)
		if err != nil {
			return fmt.Errorf("shipping order %d: %w", orderID, err)
		}
		if tag.RowsAffected() == 0 {
			return illegalOrMissing(ctx, tx, orderID, order.StatusShipped)
		}
		return insertLog(ctx, tx, orderID, entry)
	})
}

// ListByUser returns the user's orders, newest first, with items attached.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByUserSQL, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing orders for user %d: %w", userID, err)
	}

	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders for user %d: %w", userID, err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]int64, 0, len(orders))
	for i := range orders {
		ids = append(ids, orders[i].ID)
	}
	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

// ChargeInfo resolves the data the payment orchestrator needs for an order.
func (r *OrderRepository) ChargeInfo(ctx context.Context, orderID int64) (*payment.OrderCharge, error) {
	var (
		c      payment.OrderCharge
		status order.Status
	)
	err := r.pool.QueryRow(ctx, getOrderChargeSQL, orderID).Scan(
		&c.OrderID, &c.OrderNo, &c.UserID, &c.Amount, &c.Method, &status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting charge info for order %d: %w", orderID, err)
	}

	for _, s := range order.Payable() {
		if status == s {
			c.Payable = true
			break
		}
	}
	return &c, nil
}

func transition(ctx context.Context, tx pgx.Tx, orderID int64, from []order.Status, to order.Status, at time.Time) error {
	tag, err := tx.Exec(ctx, transitionOrderSQL,
		orderID, to, at, order.StatusReceived, statusValues(from),
	)
	if err != nil {
		return fmt.Errorf("transitioning order %d to %s: %w", orderID, to, err)
	}
	if tag.RowsAffected() == 0 {
		return illegalOrMissing(ctx, tx, orderID, to)
	}
	return nil
}

// illegalOrMissing distinguishes a lost status race from a missing order.
func illegalOrMissing(ctx context.Context, tx pgx.Tx, orderID int64, to order.Status) error {
	var current order.Status
	if err := tx.QueryRow(ctx, getOrderStatusSQL, orderID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrNotFound
		}
		return fmt.Errorf("checking order %d status: %w", orderID, err)
	}
	return &order.IllegalTransitionError{OrderID: orderID, From: current, To: to}
}

func insertLog(ctx context.Context, tx pgx.Tx, orderID int64, entry order.LogEntry) error {
	_, err := tx.Exec(ctx, insertOrderLogSQL,
		orderID, entry.Action, entry.ActorType, entry.ActorID, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending order log for order %d: %w", orderID, err)
	}
	return nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]order.Item, error) {
	rows, err := r.pool.Query(ctx, getOrderItemsSQL, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("loading order items: %w", err)
	}

	items, err := pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("loading order items: %w", err)
	}

	out := make(map[int64][]order.Item, len(orderIDs))
	for _, it := range items {
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, nil
}

func loadItemsTx(ctx context.Context, tx pgx.Tx, orderID int64) ([]order.Item, error) {
	rows, err := tx.Query(ctx, getOrderItemsSQL, []int64{orderID})
	if err != nil {
		return nil, fmt.Errorf("loading order items: %w", err)
	}

	items, err := pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("loading order items: %w", err)
	}
	return items, nil
}

func statusValues(statuses []order.Status) []int16 {
	out := make([]int16, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, int16(s))
	}
	return out
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var o order.Order
	err := row.Scan(
		&o.ID, &o.OrderNo, &o.UserID, &o.TotalAmount, &o.PaymentAmount, &o.DiscountAmount,
		&o.ShippingFee, &o.Status, &o.PaymentMethod, &o.PaymentTime,
		&o.TransactionID, &o.CouponID, &o.ShippingAddress,
		&o.ShippingCompany, &o.ShippingNumber,
		&o.ShippingTime, &o.ReceiveTime,
		&o.Note, &o.InvoiceNeeded, &o.InvoiceTitle,
		&o.InvoiceContent, &o.CreatedAt,
	)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var (
		it       order.Item
		quantity int32
	)
	err := row.Scan(
		&it.ID, &it.OrderID, &it.ProductID, &it.SKUID, &it.ProductName,
		&it.ProductImage, &it.SKUAttributes, &it.Price, &it.OriginalPrice,
		&quantity, &it.TotalPrice, &it.RefundStatus,
	)
	it.Quantity = int(quantity)
	return it, err
}
