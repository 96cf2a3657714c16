// Package order owns the order aggregate and its lifecycle: creation from a
// priced cart with atomic stock reservation and coupon consumption,
// cancellation with compensating release, and the transitions toward
// completion or refund. Every transition appends an immutable audit entry.
package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/dengbanghan/shop-backend/internal/domain/inventory"
)

// Sentinel errors surfaced by order operations.
var (
	ErrNotFound    = errors.New("order not found")
	ErrInvalidCart = errors.New("cart is empty or invalid")
	ErrNotOwner    = errors.New("order belongs to another user")
)

// IllegalTransitionError reports a state-machine violation. No state is
// mutated when it is returned.
type IllegalTransitionError struct {
	OrderID int64
	From    Status
	To      Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order %d: illegal transition %s -> %s", e.OrderID, e.From, e.To)
}

// PaymentMethod enumerates supported payment channels.
type PaymentMethod int16

const (
	MethodWechat PaymentMethod = 1
	MethodAlipay PaymentMethod = 2
	MethodJDPay  PaymentMethod = 3
)

// Order is the order aggregate root. Monetary fields satisfy
// PaymentAmount = TotalAmount - DiscountAmount + ShippingFee, >= 0.
// ShippingAddress is a denormalized snapshot taken at checkout; later
// address-book edits never alter a placed order.
type Order struct {
	ID             int64
	OrderNo        string
	UserID         int64
	TotalAmount    decimal.Decimal
	PaymentAmount  decimal.Decimal
	DiscountAmount decimal.Decimal
	ShippingFee    decimal.Decimal
	Status         Status
	PaymentMethod  PaymentMethod
	PaymentTime    time.Time
	TransactionID  string
	CouponID       int64 // coupon consumed at checkout, zero when none

	ShippingAddress string
	ShippingCompany string
	ShippingNumber  string
	ShippingTime    time.Time
	ReceiveTime     time.Time

	Note           string
	InvoiceNeeded  bool
	InvoiceTitle   string
	InvoiceContent string

	Items     []Item
	CreatedAt time.Time
}

// Item is an order line: a snapshot of the product at order time, decoupled
// from the live catalog. Immutable except for RefundStatus.
type Item struct {
	ID            int64
	OrderID       int64
	ProductID     int64
	SKUID         int64
	ProductName   string
	ProductImage  string
	SKUAttributes string
	Price         decimal.Decimal
	OriginalPrice decimal.Decimal
	Quantity      int
	TotalPrice    decimal.Decimal
	RefundStatus  RefundStatus
}

// ReservationLines derives the stock lines this order holds.
func (o *Order) ReservationLines() []inventory.Line {
	lines := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, inventory.Line{ProductID: it.ProductID, SKUID: it.SKUID, Quantity: it.Quantity})
	}
	return lines
}

// ActorType identifies who performed an audited action.
type ActorType int16

const (
	ActorUser   ActorType = 1
	ActorAdmin  ActorType = 2
	ActorSystem ActorType = 3
)

// LogEntry is one append-only audit record. Entries are never rewritten.
type LogEntry struct {
	OrderID   int64
	Action    string
	ActorType ActorType
	ActorID   int64
	Note      string
	CreatedAt time.Time
}

// Repository is the ledger contract for the order aggregate. Multi-step
// operations are atomic: they either fully apply or leave no trace.
type Repository interface {
	// Create persists the order, its items, and the audit entry while
	// reserving stock for every line and consuming o.CouponID (when set)
	// with a compare-and-set on the coupon's one-shot flag, all in one
	// atomic unit. Fails with *inventory.InsufficientStockError or
	// promotion.ErrCouponUsed without partial effect.
	Create(ctx context.Context, o *Order, entry LogEntry) error
	Get(ctx context.Context, id int64) (*Order, error)
	GetByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	// Transition moves the order to target if its current status is in from,
	// appending the audit entry atomically. Returns
	// *IllegalTransitionError after re-checking status at commit time.
	Transition(ctx context.Context, orderID int64, from []Status, to Status, entry LogEntry) error
	// CancelAndRestock is Transition plus the compensating stock release for
	// every order item, in the same atomic unit.
	CancelAndRestock(ctx context.Context, orderID int64, from []Status, entry LogEntry) error
	// MarkShipped transitions PendingShipment -> Shipped and stamps carrier
	// and tracking number atomically.
	MarkShipped(ctx context.Context, orderID int64, company, trackingNo string, entry LogEntry) error
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]Order, error)
}

// NewOrderNo generates a collision-free business order number:
// timestamp second precision plus 6 random hex characters.
func NewOrderNo(now time.Time) string {
	return now.Format("20060102150405") + randomHex(6)
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	return hex.EncodeToString(buf)[:n]
}
