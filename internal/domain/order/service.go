package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dengbanghan/shop-backend/internal/domain/product"
	"github.com/dengbanghan/shop-backend/internal/domain/promotion"
	"github.com/dengbanghan/shop-backend/internal/domain/user"
)

// CartPricer computes the discount stack for a cart. Implemented by
// promotion.Engine.
type CartPricer interface {
	PriceCart(ctx context.Context, items []promotion.CartItem, userID int64) (*promotion.PricedCart, error)
}

// PaymentEnqueuer schedules asynchronous payment processing for a freshly
// created order. Delivery is at-least-once; the payment orchestrator is
// idempotent against redelivery.
type PaymentEnqueuer interface {
	EnqueuePayment(ctx context.Context, orderID int64) error
}

// RefundWorkflow reverses a successful payment. Implemented by
// payment.RefundService. A nil amount means "everything still refundable".
type RefundWorkflow interface {
	Refund(ctx context.Context, orderID int64, amount *decimal.Decimal) error
}

// CartLine is one requested line at checkout.
type CartLine struct {
	ProductID int64
	SKUID     int64
	Quantity  int
}

// CreateOrderRequest carries everything needed to place an order.
type CreateOrderRequest struct {
	UserID          int64
	Lines           []CartLine
	ShippingAddress string
	ShippingFee     decimal.Decimal
	Method          PaymentMethod
	Note            string
	InvoiceNeeded   bool
	InvoiceTitle    string
	InvoiceContent  string
}

// Service owns the order state machine.
type Service struct {
	users    user.Repository
	products product.Repository
	pricer   CartPricer
	orders   Repository
	payments PaymentEnqueuer
	refunds  RefundWorkflow
	now      func() time.Time
}

// NewService wires the order Service. payments and refunds may be nil in
// contexts that never initiate payment (e.g. admin tooling).
func NewService(
	users user.Repository,
	products product.Repository,
	pricer CartPricer,
	orders Repository,
	payments PaymentEnqueuer,
	refunds RefundWorkflow,
) *Service {
	return &Service{
		users:    users,
		products: products,
		pricer:   pricer,
		orders:   orders,
		payments: payments,
		refunds:  refunds,
		now:      time.Now,
	}
}

// CreateOrder prices the cart, snapshots products into order items, and
// persists the order in one atomic unit with stock reservation and coupon
// consumption. On success the order is in Submitted and asynchronous payment
// processing is enqueued.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if len(req.Lines) == 0 {
		return nil, ErrInvalidCart
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, errors.Wrapf(ErrInvalidCart, "quantity %d for product %d", line.Quantity, line.ProductID)
		}
	}

	if _, err := s.users.GetByID(ctx, req.UserID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, user.ErrNotFound
		}
		return nil, errors.Wrap(err, "look up user")
	}

	items, cartItems, err := s.snapshotLines(ctx, req.Lines)
	if err != nil {
		return nil, err
	}

	priced, err := s.pricer.PriceCart(ctx, cartItems, req.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "price cart")
	}

	now := s.now()
	o := s.buildOrder(req, items, priced, now)

	if priced.Coupon != nil {
		if err := priced.Coupon.UsableBy(req.UserID, now); err != nil {
			return nil, err
		}
		o.CouponID = priced.Coupon.ID
	}

	entry := LogEntry{
		Action:    "create",
		ActorType: ActorUser,
		ActorID:   req.UserID,
		CreatedAt: now,
	}
	if err := s.orders.Create(ctx, o, entry); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	if s.payments != nil {
		// Failure to enqueue is not fatal: reconciliation picks up orders
		// stuck in Submitted.
		if err := s.payments.EnqueuePayment(ctx, o.ID); err != nil {
			zctx.From(ctx).Warn("enqueue payment failed",
				zap.Int64("order_id", o.ID),
				zap.String("order_no", o.OrderNo),
				zap.Error(err),
			)
		}
	}

	return o, nil
}

// Cancel cancels the order when it has not been paid, releasing reserved
// stock in the same atomic unit. The repository re-checks status at commit
// time, so a cancel racing a payment success loses cleanly with
// *IllegalTransitionError.
func (s *Service) Cancel(ctx context.Context, orderID, actorID int64) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.UserID != actorID {
		return ErrNotOwner
	}

	entry := LogEntry{
		OrderID:   orderID,
		Action:    "cancel",
		ActorType: ActorUser,
		ActorID:   actorID,
		CreatedAt: s.now(),
	}
	return s.orders.CancelAndRestock(ctx, orderID, Cancellable(), entry)
}

// RequestRefund validates the lifecycle transition and delegates the money
// movement to the refund workflow (full remaining amount).
func (s *Service) RequestRefund(ctx context.Context, orderID, actorID int64, reason string) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.UserID != actorID {
		return ErrNotOwner
	}
	if !statusIn(o.Status, Refundable()) {
		return &IllegalTransitionError{OrderID: orderID, From: o.Status, To: StatusRefunding}
	}

	if err := s.refunds.Refund(ctx, orderID, nil); err != nil {
		return errors.Wrap(err, "refund")
	}
	return nil
}

// StartFulfillment stages a paid order for shipping. Admin operation, run
// when the warehouse accepts the order.
func (s *Service) StartFulfillment(ctx context.Context, orderID, adminID int64) error {
	entry := LogEntry{
		OrderID:   orderID,
		Action:    "start_fulfillment",
		ActorType: ActorAdmin,
		ActorID:   adminID,
		CreatedAt: s.now(),
	}
	return s.orders.Transition(ctx, orderID, []Status{StatusPaid}, StatusPendingShipment, entry)
}

// Ship records carrier and tracking information and moves the order to
// Shipped. Admin operation; the order must have been staged with
// StartFulfillment first.
func (s *Service) Ship(ctx context.Context, orderID, adminID int64, company, trackingNo string) error {
	entry := LogEntry{
		OrderID:   orderID,
		Action:    "ship",
		ActorType: ActorAdmin,
		ActorID:   adminID,
		Note:      company + " " + trackingNo,
		CreatedAt: s.now(),
	}
	return s.orders.MarkShipped(ctx, orderID, company, trackingNo, entry)
}

// ConfirmReceipt marks the order Received on behalf of its owner.
func (s *Service) ConfirmReceipt(ctx context.Context, orderID, actorID int64) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.UserID != actorID {
		return ErrNotOwner
	}

	entry := LogEntry{
		OrderID:   orderID,
		Action:    "confirm_receipt",
		ActorType: ActorUser,
		ActorID:   actorID,
		CreatedAt: s.now(),
	}
	return s.orders.Transition(ctx, orderID, []Status{StatusShipped}, StatusReceived, entry)
}

// Complete finalizes a received order. System operation, typically run by a
// sweep some days after receipt.
func (s *Service) Complete(ctx context.Context, orderID int64) error {
	entry := LogEntry{
		OrderID:   orderID,
		Action:    "complete",
		ActorType: ActorSystem,
		CreatedAt: s.now(),
	}
	return s.orders.Transition(ctx, orderID, []Status{StatusReceived}, StatusCompleted, entry)
}

// snapshotLines loads products/SKUs and freezes their current name, image
// and price into order items.
func (s *Service) snapshotLines(ctx context.Context, lines []CartLine) ([]Item, []promotion.CartItem, error) {
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get products")
	}
	byID := make(map[int64]*product.Product, len(fetched))
	for i := range fetched {
		byID[fetched[i].ID] = &fetched[i]
	}

	items := make([]Item, 0, len(lines))
	cartItems := make([]promotion.CartItem, 0, len(lines))
	for _, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok || !p.OnSale {
			return nil, nil, errors.Wrapf(ErrInvalidCart, "product %d unavailable", l.ProductID)
		}

		price := p.Price
		originalPrice := p.OriginalPrice
		attrs := ""
		if l.SKUID != 0 {
			sku, err := s.products.GetSKU(ctx, l.SKUID)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "get sku %d", l.SKUID)
			}
			if sku.ProductID != l.ProductID {
				return nil, nil, errors.Wrapf(ErrInvalidCart, "sku %d does not belong to product %d", l.SKUID, l.ProductID)
			}
			// Attributes must parse strictly before they are snapshotted.
			if _, err := product.ParseAttributes(sku.Attributes); err != nil {
				return nil, nil, errors.Wrapf(err, "sku %d", l.SKUID)
			}
			price = sku.Price
			originalPrice = sku.OriginalPrice
			attrs = sku.Attributes
		}

		qty := decimal.NewFromInt(int64(l.Quantity))
		items = append(items, Item{
			ProductID:     l.ProductID,
			SKUID:         l.SKUID,
			ProductName:   p.Name,
			ProductImage:  p.MainImageURL,
			SKUAttributes: attrs,
			Price:         price,
			OriginalPrice: originalPrice,
			Quantity:      l.Quantity,
			TotalPrice:    price.Mul(qty),
		})
		cartItems = append(cartItems, promotion.CartItem{
			ProductID: l.ProductID,
			SKUID:     l.SKUID,
			UnitPrice: price,
			Quantity:  l.Quantity,
		})
	}
	return items, cartItems, nil
}

func (s *Service) buildOrder(req CreateOrderRequest, items []Item, priced *promotion.PricedCart, now time.Time) *Order {
	// Discounts never push the goods total below zero; the payable amount is
	// therefore always >= the shipping fee.
	discount := priced.DiscountAmount
	if discount.GreaterThan(priced.OriginalAmount) {
		discount = priced.OriginalAmount
	}

	fee := req.ShippingFee
	if fee.IsNegative() {
		fee = decimal.Zero
	}

	return &Order{
		OrderNo:         NewOrderNo(now),
		UserID:          req.UserID,
		TotalAmount:     priced.OriginalAmount,
		DiscountAmount:  discount,
		ShippingFee:     fee,
		PaymentAmount:   priced.OriginalAmount.Sub(discount).Add(fee),
		Status:          StatusSubmitted,
		PaymentMethod:   req.Method,
		ShippingAddress: req.ShippingAddress,
		Note:            req.Note,
		InvoiceNeeded:   req.InvoiceNeeded,
		InvoiceTitle:    req.InvoiceTitle,
		InvoiceContent:  req.InvoiceContent,
		Items:           items,
		CreatedAt:       now,
	}
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
