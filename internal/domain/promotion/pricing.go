package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrEmptyCart is returned when pricing is requested for an empty cart.
var ErrEmptyCart = errors.New("cart is empty")

// CartItem is one cart line as seen by the pricing engine. UnitPrice is the
// current sell price of the product or SKU.
type CartItem struct {
	ProductID int64
	SKUID     int64
	UnitPrice decimal.Decimal
	Quantity  int
}

// DiscountKind labels where an applied discount came from.
type DiscountKind string

const (
	KindProductDiscount DiscountKind = "product_discount"
	KindFullReduction   DiscountKind = "full_reduction"
	KindCoupon          DiscountKind = "coupon"
)

// AppliedDiscount records one discount contribution for audit.
type AppliedDiscount struct {
	Kind        DiscountKind
	PromotionID int64
	CouponID    int64 // set only for KindCoupon
	ProductID   int64 // set only for KindProductDiscount
	Amount      decimal.Decimal
}

// PricedCart is the pricing result. FinalAmount is always
// max(0, OriginalAmount - DiscountAmount) and DiscountAmount is the sum of
// the Applied contributions.
type PricedCart struct {
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	Applied        []AppliedDiscount
	// Coupon is the coupon selected in tier 3, nil when none applied. Its
	// one-shot flag is NOT flipped here; consumption happens atomically with
	// order creation.
	Coupon *Coupon
}

// Engine computes stacked cart pricing.
//
// Stacking precedence is fixed: per-product discount rates first (every
// eligible line, first campaign per line by promotion id), then exactly one
// full-reduction campaign (first by id whose threshold the original amount
// meets), then at most one coupon (first of the user's valid coupons whose
// minimum fits the amount remaining after the first two tiers).
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates a pricing Engine backed by the given repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// PriceCart prices the cart for an optional user (userID zero = anonymous,
// tier 3 skipped).
func (e *Engine) PriceCart(ctx context.Context, items []CartItem, userID int64) (*PricedCart, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	now := e.now()

	original := decimal.Zero
	productIDs := make([]int64, 0, len(items))
	for _, item := range items {
		original = original.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		productIDs = append(productIDs, item.ProductID)
	}

	priced := &PricedCart{OriginalAmount: original, DiscountAmount: decimal.Zero}

	if err := e.applyProductDiscounts(ctx, priced, items, productIDs, now); err != nil {
		return nil, err
	}
	if err := e.applyFullReduction(ctx, priced, now); err != nil {
		return nil, err
	}
	if userID != 0 {
		if err := e.applyCoupon(ctx, priced, userID, now); err != nil {
			return nil, err
		}
	}

	priced.FinalAmount = original.Sub(priced.DiscountAmount)
	if priced.FinalAmount.IsNegative() {
		priced.FinalAmount = decimal.Zero
	}
	return priced, nil
}

// applyProductDiscounts applies tier 1: for each line whose product has an
// active discount campaign, the first campaign (by promotion id) applies.
// Lines are not mutually exclusive across products.
func (e *Engine) applyProductDiscounts(ctx context.Context, priced *PricedCart, items []CartItem, productIDs []int64, now time.Time) error {
	discounts, err := e.repo.ActiveDiscounts(ctx, productIDs, now)
	if err != nil {
		return errors.Wrap(err, "load discount promotions")
	}

	one := decimal.NewFromInt(1)
	for _, item := range items {
		promos := discounts[item.ProductID]
		if len(promos) == 0 {
			continue
		}
		promo := promos[0]
		line := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		amount := line.Mul(one.Sub(promo.DiscountRate)).Round(2)
		if !amount.IsPositive() {
			continue
		}
		priced.DiscountAmount = priced.DiscountAmount.Add(amount)
		priced.Applied = append(priced.Applied, AppliedDiscount{
			Kind:        KindProductDiscount,
			PromotionID: promo.ID,
			ProductID:   item.ProductID,
			Amount:      amount,
		})
	}
	return nil
}

// applyFullReduction applies tier 2: the first active full-reduction
// campaign whose threshold the original amount meets. Never more than one.
func (e *Engine) applyFullReduction(ctx context.Context, priced *PricedCart, now time.Time) error {
	promos, err := e.repo.ActiveFullReductions(ctx, now)
	if err != nil {
		return errors.Wrap(err, "load full-reduction promotions")
	}

	for _, promo := range promos {
		if priced.OriginalAmount.LessThan(promo.FullAmount) {
			continue
		}
		priced.DiscountAmount = priced.DiscountAmount.Add(promo.ReduceAmount)
		priced.Applied = append(priced.Applied, AppliedDiscount{
			Kind:        KindFullReduction,
			PromotionID: promo.ID,
			Amount:      promo.ReduceAmount,
		})
		return nil
	}
	return nil
}

// applyCoupon applies tier 3: the first of the user's valid coupons whose
// minimum order amount fits what remains after tiers 1 and 2. At most one.
func (e *Engine) applyCoupon(ctx context.Context, priced *PricedCart, userID int64, now time.Time) error {
	coupons, err := e.repo.ValidCoupons(ctx, userID, now)
	if err != nil {
		return errors.Wrap(err, "load user coupons")
	}

	remaining := priced.OriginalAmount.Sub(priced.DiscountAmount)
	for i := range coupons {
		c := coupons[i]
		if remaining.LessThan(c.MinOrderAmount) {
			continue
		}
		priced.DiscountAmount = priced.DiscountAmount.Add(c.DiscountAmount)
		priced.Applied = append(priced.Applied, AppliedDiscount{
			Kind:        KindCoupon,
			PromotionID: c.PromotionID,
			CouponID:    c.ID,
			Amount:      c.DiscountAmount,
		})
		priced.Coupon = &c
		return nil
	}
	return nil
}
