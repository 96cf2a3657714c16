// Package promotion implements campaign pricing: per-product discount rates,
// cart-level full-reduction promotions, and single-use coupons, stacked in a
// fixed precedence order.
package promotion

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the supported campaign kinds.
type Type int16

const (
	TypeDiscount      Type = 1 // percentage rate applied per eligible product line
	TypeFullReduction Type = 2 // fixed reduction once the cart reaches a threshold
	TypeCoupon        Type = 3 // template campaign that coupons are issued from
)

// Status is the stored campaign lifecycle marker. It is advisory only:
// validity is always derived from the active flag and the time window, since
// the stored value can lag behind the clock.
type Status int16

const (
	StatusNotStarted Status = 0
	StatusOngoing    Status = 1
	StatusEnded      Status = 2
	StatusDisabled   Status = 3
)

// Promotion is a time-boxed campaign. Exactly one of the type-specific field
// groups is meaningful, selected by Type.
type Promotion struct {
	ID          int64
	Name        string
	Description string
	Type        Type
	Status      Status
	StartTime   time.Time
	EndTime     time.Time
	Active      bool
	CreatedBy   int64

	// TypeDiscount: fraction of the price the customer pays, in (0, 1].
	// A rate of 0.8 means 20% off.
	DiscountRate decimal.Decimal

	// TypeFullReduction: reduce ReduceAmount once the cart original amount
	// reaches FullAmount.
	FullAmount   decimal.Decimal
	ReduceAmount decimal.Decimal
}

// ValidAt reports whether the campaign applies at the given instant. The
// stored Status column deliberately does not participate beyond the disabled
// marker; the window is authoritative.
func (p *Promotion) ValidAt(now time.Time) bool {
	if !p.Active || p.Status == StatusDisabled {
		return false
	}
	return !now.Before(p.StartTime) && !now.After(p.EndTime)
}

// DerivedStatus computes the lifecycle marker implied by the time window.
// Repositories refresh the stored column with this value opportunistically
// on read.
func (p *Promotion) DerivedStatus(now time.Time) Status {
	switch {
	case p.Status == StatusDisabled:
		return StatusDisabled
	case now.Before(p.StartTime):
		return StatusNotStarted
	case now.After(p.EndTime):
		return StatusEnded
	default:
		return StatusOngoing
	}
}

// Repository provides the promotion and coupon reads the pricing engine
// needs, plus coupon issuance. "Active" queries return only campaigns valid
// at the supplied instant, ordered by promotion id ascending.
type Repository interface {
	// ActiveDiscounts returns, per product id, the active discount-rate
	// promotions covering that product.
	ActiveDiscounts(ctx context.Context, productIDs []int64, now time.Time) (map[int64][]Promotion, error)
	// ActiveFullReductions returns all active full-reduction promotions.
	ActiveFullReductions(ctx context.Context, now time.Time) ([]Promotion, error)
	// ValidCoupons returns the user's unused coupons whose window covers now,
	// ordered by coupon id ascending.
	ValidCoupons(ctx context.Context, userID int64, now time.Time) ([]Coupon, error)
	// GetCouponByCode returns the coupon with the given code, used or not.
	GetCouponByCode(ctx context.Context, code string) (*Coupon, error)
	// CreateCoupons inserts a batch of issued coupons.
	CreateCoupons(ctx context.Context, coupons []Coupon) error
}
