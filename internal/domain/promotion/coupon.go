package promotion

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrCouponNotFound is returned when no coupon exists for a code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponUsed is returned when the coupon's one-shot flag is already set.
	ErrCouponUsed = errors.New("coupon already used")
	// ErrCouponExpired is returned when now is outside the coupon's window.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponNotOwned is returned when the coupon is bound to another user.
	ErrCouponNotOwned = errors.New("coupon belongs to another user")
)

// Coupon is a single-use instance issued from a coupon-type promotion.
// Once assigned, it belongs to exactly one user; the used transition is
// terminal.
type Coupon struct {
	ID             int64
	Code           string
	PromotionID    int64
	UserID         int64 // zero until assigned
	DiscountAmount decimal.Decimal
	MinOrderAmount decimal.Decimal
	StartTime      time.Time
	EndTime        time.Time
	Used           bool
	UsedTime       time.Time
}

// UsableBy reports whether the given user may redeem this coupon at now.
// The returned error names the first failing condition.
func (c *Coupon) UsableBy(userID int64, now time.Time) error {
	if c.Used {
		return ErrCouponUsed
	}
	if now.Before(c.StartTime) || now.After(c.EndTime) {
		return ErrCouponExpired
	}
	if c.UserID != 0 && c.UserID != userID {
		return ErrCouponNotOwned
	}
	return nil
}

// GenerateCoupons builds a batch of coupon instances for a coupon-type
// promotion. Codes embed a UUID suffix so batches never collide.
func GenerateCoupons(promotionID int64, count int, prefix string, amount, minOrder decimal.Decimal, from, until time.Time) []Coupon {
	coupons := make([]Coupon, 0, count)
	day := from.Format("20060102")
	for i := 0; i < count; i++ {
		code := fmt.Sprintf("%s_%d_%s_%s", prefix, promotionID, day, uuid.NewString()[:8])
		coupons = append(coupons, Coupon{
			Code:           code,
			PromotionID:    promotionID,
			DiscountAmount: amount,
			MinOrderAmount: minOrder,
			StartTime:      from,
			EndTime:        until,
		})
	}
	return coupons
}
