package promotion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCouponUsableBy(t *testing.T) {
	now := time.Now()
	base := Coupon{
		ID:        1,
		Code:      "WELCOME_1",
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}

	t.Run("unbound coupon usable by anyone", func(t *testing.T) {
		c := base
		require.NoError(t, c.UsableBy(42, now))
	})

	t.Run("used is terminal", func(t *testing.T) {
		c := base
		c.Used = true
		require.ErrorIs(t, c.UsableBy(42, now), ErrCouponUsed)
	})

	t.Run("outside window", func(t *testing.T) {
		c := base
		require.ErrorIs(t, c.UsableBy(42, now.Add(2*time.Hour)), ErrCouponExpired)
		require.ErrorIs(t, c.UsableBy(42, now.Add(-2*time.Hour)), ErrCouponExpired)
	})

	t.Run("bound to another user", func(t *testing.T) {
		c := base
		c.UserID = 7
		require.ErrorIs(t, c.UsableBy(42, now), ErrCouponNotOwned)
		require.NoError(t, c.UsableBy(7, now))
	})
}

func TestGenerateCoupons(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	until := from.AddDate(0, 1, 0)

	coupons := GenerateCoupons(5, 100, "AUG", dec("10.00"), dec("100.00"), from, until)
	require.Len(t, coupons, 100)

	seen := make(map[string]struct{}, len(coupons))
	for _, c := range coupons {
		assert.Contains(t, c.Code, "AUG_5_20260801_")
		assert.EqualValues(t, 5, c.PromotionID)
		assert.False(t, c.Used)
		_, dup := seen[c.Code]
		assert.False(t, dup, "duplicate code %s", c.Code)
		seen[c.Code] = struct{}{}
	}
}

func TestPromotionValidAt(t *testing.T) {
	now := time.Now()
	p := Promotion{
		Active:    true,
		Status:    StatusOngoing,
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}

	assert.True(t, p.ValidAt(now))

	// Validity is derived from the window, not the stored status: a stale
	// NotStarted marker does not matter once the window opens.
	stale := p
	stale.Status = StatusNotStarted
	assert.True(t, stale.ValidAt(now))

	disabled := p
	disabled.Status = StatusDisabled
	assert.False(t, disabled.ValidAt(now))

	inactive := p
	inactive.Active = false
	assert.False(t, inactive.ValidAt(now))

	assert.False(t, p.ValidAt(now.Add(2*time.Hour)))
	assert.Equal(t, StatusEnded, p.DerivedStatus(now.Add(2*time.Hour)))
	assert.Equal(t, StatusNotStarted, p.DerivedStatus(now.Add(-2*time.Hour)))
	assert.Equal(t, StatusOngoing, p.DerivedStatus(now))
}
