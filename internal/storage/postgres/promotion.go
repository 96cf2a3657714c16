package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dengbanghan/shop-backend/internal/domain/promotion"
)

const (
	promotionColumns = `p.id, p.name, COALESCE(p.description, ''), p.type, p.status,
		p.start_time, p.end_time, p.is_active, COALESCE(p.created_by, 0),
		COALESCE(p.discount_rate, 0), COALESCE(p.full_amount, 0), COALESCE(p.reduce_amount, 0)`

	activeDiscountsSQL = `SELECT pp.product_id, ` + promotionColumns + `
		FROM promotions p
		JOIN promotion_products pp ON pp.promotion_id = p.id
		WHERE p.type = $1 AND p.is_active AND p.start_time <= $2 AND p.end_time >= $2
			AND pp.product_id = ANY($3)
		ORDER BY p.id`

	activeFullReductionsSQL = `SELECT ` + promotionColumns + `
		FROM promotions p
		WHERE p.type = $1 AND p.is_active AND p.start_time <= $2 AND p.end_time >= $2
		ORDER BY p.id`

	couponColumns = `id, code, promotion_id, COALESCE(user_id, 0), discount_amount,
		min_order_amount, start_time, end_time, is_used, COALESCE(used_time, 'epoch'::timestamptz)`

	validCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE user_id = $1 AND NOT is_used AND start_time <= $2 AND end_time >= $2
		ORDER BY id`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`
)

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
// Validity is always evaluated against the active flag and time window, not
// the stored status column.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// ActiveDiscounts returns, per product id, the discount promotions covering
// that product at now, ordered by promotion id.
func (r *PromotionRepository) ActiveDiscounts(ctx context.Context, productIDs []int64, now time.Time) (map[int64][]promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, activeDiscountsSQL, promotion.TypeDiscount, now, productIDs)
	if err != nil {
		return nil, fmt.Errorf("listing discounts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]promotion.Promotion)
	for rows.Next() {
		var productID int64
		p, err := scanPromotionWith(rows, &productID)
		if err != nil {
			return nil, fmt.Errorf("listing discounts: %w", err)
		}
		out[productID] = append(out[productID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing discounts: %w", err)
	}
	return out, nil
}

// ActiveFullReductions returns full-reduction promotions valid at now,
// ordered by promotion id.
func (r *PromotionRepository) ActiveFullReductions(ctx context.Context, now time.Time) ([]promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, activeFullReductionsSQL, promotion.TypeFullReduction, now)
	if err != nil {
		return nil, fmt.Errorf("listing full reductions: %w", err)
	}

	promos, err := pgx.CollectRows(rows, scanPromotion)
	if err != nil {
		return nil, fmt.Errorf("listing full reductions: %w", err)
	}
	return promos, nil
}

// ValidCoupons returns the user's unused coupons whose window covers now.
func (r *PromotionRepository) ValidCoupons(ctx context.Context, userID int64, now time.Time) ([]promotion.Coupon, error) {
	rows, err := r.pool.Query(ctx, validCouponsSQL, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing coupons for user %d: %w", userID, err)
	}

	coupons, err := pgx.CollectRows(rows, scanCoupon)
	if err != nil {
		return nil, fmt.Errorf("listing coupons for user %d: %w", userID, err)
	}
	return coupons, nil
}

// GetCouponByCode returns the coupon with the given code, used or not.
// Returns promotion.ErrCouponNotFound when no such coupon exists.
func (r *PromotionRepository) GetCouponByCode(ctx context.Context, code string) (*promotion.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("getting coupon %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrCouponNotFound
		}
		return nil, fmt.Errorf("getting coupon %q: %w", code, err)
	}
	return &c, nil
}

// CreateCoupons bulk-inserts issued coupons with COPY.
func (r *PromotionRepository) CreateCoupons(ctx context.Context, coupons []promotion.Coupon) error {
	rows := make([][]any, 0, len(coupons))
	for _, c := range coupons {
		var userID *int64
		if c.UserID != 0 {
			userID = &c.UserID
		}
		rows = append(rows, []any{
			c.Code, c.PromotionID, userID, c.DiscountAmount, c.MinOrderAmount,
			c.StartTime, c.EndTime,
		})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"coupons"},
		[]string{"code", "promotion_id", "user_id", "discount_amount", "min_order_amount", "start_time", "end_time"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("inserting %d coupons: %w", len(coupons), err)
	}
	return nil
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	return scanPromotionWith(row)
}

func scanPromotionWith(row pgx.Row, extra ...any) (promotion.Promotion, error) {
	var p promotion.Promotion
	dest := append(append([]any{}, extra...),
		&p.ID, &p.Name, &p.Description, &p.Type, &p.Status,
		&p.StartTime, &p.EndTime, &p.Active, &p.CreatedBy,
		&p.DiscountRate, &p.FullAmount, &p.ReduceAmount,
	)
	err := row.Scan(dest...)
	return p, err
}

func scanCoupon(row pgx.CollectableRow) (promotion.Coupon, error) {
	var c promotion.Coupon
	err := row.Scan(
		&c.ID, &c.Code, &c.PromotionID, &c.UserID, &c.DiscountAmount,
		&c.MinOrderAmount, &c.StartTime, &c.EndTime, &c.Used, &c.UsedTime,
	)
	return c, err
}
