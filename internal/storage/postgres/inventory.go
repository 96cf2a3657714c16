package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dengbanghan/shop-backend/internal/domain/inventory"
)

const (
	// Conditional updates keep the stock CHECK from ever being hit: a
	// reservation that would overdraw simply matches zero rows.
	reserveProductSQL = `UPDATE products SET stock = stock - $2, sold_count = sold_count + $2
		WHERE id = $1 AND stock >= $2`
	reserveSKUSQL = `UPDATE product_skus SET stock = stock - $2, sold_count = sold_count + $2
		WHERE id = $1 AND stock >= $2`
	bumpProductSoldSQL = `UPDATE products SET sold_count = sold_count + $2 WHERE id = $1`

	releaseProductSQL = `UPDATE products SET stock = stock + $2, sold_count = sold_count - $2
		WHERE id = $1`
	releaseSKUSQL = `UPDATE product_skus SET stock = stock + $2, sold_count = sold_count - $2
		WHERE id = $1`
	dropProductSoldSQL = `UPDATE products SET sold_count = sold_count - $2 WHERE id = $1`
)

var _ inventory.Repository = (*InventoryRepository)(nil)

// InventoryRepository implements inventory.Repository backed by PostgreSQL.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

// NewInventoryRepository returns an InventoryRepository that uses the given pool.
func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

// Reserve takes stock for every line in one transaction; any shortage rolls
// the whole reservation back.
func (r *InventoryRepository) Reserve(ctx context.Context, lines []inventory.Line) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		return reserveLines(ctx, tx, lines)
	})
}

// Release returns previously reserved stock.
func (r *InventoryRepository) Release(ctx context.Context, lines []inventory.Line) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		return releaseLines(ctx, tx, lines)
	})
}

// reserveLines decrements stock inside tx. SKU lines draw from the SKU's own
// stock and only bump the parent product's sold counter.
func reserveLines(ctx context.Context, tx pgx.Tx, lines []inventory.Line) error {
	for _, l := range lines {
		if l.SKUID != 0 {
			tag, err := tx.Exec(ctx, reserveSKUSQL, l.SKUID, l.Quantity)
			if err != nil {
				return fmt.Errorf("reserving sku %d: %w", l.SKUID, err)
			}
			if tag.RowsAffected() == 0 {
				return &inventory.InsufficientStockError{
					ProductID: l.ProductID, SKUID: l.SKUID, Requested: l.Quantity,
				}
			}
			if _, err := tx.Exec(ctx, bumpProductSoldSQL, l.ProductID, l.Quantity); err != nil {
				return fmt.Errorf("updating sold count for product %d: %w", l.ProductID, err)
			}
			continue
		}

		tag, err := tx.Exec(ctx, reserveProductSQL, l.ProductID, l.Quantity)
		if err != nil {
			return fmt.Errorf("reserving product %d: %w", l.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return &inventory.InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity}
		}
	}
	return nil
}

// releaseLines undoes reserveLines inside tx.
func releaseLines(ctx context.Context, tx pgx.Tx, lines []inventory.Line) error {
	for _, l := range lines {
		if l.SKUID != 0 {
			if _, err := tx.Exec(ctx, releaseSKUSQL, l.SKUID, l.Quantity); err != nil {
				return fmt.Errorf("releasing sku %d: %w", l.SKUID, err)
			}
			if _, err := tx.Exec(ctx, dropProductSoldSQL, l.ProductID, l.Quantity); err != nil {
				return fmt.Errorf("updating sold count for product %d: %w", l.ProductID, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, releaseProductSQL, l.ProductID, l.Quantity); err != nil {
			return fmt.Errorf("releasing product %d: %w", l.ProductID, err)
		}
	}
	return nil
}
