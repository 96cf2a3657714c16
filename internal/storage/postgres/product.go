package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dengbanghan/shop-backend/internal/domain/product"
)

const (
	productColumns = `id, name, COALESCE(description, ''), price, COALESCE(original_price, 0),
		stock, sold_count, COALESCE(main_image_url, ''), status`

	getProductSQL  = `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	getProductsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	getSKUSQL = `SELECT id, product_id, sku_code, price, COALESCE(original_price, 0),
		stock, COALESCE(attributes, '')
		FROM product_skus WHERE id = $1`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID looks up a single product.
// Returns product.ErrNotFound when it does not exist.
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}
	return &p, nil
}

// GetByIDs loads the products for the given ids; missing ids are simply
// absent from the result.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products: %w", err)
	}

	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("getting products: %w", err)
	}
	return products, nil
}

// GetSKU looks up a single SKU.
// Returns product.ErrNotFound when it does not exist.
func (r *ProductRepository) GetSKU(ctx context.Context, id int64) (*product.SKU, error) {
	rows, err := r.pool.Query(ctx, getSKUSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting sku %d: %w", id, err)
	}

	sku, err := pgx.CollectExactlyOneRow(rows, scanSKU)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting sku %d: %w", id, err)
	}
	return &sku, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p         product.Product
		stock     int32
		soldCount int32
		status    int16
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Price, &p.OriginalPrice,
		&stock, &soldCount, &p.MainImageURL, &status,
	)
	p.Stock = int(stock)
	p.SoldCount = int(soldCount)
	p.OnSale = status == 1
	return p, err
}

func scanSKU(row pgx.CollectableRow) (product.SKU, error) {
	var (
		sku   product.SKU
		stock int32
	)
	err := row.Scan(
		&sku.ID, &sku.ProductID, &sku.Code, &sku.Price, &sku.OriginalPrice,
		&stock, &sku.Attributes,
	)
	sku.Stock = int(stock)
	return sku, err
}
