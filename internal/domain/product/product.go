package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product or SKU does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item. Stock lives on the product itself unless the
// product defines SKUs, in which case each SKU carries its own stock.
type Product struct {
	ID            int64
	Name          string
	Description   string
	Price         decimal.Decimal
	OriginalPrice decimal.Decimal
	Stock         int
	SoldCount     int
	MainImageURL  string
	OnSale        bool
}

// SKU is a concrete sellable variant of a product. Attributes holds the
// variant's key/value combination as a JSON object string; use
// ParseAttributes to read it.
type SKU struct {
	ID            int64
	ProductID     int64
	Code          string
	Price         decimal.Decimal
	OriginalPrice decimal.Decimal
	Stock         int
	Attributes    string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Product, error)
	GetByIDs(ctx context.Context, ids []int64) ([]Product, error)
	GetSKU(ctx context.Context, id int64) (*SKU, error)
}
