// Package inventory implements stock reservation for order creation.
//
// A reservation is an atomic conditional decrement across every line of an
// order: either all lines are reserved or none are. Releasing is the exact
// compensating inverse and is driven by the order lifecycle (a cancelled
// order releases exactly once; release is never called for orders that were
// never reserved).
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for reservation input validation.
var (
	ErrNoLines = errors.New("reservation requires at least one line")
)

// InsufficientStockError identifies the first line that could not be
// reserved. No other line is decremented when this is returned.
type InsufficientStockError struct {
	ProductID int64
	SKUID     int64
	Requested int
}

func (e *InsufficientStockError) Error() string {
	if e.SKUID != 0 {
		return fmt.Sprintf("insufficient stock for sku %d (requested %d)", e.SKUID, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for product %d (requested %d)", e.ProductID, e.Requested)
}

// Line is a single (product or SKU, quantity) pair in a reservation.
// SKUID is zero for products sold without variants.
type Line struct {
	ProductID int64
	SKUID     int64
	Quantity  int
}

// Repository performs the conditional stock updates. Implementations must
// make Reserve all-or-nothing and each line's decrement a single atomic
// conditional update, never a read-then-write pair.
type Repository interface {
	Reserve(ctx context.Context, lines []Line) error
	Release(ctx context.Context, lines []Line) error
}

// Service validates reservation requests before handing them to the store.
type Service struct {
	repo Repository
}

// NewService creates an inventory Service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Reserve atomically decrements stock for every line. Lines for the same
// product or SKU are merged first so the conditional check sees the combined
// quantity.
func (s *Service) Reserve(ctx context.Context, lines []Line) error {
	merged, err := Merge(lines)
	if err != nil {
		return err
	}
	if err := s.repo.Reserve(ctx, merged); err != nil {
		return errors.Wrap(err, "reserve stock")
	}
	return nil
}

// Release restores stock for a previously successful reservation. Callers
// own reservation state: releasing the same reservation twice is a logic
// error upstream, not something this method silently tolerates.
func (s *Service) Release(ctx context.Context, lines []Line) error {
	merged, err := Merge(lines)
	if err != nil {
		return err
	}
	if err := s.repo.Release(ctx, merged); err != nil {
		return errors.Wrap(err, "release stock")
	}
	return nil
}

// Merge collapses duplicate product/SKU lines and validates quantities.
func Merge(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}

	type key struct {
		productID int64
		skuID     int64
	}
	index := make(map[key]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, errors.Errorf("invalid quantity %d for product %d", l.Quantity, l.ProductID)
		}
		k := key{l.ProductID, l.SKUID}
		if i, ok := index[k]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[k] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}
