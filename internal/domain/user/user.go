// Package user holds the minimal user contract the order core depends on.
// Account management itself belongs to the surrounding system.
package user

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when the referenced user does not exist.
var ErrNotFound = errors.New("user not found")

// User identifies an order owner.
type User struct {
	ID       int64
	Username string
}

// Repository defines the user lookups the core needs.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
}
