// Package user describes the external user directory the order services
// depend on.
package user

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when the directory has no user with the given ID.
var ErrNotFound = errors.New("user not found")

// User is a directory profile.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Status    string `json:"status"`
}

// Directory looks up users by ID.
type Directory interface {
	GetUserByID(ctx context.Context, id int64) (*User, error)
}
