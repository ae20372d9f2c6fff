package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrValidation is matched by every input validation failure. Validation
	// happens before any I/O and is never retried.
	ErrValidation = errors.New("validation failed")
	// ErrEmptyItems is returned when an order is created without items.
	ErrEmptyItems = fmt.Errorf("%w: items required", ErrValidation)
	// ErrNotFound is returned by the write store for unknown order IDs.
	ErrNotFound = errors.New("order not found")
	// ErrVersionConflict is returned when a concurrent command changed the
	// order between read and write.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrUserNotFound is matched by UserNotFoundError.
	ErrUserNotFound = errors.New("user not found")
)

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID int64
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %d, got %d", e.ProductID, e.Quantity)
}

func (e *InvalidQuantityError) Is(target error) bool { return target == ErrValidation }

// InvalidPriceError indicates a line item has a non-positive unit price.
type InvalidPriceError struct {
	ProductID int64
	UnitPrice string
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("unit price must be greater than 0 for product %d, got %s", e.ProductID, e.UnitPrice)
}

func (e *InvalidPriceError) Is(target error) bool { return target == ErrValidation }

// InvalidStatusError indicates an unknown status name.
type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("unknown order status %q", e.Status)
}

func (e *InvalidStatusError) Is(target error) bool { return target == ErrValidation }

// InvalidTransitionError indicates a status change out of a terminal state.
type InvalidTransitionError struct {
	OrderID int64
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %d: cannot change status from terminal %s to %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrValidation }

// UserNotFoundError indicates the referenced user does not exist or could not
// be looked up.
type UserNotFoundError struct {
	UserID int64
	Err    error
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %d not found", e.UserID)
}

func (e *UserNotFoundError) Unwrap() error { return e.Err }

func (e *UserNotFoundError) Is(target error) bool { return target == ErrUserNotFound }

// OrderNotFoundError indicates a command referenced an unknown order.
type OrderNotFoundError struct {
	OrderID int64
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %d not found", e.OrderID)
}

func (e *OrderNotFoundError) Is(target error) bool { return target == ErrNotFound }
