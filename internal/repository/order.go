package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orders-cqrs/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (user_id, total_amount, status, shipping_address, notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		RETURNING id`

	getOrderSQL = `SELECT id, user_id, total_amount, status, shipping_address, notes, version, created_at, updated_at
		FROM orders WHERE id = $1`

	getOrderItemsSQL = `SELECT product_id, product_name, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY position`

	updateOrderSQL = `UPDATE orders SET status = $2, updated_at = $3, version = version + 1
		WHERE id = $1 AND version = $4
		RETURNING version`

	deleteOrderSQL = `DELETE FROM orders WHERE id = $1 AND version = $2`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var orderItemColumns = []string{"order_id", "position", "product_id", "product_name", "quantity", "unit_price"}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order and its items in one transaction. Items are
// written with COPY.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) (rerr error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning order transaction: %w", err)
	}
	defer func() {
		if rerr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var id int64
	if err := tx.QueryRow(ctx, createOrderSQL,
		o.UserID, o.TotalAmount, string(o.Status), o.ShippingAddress, o.Notes, o.CreatedAt, o.UpdatedAt,
	).Scan(&id); err != nil {
		return fmt.Errorf("creating order for user %d: %w", o.UserID, err)
	}

	rows := make([][]any, 0, len(o.Items))
	for i, item := range o.Items {
		rows = append(rows, []any{id, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copying items of order %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing order %d: %w", id, err)
	}
	o.ID = id
	o.Version = 1
	return nil
}

// Get returns the order with its items.
func (r *OrderRepository) Get(ctx context.Context, id int64) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}

	rows, err = r.pool.Query(ctx, getOrderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting items of order %d: %w", id, err)
	}
	o.Items, err = pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("getting items of order %d: %w", id, err)
	}
	return &o, nil
}

// Update persists the new status when the stored version matches.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order, expectedVersion int64) error {
	var version int64
	err := r.pool.QueryRow(ctx, updateOrderSQL, o.ID, string(o.Status), o.UpdatedAt, expectedVersion).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missOrConflict(ctx, o.ID)
		}
		return fmt.Errorf("updating order %d: %w", o.ID, err)
	}
	o.Version = version
	return nil
}

// Delete removes the order when the stored version matches. Items are removed
// by cascade.
func (r *OrderRepository) Delete(ctx context.Context, id int64, expectedVersion int64) error {
	tag, err := r.pool.Exec(ctx, deleteOrderSQL, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("deleting order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict explains why a version-guarded statement matched no row.
func (r *OrderRepository) missOrConflict(ctx context.Context, id int64) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking order %d: %w", id, err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrVersionConflict
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.TotalAmount, &status, &o.ShippingAddress, &o.Notes,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.OrderItem, error) {
	var item order.OrderItem
	err := row.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice)
	return item, err
}
