package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
)

const readModelColumns = `id, user_id, total_amount, status, shipping_address, notes, created_at, updated_at,
		is_deleted, user_username, user_email, items_count, version`

const (
	getReadModelSQL = `SELECT ` + readModelColumns + ` FROM order_read_models WHERE id = $1`

	insertReadModelSQL = `INSERT INTO order_read_models (` + readModelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`

	replaceReadModelSQL = `INSERT INTO order_read_models (` + readModelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			total_amount = EXCLUDED.total_amount,
			status = EXCLUDED.status,
			shipping_address = EXCLUDED.shipping_address,
			notes = EXCLUDED.notes,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			is_deleted = EXCLUDED.is_deleted,
			user_username = EXCLUDED.user_username,
			user_email = EXCLUDED.user_email,
			items_count = EXCLUDED.items_count,
			version = EXCLUDED.version`

	applyReadModelSQL = `UPDATE order_read_models
		SET status = $2, is_deleted = $3, updated_at = $4, version = $5
		WHERE id = $1 AND (($6 = 0 AND updated_at <= $4) OR ($6 <> 0 AND version < $6))`

	parkEventSQL = `INSERT INTO order_parked_events (event_id, order_id, version, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`

	listParkedSQL = `SELECT event_id::text, order_id, version, payload
		FROM order_parked_events WHERE order_id = $1 ORDER BY version, parked_at`

	dropParkedSQL = `DELETE FROM order_parked_events WHERE event_id = ANY($1::uuid[])`
)

var _ readmodel.Repository = (*ReadModelRepository)(nil)

// ReadModelRepository implements readmodel.Repository backed by PostgreSQL.
type ReadModelRepository struct {
	pool *pgxpool.Pool
}

// NewReadModelRepository returns a ReadModelRepository that uses the given pool.
func NewReadModelRepository(pool *pgxpool.Pool) *ReadModelRepository {
	return &ReadModelRepository{pool: pool}
}

// Get returns the row for id, including deleted rows.
func (r *ReadModelRepository) Get(ctx context.Context, id int64) (*readmodel.Order, error) {
	rows, err := r.pool.Query(ctx, getReadModelSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting read model %d: %w", id, err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, scanReadModel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, readmodel.ErrNotFound
		}
		return nil, fmt.Errorf("getting read model %d: %w", id, err)
	}
	return &row, nil
}

// Insert stores a new row unless one already exists.
func (r *ReadModelRepository) Insert(ctx context.Context, row *readmodel.Order) (bool, error) {
	tag, err := r.pool.Exec(ctx, insertReadModelSQL, readModelArgs(row)...)
	if err != nil {
		return false, fmt.Errorf("inserting read model %d: %w", row.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Apply stores the mutable fields of row when eventVersion is newer, or for
// unversioned events when row is not older than the stored row.
func (r *ReadModelRepository) Apply(ctx context.Context, row *readmodel.Order, eventVersion int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, applyReadModelSQL,
		row.ID, string(row.Status), row.IsDeleted, row.UpdatedAt, row.Version, eventVersion,
	)
	if err != nil {
		return false, fmt.Errorf("applying to read model %d: %w", row.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Replace upserts row.
func (r *ReadModelRepository) Replace(ctx context.Context, row *readmodel.Order) error {
	if _, err := r.pool.Exec(ctx, replaceReadModelSQL, readModelArgs(row)...); err != nil {
		return fmt.Errorf("replacing read model %d: %w", row.ID, err)
	}
	return nil
}

// Park stores evt unless it is already parked.
func (r *ReadModelRepository) Park(ctx context.Context, evt readmodel.ParkedEvent) error {
	if _, err := r.pool.Exec(ctx, parkEventSQL, evt.EventID.String(), evt.OrderID, evt.Version, evt.Payload); err != nil {
		return fmt.Errorf("parking event %s: %w", evt.EventID, err)
	}
	return nil
}

// Parked returns the events parked for orderID by version.
func (r *ReadModelRepository) Parked(ctx context.Context, orderID int64) ([]readmodel.ParkedEvent, error) {
	rows, err := r.pool.Query(ctx, listParkedSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing parked events of order %d: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanParkedEvent)
}

// DropParked deletes parked events by ID.
func (r *ReadModelRepository) DropParked(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, 0, len(ids))
	for _, id := range ids {
		strs = append(strs, id.String())
	}
	if _, err := r.pool.Exec(ctx, dropParkedSQL, strs); err != nil {
		return fmt.Errorf("dropping %d parked events: %w", len(ids), err)
	}
	return nil
}

// Find returns rows matching f.
func (r *ReadModelRepository) Find(ctx context.Context, f readmodel.Filter) ([]readmodel.Order, error) {
	where, args := pgFilter(f)
	orderBy := "created_at DESC, id DESC"
	if f.Sort == readmodel.SortAmountDesc {
		orderBy = "total_amount DESC, id DESC"
	}
	sql := `SELECT ` + readModelColumns + ` FROM order_read_models` + where + ` ORDER BY ` + orderBy

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("finding read models: %w", err)
	}
	return pgx.CollectRows(rows, scanReadModel)
}

// Count returns the number of rows matching f.
func (r *ReadModelRepository) Count(ctx context.Context, f readmodel.Filter) (int64, error) {
	where, args := pgFilter(f)
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM order_read_models`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting read models: %w", err)
	}
	return n, nil
}

// pgFilter renders f as a WHERE clause with positional arguments.
func pgFilter(f readmodel.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if !f.IncludeDeleted {
		conds = append(conds, "NOT is_deleted")
	}
	if f.UserID != nil {
		add("user_id = ?", *f.UserID)
	}
	if f.Status != nil {
		add("status = ?", string(*f.Status))
	}
	if f.CreatedFrom != nil {
		add("created_at >= ?", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= ?", *f.CreatedTo)
	}
	if f.MinAmount != nil {
		add("total_amount > ?", *f.MinAmount)
	}
	if f.UsernameContains != "" {
		add("strpos(user_username, ?) > 0", f.UsernameContains)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func readModelArgs(row *readmodel.Order) []any {
	return []any{
		row.ID, row.UserID, row.TotalAmount, string(row.Status), row.ShippingAddress, row.Notes,
		row.CreatedAt, row.UpdatedAt, row.IsDeleted, row.UserUsername, row.UserEmail,
		row.ItemsCount, row.Version,
	}
}

func scanReadModel(row pgx.CollectableRow) (readmodel.Order, error) {
	var (
		o      readmodel.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.TotalAmount, &status, &o.ShippingAddress, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt, &o.IsDeleted, &o.UserUsername, &o.UserEmail,
		&o.ItemsCount, &o.Version,
	)
	o.Status = order.Status(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

func scanParkedEvent(row pgx.CollectableRow) (readmodel.ParkedEvent, error) {
	var (
		pe readmodel.ParkedEvent
		id string
	)
	if err := row.Scan(&id, &pe.OrderID, &pe.Version, &pe.Payload); err != nil {
		return pe, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pe, fmt.Errorf("parsing parked event id %q: %w", id, err)
	}
	pe.EventID = parsed
	return pe, nil
}
