// Package sqlite provides a SQLite-backed read store for single-node
// deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/xenking/orders-cqrs/db"
	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
)

var _ readmodel.Repository = (*Store)(nil)

// Store persists read rows in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// zeroNanos stores the zero time, which UnixNano cannot represent. It sorts
// before every real instant.
const zeroNanos = math.MinInt64

func toNanos(value time.Time) int64 {
	if value.IsZero() {
		return zeroNanos
	}
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	if value == zeroNanos {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}

func toBool(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Open opens a SQLite read store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(db.SQLiteReadSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

const selectColumns = `SELECT id, user_id, total_amount, status, shipping_address, notes,
		created_at, updated_at, is_deleted, user_username, user_email, items_count, version
	 FROM order_read_models`

// Get implements readmodel.Store.
func (s *Store) Get(ctx context.Context, id int64) (*readmodel.Order, error) {
	row, err := scanRow(s.sqlDB.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, readmodel.ErrNotFound
		}
		return nil, fmt.Errorf("get read model %d: %w", id, err)
	}
	return &row, nil
}

// Insert implements readmodel.Store.
func (s *Store) Insert(ctx context.Context, row *readmodel.Order) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO order_read_models (
		   id, user_id, total_amount, status, shipping_address, notes,
		   created_at, updated_at, is_deleted, user_username, user_email, items_count, version
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rowArgs(row)...,
	)
	if err != nil {
		return false, fmt.Errorf("insert read model %d: %w", row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert read model %d: %w", row.ID, err)
	}
	return n == 1, nil
}

// Apply implements readmodel.Store.
func (s *Store) Apply(ctx context.Context, row *readmodel.Order, eventVersion int64) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE order_read_models
		 SET status = ?, is_deleted = ?, updated_at = ?, version = ?
		 WHERE id = ? AND ((? = 0 AND updated_at <= ?) OR (? <> 0 AND version < ?))`,
		string(row.Status), toBool(row.IsDeleted), toNanos(row.UpdatedAt), row.Version,
		row.ID, eventVersion, toNanos(row.UpdatedAt), eventVersion, eventVersion,
	)
	if err != nil {
		return false, fmt.Errorf("apply to read model %d: %w", row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply to read model %d: %w", row.ID, err)
	}
	return n == 1, nil
}

// Replace implements readmodel.Store.
func (s *Store) Replace(ctx context.Context, row *readmodel.Order) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO order_read_models (
		   id, user_id, total_amount, status, shipping_address, notes,
		   created_at, updated_at, is_deleted, user_username, user_email, items_count, version
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rowArgs(row)...,
	)
	if err != nil {
		return fmt.Errorf("replace read model %d: %w", row.ID, err)
	}
	return nil
}

// Park implements readmodel.Store.
func (s *Store) Park(ctx context.Context, evt readmodel.ParkedEvent) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO order_parked_events (event_id, order_id, version, payload, parked_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		evt.EventID.String(), evt.OrderID, evt.Version, evt.Payload, toNanos(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("park event %s: %w", evt.EventID, err)
	}
	return nil
}

// Parked implements readmodel.Store.
func (s *Store) Parked(ctx context.Context, orderID int64) ([]readmodel.ParkedEvent, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT event_id, order_id, version, payload
		 FROM order_parked_events
		 WHERE order_id = ?
		 ORDER BY version, parked_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list parked events of order %d: %w", orderID, err)
	}
	defer rows.Close()

	var out []readmodel.ParkedEvent
	for rows.Next() {
		var (
			pe readmodel.ParkedEvent
			id string
		)
		if err := rows.Scan(&id, &pe.OrderID, &pe.Version, &pe.Payload); err != nil {
			return nil, fmt.Errorf("scan parked event: %w", err)
		}
		if pe.EventID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse parked event id %q: %w", id, err)
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parked events: %w", err)
	}
	return out, nil
}

// DropParked implements readmodel.Store.
func (s *Store) DropParked(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id.String())
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM order_parked_events WHERE event_id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("drop %d parked events: %w", len(ids), err)
	}
	return nil
}

// Find implements readmodel.Finder. Amount filters and ordering are applied
// in Go because amounts are stored as text.
func (s *Store) Find(ctx context.Context, f readmodel.Filter) ([]readmodel.Order, error) {
	where, args := sqliteFilter(f)
	rows, err := s.sqlDB.QueryContext(ctx, selectColumns+where, args...)
	if err != nil {
		return nil, fmt.Errorf("find read models: %w", err)
	}
	defer rows.Close()

	out := []readmodel.Order{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan read model: %w", err)
		}
		if f.Match(&row) {
			out = append(out, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read models: %w", err)
	}
	readmodel.SortRows(out, f.Sort)
	return out, nil
}

// Count implements readmodel.Finder.
func (s *Store) Count(ctx context.Context, f readmodel.Filter) (int64, error) {
	if f.MinAmount != nil {
		rows, err := s.Find(ctx, f)
		if err != nil {
			return 0, err
		}
		return int64(len(rows)), nil
	}
	where, args := sqliteFilter(f)
	var n int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_read_models`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count read models: %w", err)
	}
	return n, nil
}

// sqliteFilter renders every part of f SQLite can evaluate exactly.
func sqliteFilter(f readmodel.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.IncludeDeleted {
		conds = append(conds, "is_deleted = 0")
	}
	if f.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.CreatedFrom != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, toNanos(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, toNanos(*f.CreatedTo))
	}
	if f.UsernameContains != "" {
		conds = append(conds, "instr(user_username, ?) > 0")
		args = append(args, f.UsernameContains)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func rowArgs(row *readmodel.Order) []any {
	return []any{
		row.ID, row.UserID, row.TotalAmount.String(), string(row.Status), row.ShippingAddress, row.Notes,
		toNanos(row.CreatedAt), toNanos(row.UpdatedAt), toBool(row.IsDeleted),
		row.UserUsername, row.UserEmail, row.ItemsCount, row.Version,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (readmodel.Order, error) {
	var (
		row       readmodel.Order
		amount    string
		status    string
		createdAt int64
		updatedAt int64
		deleted   int
	)
	if err := sc.Scan(
		&row.ID, &row.UserID, &amount, &status, &row.ShippingAddress, &row.Notes,
		&createdAt, &updatedAt, &deleted, &row.UserUsername, &row.UserEmail,
		&row.ItemsCount, &row.Version,
	); err != nil {
		return row, err
	}
	total, err := decimal.NewFromString(amount)
	if err != nil {
		return row, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	row.TotalAmount = total
	row.Status = order.Status(status)
	row.CreatedAt = fromNanos(createdAt)
	row.UpdatedAt = fromNanos(updatedAt)
	row.IsDeleted = deleted != 0
	return row, nil
}
