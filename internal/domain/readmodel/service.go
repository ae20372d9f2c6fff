package readmodel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orders-cqrs/internal/domain/order"
)

// Statistics holds active order counts per status.
type Statistics struct {
	ByStatus map[order.Status]int64 `json:"byStatus"`
	Total    int64                  `json:"total"`
}

// QueryService serves reads from the read store only. Every method excludes
// deleted rows and is free of side effects.
type QueryService struct {
	rows Finder
}

// NewQueryService returns a QueryService over rows.
func NewQueryService(rows Finder) *QueryService {
	return &QueryService{rows: rows}
}

// ListActiveOrders returns every non-deleted order, newest first.
func (s *QueryService) ListActiveOrders(ctx context.Context) ([]Order, error) {
	return s.find(ctx, "active", Filter{})
}

// GetOrderByID returns the projected order or ErrNotFound when it is absent or
// deleted.
func (s *QueryService) GetOrderByID(ctx context.Context, id int64) (*Order, error) {
	row, err := s.rows.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	if row.IsDeleted {
		return nil, ErrNotFound
	}
	return row, nil
}

// ListOrdersByUser returns the orders placed by userID.
func (s *QueryService) ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error) {
	return s.find(ctx, "by_user", Filter{UserID: &userID})
}

// ListOrdersByStatus returns the orders currently in status.
func (s *QueryService) ListOrdersByStatus(ctx context.Context, status order.Status) ([]Order, error) {
	if !status.Valid() {
		return nil, &order.InvalidStatusError{Status: string(status)}
	}
	return s.find(ctx, "by_status", Filter{Status: &status})
}

// ListOrdersByDateRange returns orders created within [from, to].
func (s *QueryService) ListOrdersByDateRange(ctx context.Context, from, to time.Time) ([]Order, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: date range end %s is before start %s", order.ErrValidation, to, from)
	}
	return s.find(ctx, "by_date_range", Filter{CreatedFrom: &from, CreatedTo: &to})
}

// ListOrdersByUserAndStatus returns userID's orders currently in status.
func (s *QueryService) ListOrdersByUserAndStatus(ctx context.Context, userID int64, status order.Status) ([]Order, error) {
	if !status.Valid() {
		return nil, &order.InvalidStatusError{Status: string(status)}
	}
	return s.find(ctx, "by_user_status", Filter{UserID: &userID, Status: &status})
}

// CountOrdersByUser counts userID's orders.
func (s *QueryService) CountOrdersByUser(ctx context.Context, userID int64) (int64, error) {
	return s.count(ctx, Filter{UserID: &userID})
}

// CountOrdersByStatus counts orders currently in status.
func (s *QueryService) CountOrdersByStatus(ctx context.Context, status order.Status) (int64, error) {
	if !status.Valid() {
		return 0, &order.InvalidStatusError{Status: string(status)}
	}
	return s.count(ctx, Filter{Status: &status})
}

// ListOrdersAboveAmount returns orders whose total exceeds minAmount, largest
// first.
func (s *QueryService) ListOrdersAboveAmount(ctx context.Context, minAmount decimal.Decimal) ([]Order, error) {
	return s.find(ctx, "above_amount", Filter{MinAmount: &minAmount, Sort: SortAmountDesc})
}

// SearchOrdersByUsername returns orders whose enriched username contains
// substr.
func (s *QueryService) SearchOrdersByUsername(ctx context.Context, substr string) ([]Order, error) {
	if substr == "" {
		return nil, fmt.Errorf("%w: username search term is required", order.ErrValidation)
	}
	return s.find(ctx, "by_username", Filter{UsernameContains: substr})
}

// Statistics counts active orders per status. The counts run concurrently.
func (s *QueryService) Statistics(ctx context.Context) (*Statistics, error) {
	counts := make([]int64, len(order.Statuses))

	g, gctx := errgroup.WithContext(ctx)
	for i, status := range order.Statuses {
		g.Go(func() error {
			n, err := s.rows.Count(gctx, Filter{Status: &status})
			if err != nil {
				return fmt.Errorf("count %s: %w", status, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &Statistics{ByStatus: make(map[order.Status]int64, len(counts))}
	for i, status := range order.Statuses {
		stats.ByStatus[status] = counts[i]
		stats.Total += counts[i]
	}
	zctx.From(ctx).Debug("Order statistics calculated", zap.Int64("total", stats.Total))
	return stats, nil
}

func (s *QueryService) find(ctx context.Context, query string, f Filter) ([]Order, error) {
	rows, err := s.rows.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", query, err)
	}
	zctx.From(ctx).Debug("Read model query completed",
		zap.String("query", query),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

func (s *QueryService) count(ctx context.Context, f Filter) (int64, error) {
	n, err := s.rows.Count(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}
