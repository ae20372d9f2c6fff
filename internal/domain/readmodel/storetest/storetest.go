// Package storetest checks readmodel.Repository implementations against a
// shared set of behaviors.
package storetest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
)

// base is a fixed, microsecond-aligned instant every store round-trips.
var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Row returns a projected PENDING row for id.
func Row(id, userID int64, amount string, createdAt time.Time) *readmodel.Order {
	return &readmodel.Order{
		ID:              id,
		UserID:          userID,
		TotalAmount:     decimal.RequireFromString(amount),
		Status:          order.StatusPending,
		ShippingAddress: "1 Main St",
		Notes:           "leave at door",
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
		UserUsername:    "user" + strconv.FormatInt(userID, 10),
		UserEmail:       "user@example.com",
		ItemsCount:      2,
		Version:         1,
	}
}

// Run executes the suite. newStore must return an empty store per call.
func Run(t *testing.T, newStore func(t *testing.T) readmodel.Repository) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, newStore(t)) })
	t.Run("Apply", func(t *testing.T) { testApply(t, newStore(t)) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, newStore(t)) })
	t.Run("Parking", func(t *testing.T) { testParking(t, newStore(t)) })
	t.Run("Find", func(t *testing.T) { testFind(t, newStore(t)) })
}

func assertRow(t *testing.T, want, got *readmodel.Order) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.TotalAmount.Equal(got.TotalAmount), "amount %s != %s", want.TotalAmount, got.TotalAmount)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %s != %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updatedAt %s != %s", want.UpdatedAt, got.UpdatedAt)

	w, g := *want, *got
	w.TotalAmount, g.TotalAmount = decimal.Zero, decimal.Zero
	w.CreatedAt, g.CreatedAt = time.Time{}, time.Time{}
	w.UpdatedAt, g.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, w, g)
}

func testInsertGet(t *testing.T, s readmodel.Repository) {
	ctx := context.Background()

	_, err := s.Get(ctx, 1)
	require.ErrorIs(t, err, readmodel.ErrNotFound)

	row := Row(1, 7, "20.00", base)
	ok, err := s.Insert(ctx, row)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assertRow(t, row, got)

	dup := Row(1, 8, "99.00", base)
	ok, err = s.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok, "second insert must not overwrite")

	got, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.UserID)
}

func testApply(t *testing.T, s readmodel.Repository) {
	ctx := context.Background()
	row := Row(1, 7, "20.00", base)
	_, err := s.Insert(ctx, row)
	require.NoError(t, err)

	next := *row
	next.Status = order.StatusConfirmed
	next.UpdatedAt = base.Add(time.Minute)
	next.Version = 2
	ok, err := s.Apply(ctx, &next, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := next
	stale.Status = order.StatusCancelled
	ok, err = s.Apply(ctx, &stale, 2)
	require.NoError(t, err)
	assert.False(t, ok, "same version is a redelivery")

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assertRow(t, &next, got)

	older := next
	older.Status = order.StatusPending
	older.UpdatedAt = base.Add(30 * time.Second)
	ok, err = s.Apply(ctx, &older, 0)
	require.NoError(t, err)
	assert.False(t, ok, "unversioned events older than the row are skipped")

	legacy := next
	legacy.Status = order.StatusShipped
	legacy.UpdatedAt = base.Add(2 * time.Minute)
	ok, err = s.Apply(ctx, &legacy, 0)
	require.NoError(t, err)
	assert.True(t, ok, "newer unversioned events apply")

	deleted := legacy
	deleted.IsDeleted = true
	deleted.Version = 5
	ok, err = s.Apply(ctx, &deleted, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, order.StatusShipped, got.Status)
	assert.EqualValues(t, 5, got.Version)
	assert.True(t, got.TotalAmount.Equal(row.TotalAmount), "apply keeps creation fields")

	missing := Row(2, 7, "1.00", base)
	ok, err = s.Apply(ctx, missing, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testReplace(t *testing.T, s readmodel.Repository) {
	ctx := context.Background()

	row := Row(3, 7, "5.50", base)
	require.NoError(t, s.Replace(ctx, row))

	row.Status = order.StatusDelivered
	row.Version = 4
	require.NoError(t, s.Replace(ctx, row))

	got, err := s.Get(ctx, 3)
	require.NoError(t, err)
	assertRow(t, row, got)
}

func testParking(t *testing.T, s readmodel.Repository) {
	ctx := context.Background()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	require.NoError(t, s.Park(ctx, readmodel.ParkedEvent{EventID: ids[0], OrderID: 1, Version: 3, Payload: []byte(`{"v":3}`)}))
	require.NoError(t, s.Park(ctx, readmodel.ParkedEvent{EventID: ids[1], OrderID: 1, Version: 2, Payload: []byte(`{"v":2}`)}))
	require.NoError(t, s.Park(ctx, readmodel.ParkedEvent{EventID: ids[2], OrderID: 2, Version: 2, Payload: []byte(`{}`)}))
	// Parking twice is a no-op.
	require.NoError(t, s.Park(ctx, readmodel.ParkedEvent{EventID: ids[0], OrderID: 1, Version: 3, Payload: []byte(`{"v":3}`)}))

	parked, err := s.Parked(ctx, 1)
	require.NoError(t, err)
	require.Len(t, parked, 2)
	assert.Equal(t, ids[1], parked[0].EventID)
	assert.EqualValues(t, 2, parked[0].Version)
	assert.Equal(t, `{"v":2}`, string(parked[0].Payload))
	assert.Equal(t, ids[0], parked[1].EventID)

	require.NoError(t, s.DropParked(ctx, ids[0], ids[1]))
	require.NoError(t, s.DropParked(ctx))

	parked, err = s.Parked(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, parked)

	parked, err = s.Parked(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, parked, 1)
}

func testFind(t *testing.T, s readmodel.Repository) {
	ctx := context.Background()
	rows := []*readmodel.Order{
		Row(1, 7, "20.00", base),
		Row(2, 7, "150.00", base.Add(time.Hour)),
		Row(3, 8, "99.99", base.Add(2*time.Hour)),
		Row(4, 8, "300.00", base.Add(3*time.Hour)),
	}
	rows[1].Status = order.StatusShipped
	rows[1].UserUsername = "alice"
	rows[3].IsDeleted = true
	for _, r := range rows {
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
	}

	ids := func(f readmodel.Filter) []int64 {
		t.Helper()
		found, err := s.Find(ctx, f)
		require.NoError(t, err)
		out := make([]int64, 0, len(found))
		for _, r := range found {
			out = append(out, r.ID)
		}

		n, err := s.Count(ctx, f)
		require.NoError(t, err)
		assert.EqualValues(t, len(out), n, "count matches find")
		return out
	}

	user7 := int64(7)
	shipped := order.StatusShipped
	from, to := base.Add(time.Hour), base.Add(2*time.Hour)
	minAmount := decimal.RequireFromString("99.99")

	assert.Equal(t, []int64{3, 2, 1}, ids(readmodel.Filter{}), "active, newest first")
	assert.Equal(t, []int64{4, 3, 2, 1}, ids(readmodel.Filter{IncludeDeleted: true}))
	assert.Equal(t, []int64{2, 1}, ids(readmodel.Filter{UserID: &user7}))
	assert.Equal(t, []int64{2}, ids(readmodel.Filter{Status: &shipped}))
	assert.Equal(t, []int64{3, 2}, ids(readmodel.Filter{CreatedFrom: &from, CreatedTo: &to}), "range is inclusive")
	assert.Equal(t, []int64{2}, ids(readmodel.Filter{MinAmount: &minAmount, Sort: readmodel.SortAmountDesc}), "minimum is exclusive")
	assert.Equal(t, []int64{2}, ids(readmodel.Filter{UsernameContains: "lic"}))
	assert.Equal(t, []int64{2, 3, 1}, ids(readmodel.Filter{Sort: readmodel.SortAmountDesc}))
	assert.Empty(t, ids(readmodel.Filter{UserID: &user7, Status: new(order.Status)}))
}
