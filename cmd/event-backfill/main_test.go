package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orders-cqrs/internal/directory"
	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/projector"
	"github.com/xenking/orders-cqrs/internal/storage/sqlite"
)

var t0 = time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)

func testOrder(id int64) *order.Order {
	return &order.Order{
		ID:          id,
		UserID:      7,
		Items:       []order.OrderItem{order.NewOrderItem(1, "Widget", 2, decimal.RequireFromString("10.00"))},
		TotalAmount: decimal.RequireFromString("20.00"),
		Status:      order.StatusPending,
		Version:     1,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func statusChange(id, version int64, from, to order.Status) order.Event {
	o := testOrder(id)
	o.Status = to
	o.Version = version
	return order.NewStatusUpdated(uuid.New(), o, from, t0.Add(time.Duration(version)*time.Minute))
}

// writeArchive writes lines, encoding events and keeping raw strings as is.
func writeArchive(t *testing.T, dir, name string, lines ...any) string {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	for _, l := range lines {
		switch v := l.(type) {
		case order.Event:
			data, err := order.MarshalEvent(v)
			require.NoError(t, err)
			_, err = gz.Write(data)
			require.NoError(t, err)
		case string:
			_, err := gz.Write([]byte(v))
			require.NoError(t, err)
		}
		_, err := gz.Write([]byte("\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestBackfillFile(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "read.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	created := order.NewCreated(uuid.New(), testOrder(42), t0)
	path := writeArchive(t, dir, "a.ndjson.gz",
		statusChange(42, 3, order.StatusConfirmed, order.StatusShipped),
		created,
		"",
		"{broken",
		statusChange(42, 2, order.StatusPending, order.StatusConfirmed),
		created,
	)

	p := projector.New(store, directory.NewStatic())
	var st stats
	require.NoError(t, backfillFile(context.Background(), p, path, &st))

	assert.EqualValues(t, 6, st.lines.Load())
	assert.EqualValues(t, 1, st.invalid.Load())
	assert.EqualValues(t, 1, st.parked.Load())
	assert.EqualValues(t, 1, st.applied.Load())
	assert.EqualValues(t, 2, st.skipped.Load(), "older status and duplicate created")

	row, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, row.Status)
	assert.EqualValues(t, 3, row.Version)
}

func TestBackfillFile_Missing(t *testing.T) {
	p := projector.New(nil, directory.NewStatic())
	err := backfillFile(context.Background(), p, filepath.Join(t.TempDir(), "nope.gz"), &stats{})
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "1.ndjson.gz",
		order.NewCreated(uuid.New(), testOrder(1), t0),
		statusChange(1, 2, order.StatusPending, order.StatusConfirmed),
	)
	writeArchive(t, dir, "2.ndjson.gz",
		statusChange(1, 3, order.StatusConfirmed, order.StatusDelivered),
		order.NewCreated(uuid.New(), testOrder(2), t0),
	)
	dbPath := filepath.Join(dir, "read.db")

	require.NoError(t, run(context.Background(), options{
		pattern:  filepath.Join(dir, "*.ndjson.gz"),
		readPath: dbPath,
		parallel: 2,
	}))

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	row, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, row.Status, "highest version wins regardless of file order")
	assert.EqualValues(t, 3, row.Version)

	_, err = store.Get(context.Background(), 2)
	require.NoError(t, err)

	parked, err := store.Parked(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestRun_UnversionedAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "a.ndjson.gz",
		`{"eventType":"ORDER_STATUS_UPDATED","orderId":9,"userId":7,"oldStatus":"CONFIRMED","newStatus":"SHIPPED","timestamp":"2024-05-06T09:00:00"}`,
	)
	writeArchive(t, dir, "b.ndjson.gz",
		`{"eventType":"ORDER_CREATED","orderId":9,"userId":7,"totalAmount":"5.00","items":[],"timestamp":"2024-05-06T07:00:00"}`,
		`{"eventType":"ORDER_STATUS_UPDATED","orderId":9,"userId":7,"oldStatus":"PENDING","newStatus":"CONFIRMED","timestamp":"2024-05-06T08:00:00"}`,
	)
	dbPath := filepath.Join(dir, "read.db")

	require.NoError(t, run(context.Background(), options{
		pattern:  filepath.Join(dir, "*.ndjson.gz"),
		readPath: dbPath,
		parallel: 1,
	}))

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	row, err := store.Get(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, row.Status, "latest timestamp wins")
	assert.Equal(t, time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC), row.UpdatedAt)
	assert.Zero(t, row.Version)
}

func TestRun_NoMatches(t *testing.T) {
	require.NoError(t, run(context.Background(), options{
		pattern:  filepath.Join(t.TempDir(), "*.gz"),
		readPath: filepath.Join(t.TempDir(), "read.db"),
	}))
}
