package readmodel

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/user"
)

var t0 = time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)

func header(typ order.EventType, version int64, at time.Time) order.Header {
	return order.Header{ID: uuid.New(), Type: typ, OrderID: 42, UserID: 7, Version: version, Timestamp: at}
}

func created() order.Created {
	return order.Created{
		Header:          header(order.EventCreated, 1, t0),
		TotalAmount:     decimal.RequireFromString("20.00"),
		Items:           []order.OrderItem{order.NewOrderItem(1, "Widget", 2, decimal.RequireFromString("10.00"))},
		ShippingAddress: "1 Main St",
		Notes:           "n",
	}
}

func statusUpdated(version int64, from, to order.Status, at time.Time) order.StatusUpdated {
	return order.StatusUpdated{Header: header(order.EventStatusUpdated, version, at), OldStatus: from, NewStatus: to}
}

func TestProject_Created(t *testing.T) {
	enrich := EnrichmentOf(&user.User{ID: 7, Username: "alice", Email: "a@example.com"})

	row, out := Project(nil, created(), enrich)
	require.Equal(t, Applied, out)
	assert.Equal(t, &Order{
		ID:              42,
		UserID:          7,
		TotalAmount:     decimal.RequireFromString("20.00"),
		Status:          order.StatusPending,
		ShippingAddress: "1 Main St",
		Notes:           "n",
		CreatedAt:       t0,
		UpdatedAt:       t0,
		UserUsername:    "alice",
		UserEmail:       "a@example.com",
		ItemsCount:      1,
		Version:         1,
	}, row)

	again, out := Project(row, created(), Enrichment{})
	assert.Equal(t, Stale, out)
	assert.Same(t, row, again)
}

func TestProject_StatusAndDelete(t *testing.T) {
	row, _ := Project(nil, created(), Enrichment{Username: "alice"})

	next, out := Project(row, statusUpdated(2, order.StatusPending, order.StatusShipped, t0.Add(time.Minute)), Enrichment{})
	require.Equal(t, Applied, out)
	assert.Equal(t, order.StatusShipped, next.Status)
	assert.EqualValues(t, 2, next.Version)
	assert.Equal(t, t0.Add(time.Minute), next.UpdatedAt)
	assert.Equal(t, "alice", next.UserUsername, "enrichment is frozen at creation")
	assert.Equal(t, order.StatusPending, row.Status, "input row is not modified")

	_, out = Project(next, statusUpdated(2, order.StatusPending, order.StatusCancelled, t0.Add(time.Hour)), Enrichment{})
	assert.Equal(t, Stale, out, "redelivery")
	_, out = Project(next, statusUpdated(1, order.StatusPending, order.StatusCancelled, t0.Add(time.Hour)), Enrichment{})
	assert.Equal(t, Stale, out, "older version")

	deleted, out := Project(next, order.Deleted{Header: header(order.EventDeleted, 3, t0.Add(2*time.Minute))}, Enrichment{})
	require.Equal(t, Applied, out)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, order.StatusShipped, deleted.Status)
	assert.EqualValues(t, 3, deleted.Version)
}

func TestProject_VersionGap(t *testing.T) {
	row, _ := Project(nil, created(), Enrichment{})
	next, out := Project(row, statusUpdated(5, order.StatusProcessing, order.StatusDelivered, t0.Add(time.Minute)), Enrichment{})
	require.Equal(t, Applied, out)
	assert.Equal(t, order.StatusDelivered, next.Status)
	assert.EqualValues(t, 5, next.Version)
}

func TestProject_Unversioned(t *testing.T) {
	row, _ := Project(nil, created(), Enrichment{})
	row.Version = 3

	next, out := Project(row, statusUpdated(0, "", order.StatusConfirmed, t0.Add(time.Minute)), Enrichment{})
	require.Equal(t, Applied, out)
	assert.Equal(t, order.StatusConfirmed, next.Status)
	assert.EqualValues(t, 3, next.Version, "unversioned events keep the row version")
	assert.Equal(t, t0.Add(time.Minute), next.UpdatedAt)

	same, out := Project(next, statusUpdated(0, "", order.StatusProcessing, t0.Add(time.Minute)), Enrichment{})
	require.Equal(t, Applied, out, "equal timestamps apply")
	assert.Equal(t, order.StatusProcessing, same.Status)

	older, out := Project(same, statusUpdated(0, "", order.StatusPending, t0.Add(30*time.Second)), Enrichment{})
	assert.Equal(t, Stale, out)
	assert.Equal(t, same, older)

	_, out = Project(same, order.Deleted{Header: header(order.EventDeleted, 0, t0)}, Enrichment{})
	assert.Equal(t, Stale, out, "older unversioned delete")
}

func TestProject_Orphan(t *testing.T) {
	row, out := Project(nil, statusUpdated(2, order.StatusPending, order.StatusShipped, t0), Enrichment{})
	assert.Nil(t, row)
	assert.Equal(t, Orphan, out)

	_, out = Project(nil, order.Deleted{Header: header(order.EventDeleted, 2, t0)}, Enrichment{})
	assert.Equal(t, Orphan, out)
}

func TestEnrichment(t *testing.T) {
	assert.Equal(t, Enrichment{}, EnrichmentOf(nil))
	assert.Equal(t, Enrichment{Username: "u", Email: "e"}, EnrichmentFrom(&Order{UserUsername: "u", UserEmail: "e"}))
	assert.Equal(t, "orphan", Orphan.String())
}

func TestFilter_MatchAndSort(t *testing.T) {
	rows := []Order{
		{ID: 1, TotalAmount: decimal.NewFromInt(5), CreatedAt: t0},
		{ID: 2, TotalAmount: decimal.NewFromInt(50), CreatedAt: t0},
		{ID: 3, TotalAmount: decimal.NewFromInt(50), CreatedAt: t0.Add(time.Hour)},
	}

	SortRows(rows, SortCreatedDesc)
	assert.Equal(t, []int64{3, 2, 1}, []int64{rows[0].ID, rows[1].ID, rows[2].ID}, "ties broken by id")

	SortRows(rows, SortAmountDesc)
	assert.Equal(t, []int64{3, 2, 1}, []int64{rows[0].ID, rows[1].ID, rows[2].ID})

	minAmount := decimal.NewFromInt(5)
	f := Filter{MinAmount: &minAmount}
	assert.False(t, f.Match(&rows[2]))
	assert.True(t, f.Match(&rows[0]))
	assert.False(t, Filter{}.Match(&Order{IsDeleted: true}))
	assert.True(t, Filter{IncludeDeleted: true}.Match(&Order{IsDeleted: true}))
}
