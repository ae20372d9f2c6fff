package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orders-cqrs/internal/domain/user"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[int64]Order
	nextID int64

	createErr error
	// conflicts makes the next n Update/Delete calls fail with a conflict.
	conflicts int
	deleted   []int64
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[int64]Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	o.ID = m.nextID
	o.Version = 1
	m.orders[o.ID] = *o
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *mockOrderRepo) Update(_ context.Context, o *Order, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if m.conflicts > 0 {
		m.conflicts--
		return ErrVersionConflict
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	o.Version = expected + 1
	m.orders[o.ID] = *o
	return nil
}

func (m *mockOrderRepo) Delete(_ context.Context, id int64, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if m.conflicts > 0 {
		m.conflicts--
		return ErrVersionConflict
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	delete(m.orders, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type mockDirectory map[int64]user.User

func (m mockDirectory) GetUserByID(_ context.Context, id int64) (*user.User, error) {
	u, ok := m[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &u, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, evt)
	return nil
}

// --- Helpers ---

var testNow = time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)

type fixture struct {
	repo   *mockOrderRepo
	events *mockPublisher
	svc    *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{repo: newMockOrderRepo(), events: &mockPublisher{}}
	users := mockDirectory{7: {ID: 7, Username: "alice", Email: "alice@example.com"}}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	f.svc = NewService(f.repo, users, f.events, opts...)
	return f
}

func widgetRequest() CreateOrderRequest {
	return CreateOrderRequest{
		UserID:          7,
		Items:           []OrderItem{NewOrderItem(1, "Widget", 2, decimal.RequireFromString("10.00"))},
		ShippingAddress: "1 Main St",
	}
}

func (f *fixture) create(t *testing.T) *Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), widgetRequest())
	require.NoError(t, err)
	return o
}

// --- Tests ---

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	assert.EqualValues(t, 1, o.ID)
	assert.EqualValues(t, 1, o.Version)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, "20", o.TotalAmount.String())
	assert.Equal(t, testNow.Truncate(time.Microsecond), o.CreatedAt, "timestamps keep microsecond precision")
	assert.Equal(t, o.CreatedAt, o.UpdatedAt)

	require.Len(t, f.events.events, 1)
	evt, ok := f.events.events[0].(Created)
	require.True(t, ok)
	assert.Equal(t, EventCreated, evt.Type)
	assert.EqualValues(t, 1, evt.OrderID)
	assert.EqualValues(t, 7, evt.UserID)
	assert.EqualValues(t, 1, evt.Version)
	assert.True(t, o.TotalAmount.Equal(evt.TotalAmount))
	assert.Equal(t, o.CreatedAt, evt.Timestamp)
	assert.NotEqual(t, uuid.Nil, evt.ID)
}

func TestCreateOrder_Validation(t *testing.T) {
	for _, tc := range []struct {
		name  string
		items []OrderItem
		want  error
	}{
		{"Empty", nil, ErrEmptyItems},
		{"ZeroQuantity", []OrderItem{NewOrderItem(1, "W", 0, decimal.NewFromInt(1))}, ErrValidation},
		{"NegativeQuantity", []OrderItem{NewOrderItem(1, "W", -1, decimal.NewFromInt(1))}, ErrValidation},
		{"ZeroPrice", []OrderItem{NewOrderItem(1, "W", 1, decimal.Zero)}, ErrValidation},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := widgetRequest()
			req.Items = tc.items

			_, err := f.svc.CreateOrder(context.Background(), req)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, f.repo.orders)
			assert.Empty(t, f.events.events)
		})
	}

	var qe *InvalidQuantityError
	_, err := newFixture(t).svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: 7,
		Items:  []OrderItem{NewOrderItem(3, "W", 0, decimal.NewFromInt(1))},
	})
	require.ErrorAs(t, err, &qe)
	assert.EqualValues(t, 3, qe.ProductID)
}

func TestCreateOrder_UnknownUser(t *testing.T) {
	f := newFixture(t)
	req := widgetRequest()
	req.UserID = 99

	_, err := f.svc.CreateOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrUserNotFound)
	require.ErrorIs(t, err, user.ErrNotFound)

	var ue *UserNotFoundError
	require.ErrorAs(t, err, &ue)
	assert.EqualValues(t, 99, ue.UserID)
	assert.Empty(t, f.repo.orders, "no row")
	assert.Empty(t, f.events.events, "no event")
}

func TestCreateOrder_StoreError(t *testing.T) {
	f := newFixture(t)
	f.repo.createErr = errors.New("disk full")

	_, err := f.svc.CreateOrder(context.Background(), widgetRequest())
	require.Error(t, err)
	assert.Empty(t, f.events.events)
}

func TestCreateOrder_PublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")

	o, err := f.svc.CreateOrder(context.Background(), widgetRequest())
	require.NoError(t, err)
	assert.Contains(t, f.repo.orders, o.ID)
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	got, err := f.svc.UpdateOrderStatus(context.Background(), o.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.EqualValues(t, 2, got.Version)

	got, err = f.svc.UpdateOrderStatus(context.Background(), o.ID, StatusShipped)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Version)

	require.Len(t, f.events.events, 3)
	upd := f.events.events[2].(StatusUpdated)
	assert.Equal(t, StatusConfirmed, upd.OldStatus)
	assert.Equal(t, StatusShipped, upd.NewStatus)
	assert.EqualValues(t, 3, upd.Version)
	assert.Equal(t, got.UpdatedAt, upd.Timestamp)
}

func TestUpdateOrderStatus_Rejections(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	ctx := context.Background()

	_, err := f.svc.UpdateOrderStatus(ctx, o.ID, Status("LOST"))
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateOrderStatus(ctx, 404, StatusConfirmed)
	require.ErrorIs(t, err, ErrNotFound)
	var nf *OrderNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.EqualValues(t, 404, nf.OrderID)

	_, err = f.svc.UpdateOrderStatus(ctx, o.ID, StatusCancelled)
	require.NoError(t, err)

	_, err = f.svc.UpdateOrderStatus(ctx, o.ID, StatusPending)
	var te *InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusCancelled, te.From)
	assert.Len(t, f.events.events, 2, "rejected commands publish nothing")
}

func TestUpdateOrderStatus_RetriesConflicts(t *testing.T) {
	f := newFixture(t, WithConflictRetries(2))
	o := f.create(t)

	f.repo.conflicts = 2
	got, err := f.svc.UpdateOrderStatus(context.Background(), o.ID, StatusShipped)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.Len(t, f.events.events, 2)

	f.repo.conflicts = 3
	_, err = f.svc.UpdateOrderStatus(context.Background(), o.ID, StatusDelivered)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestUpdateOrderStatus_TimestampsNeverGoBack(t *testing.T) {
	now := testNow
	f := newFixture(t, WithClock(func() time.Time { return now }))
	o := f.create(t)

	now = testNow.Add(-time.Hour)
	got, err := f.svc.UpdateOrderStatus(context.Background(), o.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, o.UpdatedAt, got.UpdatedAt)
}

func TestDeleteOrder(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	next := 0
	f := newFixture(t, WithEventIDs(func() uuid.UUID { next++; return ids[next-1] }))
	o := f.create(t)
	_, err := f.svc.UpdateOrderStatus(context.Background(), o.ID, StatusConfirmed)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteOrder(context.Background(), o.ID))
	assert.Equal(t, []int64{o.ID}, f.repo.deleted)

	require.Len(t, f.events.events, 3)
	del := f.events.events[2].(Deleted)
	assert.Equal(t, ids[2], del.ID)
	assert.EqualValues(t, 3, del.Version)

	_, err = f.svc.GetOrder(context.Background(), o.ID)
	require.ErrorIs(t, err, ErrNotFound)

	err = f.svc.DeleteOrder(context.Background(), o.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	got, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Len(t, got.Items, 1)
}
