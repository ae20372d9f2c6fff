package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
	"github.com/xenking/orders-cqrs/internal/projector"
	"github.com/xenking/orders-cqrs/pkg/health"
	"github.com/xenking/orders-cqrs/pkg/httpmiddleware"
)

type fakeQueries struct {
	rows  map[int64]*readmodel.Order
	stats *readmodel.Statistics
	err   error
}

func (f *fakeQueries) GetOrderByID(_ context.Context, id int64) (*readmodel.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, readmodel.ErrNotFound
	}
	return row, nil
}

func (f *fakeQueries) Statistics(context.Context) (*readmodel.Statistics, error) {
	return f.stats, f.err
}

type fakeRebuilder func(ctx context.Context, id int64) (*readmodel.Order, error)

func (f fakeRebuilder) RebuildReadModel(ctx context.Context, id int64) (*readmodel.Order, error) {
	return f(ctx, id)
}

func newTestRouter(q *fakeQueries, rb fakeRebuilder) http.Handler {
	h := health.New()
	h.SetReady(true)
	return NewRouter(q, rb, h)
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w, body
}

func TestRouter_GetOrder(t *testing.T) {
	q := &fakeQueries{rows: map[int64]*readmodel.Order{
		42: {ID: 42, UserID: 7, TotalAmount: decimal.RequireFromString("20.00"), Status: order.StatusPending, Version: 1},
	}}
	h := newTestRouter(q, nil)

	w, body := do(t, h, http.MethodGet, "/admin/orders/42")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 42, body["id"])
	assert.Equal(t, "20", body["totalAmount"])
	assert.Equal(t, "PENDING", body["status"])

	w, _ = do(t, h, http.MethodGet, "/admin/orders/43")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, http.MethodGet, "/admin/orders/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Statistics(t *testing.T) {
	q := &fakeQueries{stats: &readmodel.Statistics{
		ByStatus: map[order.Status]int64{order.StatusPending: 2, order.StatusShipped: 1},
		Total:    3,
	}}
	w, body := do(t, newTestRouter(q, nil), http.MethodGet, "/admin/orders/statistics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["byStatus"].(map[string]any)["PENDING"])
}

func TestRouter_Rebuild(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		code int
	}{
		{"Ok", nil, http.StatusOK},
		{"NoHistory", errors.Wrap(projector.ErrNoHistory, "rebuild order 5"), http.StatusNotFound},
		{"Unavailable", projector.ErrRebuildUnavailable, http.StatusServiceUnavailable},
		{"Internal", errors.New("boom"), http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got int64
			rb := fakeRebuilder(func(_ context.Context, id int64) (*readmodel.Order, error) {
				got = id
				if tc.err != nil {
					return nil, tc.err
				}
				return &readmodel.Order{ID: id, Version: 3}, nil
			})

			w, body := do(t, newTestRouter(&fakeQueries{}, rb), http.MethodPost, "/admin/orders/5/rebuild")
			assert.Equal(t, tc.code, w.Code)
			assert.EqualValues(t, 5, got)
			if tc.err == nil {
				assert.EqualValues(t, 3, body["version"])
			} else {
				assert.EqualValues(t, tc.code, body["code"])
			}
		})
	}
}

func TestRouter_Probes(t *testing.T) {
	h := newTestRouter(&fakeQueries{}, nil)

	w, body := do(t, h, http.MethodGet, "/livez")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = do(t, h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, h, http.MethodDelete, "/admin/orders/1")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouter_InternalErrorCarriesRequestID(t *testing.T) {
	h := httpmiddleware.Wrap(
		newTestRouter(&fakeQueries{err: errors.New("db down")}, nil),
		httpmiddleware.RequestID(),
	)
	w, body := do(t, h, http.MethodGet, "/admin/orders/statistics")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", body["message"], "causes are not leaked")
	assert.NotEmpty(t, body["requestId"])
	assert.Equal(t, w.Header().Get("X-Request-ID"), body["requestId"])
}
