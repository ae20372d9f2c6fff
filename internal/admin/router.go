// Package admin exposes the operator HTTP surface: probes, read model
// inspection and per-order rebuilds.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
	"github.com/xenking/orders-cqrs/internal/projector"
	"github.com/xenking/orders-cqrs/pkg/httpmiddleware"
)

// Queries is the read side used by the admin API.
type Queries interface {
	GetOrderByID(ctx context.Context, id int64) (*readmodel.Order, error)
	Statistics(ctx context.Context) (*readmodel.Statistics, error)
}

// Rebuilder recomputes a read row from the event log.
type Rebuilder interface {
	RebuildReadModel(ctx context.Context, orderID int64) (*readmodel.Order, error)
}

// Probes serves liveness and readiness.
type Probes interface {
	LiveEndpoint(w http.ResponseWriter, r *http.Request)
	ReadyEndpoint(w http.ResponseWriter, r *http.Request)
}

type handler struct {
	queries   Queries
	rebuilder Rebuilder
}

// NewRouter returns the admin routes.
func NewRouter(queries Queries, rebuilder Rebuilder, probes Probes) chi.Router {
	h := &handler{queries: queries, rebuilder: rebuilder}

	r := chi.NewRouter()
	r.Get("/livez", probes.LiveEndpoint)
	r.Get("/readyz", probes.ReadyEndpoint)
	r.Route("/admin/orders", func(r chi.Router) {
		r.Get("/statistics", h.statistics)
		r.Get("/{id}", h.getOrder)
		r.Post("/{id}/rebuild", h.rebuild)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.Statistics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	row, err := h.queries.GetOrderByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *handler) rebuild(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	row, err := h.rebuilder.RebuildReadModel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, readmodel.ErrNotFound), errors.Is(err, projector.ErrNoHistory):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, projector.ErrRebuildUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		zctx.From(r.Context()).Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		// The request ID lets operators find the logged cause.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":      http.StatusInternalServerError,
			"message":   "internal server error",
			"requestId": httpmiddleware.RequestIDFromContext(r.Context()),
		})
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "order id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"code": code, "message": msg})
}
