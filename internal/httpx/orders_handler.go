package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type OrdersHandler struct {
	Checkout        *checkout.Service
	Idem            *redisx.IdempotencyStore // nil: Idempotency-Key is ignored
	Status          *redisx.StatusCache      // nil: status reads go to the store
	Log             *slog.Logger
	CheckoutTimeout time.Duration
}

type changeStatusReq struct {
	Status orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Patch("/orders/{id}/status", h.changeStatus)
	r.Delete("/orders/{id}", h.deleteOrder)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badJSON(w, err)
		return
	}

	timeout := h.CheckoutTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	ctx = checkout.WithRequestID(ctx, middleware.GetReqID(r.Context()))

	idemKey := ""
	if k := r.Header.Get("Idempotency-Key"); k != "" && h.Idem != nil {
		orderID, owner, err := h.Idem.Begin(ctx, k)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			writeAPIError(w, http.StatusConflict, "conflict", "a request with this Idempotency-Key is in progress", nil)
			return
		case err != nil:
			// Redis is a shortcut, not the source of truth; proceed without it
			h.Log.Warn("idempotency lookup failed", "err", err)
		case !owner:
			o, err := h.Checkout.Get(ctx, orderID)
			if err != nil {
				writeError(w, h.Log, err)
				return
			}
			writeJSON(w, http.StatusOK, o)
			return
		default:
			idemKey = k
		}
	}

	o, err := h.Checkout.Checkout(ctx, req)
	if err != nil {
		if idemKey != "" {
			if aerr := h.Idem.Abort(context.WithoutCancel(ctx), idemKey); aerr != nil {
				h.Log.Warn("idempotency abort failed", "err", aerr)
			}
		}
		writeError(w, h.Log, err)
		return
	}
	if idemKey != "" {
		if err := h.Idem.Complete(context.WithoutCancel(ctx), idemKey, o.ID); err != nil {
			h.Log.Warn("idempotency save failed", "order_id", o.ID, "err", err)
		}
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Checkout.List(ctx, limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Checkout.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if h.Status != nil {
		if e, hit, err := h.Status.Get(ctx, orderID); err == nil && hit {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}

	// 2) fallback DB
	o, err := h.Checkout.Get(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, redisx.StatusEntry{OrderID: o.ID, Status: o.Status, UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) changeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badJSON(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Checkout.ChangeStatus(ctx, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Checkout.Delete(ctx, orderID); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if h.Status != nil {
		_ = h.Status.Invalidate(ctx, orderID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) {
	if h.Status == nil {
		return
	}
	if err := h.Status.Set(ctx, o); err != nil {
		h.Log.Warn("status cache write failed", "order_id", o.ID, "err", err)
	}
}
