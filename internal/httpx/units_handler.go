package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/ledger"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// UnitsHandler is catalog maintenance: seeding units, restocking and price changes.
type UnitsHandler struct {
	Catalog ledger.Catalog
	Log     *slog.Logger
}

type setPriceReq struct {
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (h *UnitsHandler) Register(r chi.Router) {
	r.Get("/units", h.list)
	r.Post("/units", h.upsert)
	r.Get("/units/{id}", h.get)
	r.Put("/units/{id}/price", h.setPrice)
	r.Delete("/units/{id}", h.delete)
}

func (h *UnitsHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	us, err := h.Catalog.List(ctx)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, us)
}

func (h *UnitsHandler) upsert(w http.ResponseWriter, r *http.Request) {
	var u orders.SellableUnit
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		badJSON(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Catalog.Upsert(ctx, u)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UnitsHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	u, err := h.Catalog.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UnitsHandler) setPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badJSON(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Catalog.SetPrice(ctx, id, req.UnitPrice); err != nil {
		writeError(w, h.Log, err)
		return
	}
	u, err := h.Catalog.Get(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UnitsHandler) delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Catalog.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
