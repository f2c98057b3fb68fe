package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: msg, Details: details}})
}

func badJSON(w http.ResponseWriter, err error) {
	writeAPIError(w, http.StatusBadRequest, "validation_error", "invalid json", map[string]string{"body": err.Error()})
}

// writeError maps the domain error taxonomy onto HTTP. Order matters: a persistence
// timeout wraps both ErrConflict and ErrPersistence and must surface as a conflict.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var ve *orders.ValidationError
	var ise *orders.InsufficientStockError
	switch {
	case errors.As(err, &ve):
		writeAPIError(w, http.StatusUnprocessableEntity, "validation_error", "request is invalid", ve.Fields)
	case errors.Is(err, orders.ErrValidation):
		writeAPIError(w, http.StatusUnprocessableEntity, "validation_error", err.Error(), nil)
	case errors.As(err, &ise):
		writeAPIError(w, http.StatusUnprocessableEntity, "insufficient_stock", "not enough stock", map[string]any{
			"sellable_unit_id": ise.UnitID,
			"line":             ise.Line,
			"requested":        ise.Requested,
			"available":        ise.Available,
		})
	case errors.Is(err, orders.ErrUnitNotFound):
		writeAPIError(w, http.StatusNotFound, "unit_not_found", err.Error(), nil)
	case errors.Is(err, orders.ErrOrderNotFound):
		writeAPIError(w, http.StatusNotFound, "order_not_found", err.Error(), nil)
	case errors.Is(err, orders.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, orders.ErrConflict):
		writeAPIError(w, http.StatusConflict, "conflict", "resource busy, retry the request", nil)
	case errors.Is(err, orders.ErrPersistence):
		log.Error("persistence failure", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "persistence_failure", "order could not be saved", nil)
	default:
		log.Error("internal error", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
