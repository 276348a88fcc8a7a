package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string               `json:"error"`
	Fields    map[string]string    `json:"fields,omitempty"`
	Shortages []inventory.Shortage `json:"shortages,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. Unrecognised errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var (
		verr  *checkout.ValidationError
		nf    *checkout.ProductNotFoundError
		short *inventory.InsufficientStockError
		perr  *checkout.PaymentError
		state *orders.InvalidStateError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Fields: verr.Fields})
	case errors.As(err, &short):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: short.Error(), Shortages: short.Shortages})
	case errors.As(err, &nf), errors.As(err, &perr), errors.As(err, &state):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "order not found"})
	case errors.Is(err, orders.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "not allowed to access this order"})
	case errors.Is(err, redisx.ErrIdempotencyInFlight):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		logx.Error(r.Context(), logger, "request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
