package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ariefcatur/go-storefront-checkout/internal/auth"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key string) (string, error)
	Complete(ctx context.Context, scope, key, orderID string) error
	Abort(ctx context.Context, scope, key string) error
}

type OrderCache interface {
	Get(ctx context.Context, orderID string) ([]byte, error)
	Set(ctx context.Context, orderID string, body []byte) error
	Invalidate(ctx context.Context, orderID string) error
}

// OrdersHandler serves the order endpoints. Idem and Cache are optional.
type OrdersHandler struct {
	Service  *checkout.Service
	Verifier *auth.Verifier
	Idem     IdempotencyStore
	Cache    OrderCache
	Logger   *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	r.Route("/orders", func(r chi.Router) {
		r.Use(auth.Middleware(h.Verifier))
		r.Post("/", h.createOrder)
		r.With(auth.Require).Get("/user", h.listMine)
		r.With(auth.RequireAdmin).Get("/all", h.listAll)
		r.Get("/{id}", h.getOrder)
		r.With(auth.RequireAdmin).Put("/{id}/status", h.updateStatus)
		r.With(auth.RequireAdmin).Put("/{id}/payment-status", h.updatePaymentStatus)
		r.With(auth.Require).Put("/{id}/cancel", h.cancel)
	})
}

func actorOf(r *http.Request) checkout.Actor {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return checkout.Actor{}
	}
	return checkout.Actor{UserID: id.UserID, Admin: id.IsAdmin()}
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	req.UserID = actorOf(r).UserID

	ctx := r.Context()
	scope := req.UserID
	if scope == "" {
		scope = "guest"
	}
	key := r.Header.Get("Idempotency-Key")
	if h.Idem == nil {
		key = ""
	}

	if key != "" {
		existing, err := h.Idem.Begin(ctx, scope, key)
		switch {
		case errors.Is(err, redisx.ErrIdempotencyInFlight):
			writeError(w, r, h.Logger, err)
			return
		case err != nil:
			// redis trouble must not block checkout
			logx.Warn(ctx, h.Logger, "idempotency store unavailable", zap.Error(err))
			key = ""
		case existing != "":
			o, err := h.Service.Get(ctx, existing)
			if err != nil {
				writeError(w, r, h.Logger, err)
				return
			}
			writeJSON(w, http.StatusOK, o)
			return
		}
	}

	o, err := h.Service.Checkout(ctx, req)
	if err != nil {
		if key != "" {
			if aerr := h.Idem.Abort(context.WithoutCancel(ctx), scope, key); aerr != nil {
				logx.Warn(ctx, h.Logger, "release idempotency key", zap.Error(aerr))
			}
		}
		writeError(w, r, h.Logger, err)
		return
	}
	if key != "" {
		if cerr := h.Idem.Complete(context.WithoutCancel(ctx), scope, key, o.ID); cerr != nil {
			logx.Warn(ctx, h.Logger, "record idempotency key", zap.String("order_id", o.ID), zap.Error(cerr))
		}
	}
	writeJSON(w, http.StatusCreated, o)
}

// getOrder is the public tracking endpoint; it is read through the cache.
func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.Cache != nil {
		if b, err := h.Cache.Get(ctx, id); err == nil && b != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
	}

	o, err := h.Service.Get(ctx, id)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	b, err := json.Marshal(o)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, id, b); err != nil {
			logx.Warn(ctx, h.Logger, "cache order", zap.String("order_id", id), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func pageOf(r *http.Request) (orders.Page, orders.Status) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return orders.Page{Page: page, Limit: limit}, orders.Status(q.Get("status"))
}

func (h *OrdersHandler) listMine(w http.ResponseWriter, r *http.Request) {
	p, status := pageOf(r)
	list, err := h.Service.ListForCustomer(r.Context(), actorOf(r), p, status)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) listAll(w http.ResponseWriter, r *http.Request) {
	p, status := pageOf(r)
	list, err := h.Service.ListAll(r.Context(), actorOf(r), p, status)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type statusReq struct {
	Status orders.Status `json:"status"`
	Note   string        `json:"note"`
}

type paymentStatusReq struct {
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	id := chi.URLParam(r, "id")
	o, err := h.Service.UpdateStatus(r.Context(), id, actorOf(r), req.Status, req.Note)
	h.respondMutation(w, r, id, o, err)
}

func (h *OrdersHandler) updatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req paymentStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	id := chi.URLParam(r, "id")
	o, err := h.Service.UpdatePaymentStatus(r.Context(), id, actorOf(r), req.PaymentStatus)
	h.respondMutation(w, r, id, o, err)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	// the body is optional
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
			return
		}
	}
	id := chi.URLParam(r, "id")
	o, err := h.Service.Cancel(r.Context(), id, actorOf(r), req.Reason)
	h.respondMutation(w, r, id, o, err)
}

func (h *OrdersHandler) respondMutation(w http.ResponseWriter, r *http.Request, id string, o *orders.Order, err error) {
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Invalidate(context.WithoutCancel(r.Context()), id); err != nil {
			logx.Warn(r.Context(), h.Logger, "invalidate cached order", zap.String("order_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, o)
}
