// Package checkout turns a cart into a durable order. It owns no state of its
// own: stock lives in the inventory store, orders in the ledger, and every
// failure after stock is reserved is compensated by releasing it again.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PaymentVerifier interface {
	Enabled() bool
	Verify(ctx context.Context, reference string) (bool, error)
}

// Notifier must return promptly; delivery happens off the caller's path.
type Notifier interface {
	Notify(ctx context.Context, order *orders.Order)
}

type Deps struct {
	Catalog   catalog.Catalog
	Inventory inventory.Store
	Ledger    orders.Ledger
	Payments  PaymentVerifier
	Notifier  Notifier
	Pricing   Pricing
	Logger    *zap.Logger

	// CompensationRetries bounds Release attempts after a failed order write.
	CompensationRetries uint64
	// NewBackOff overrides the retry schedule between Release attempts.
	NewBackOff func() backoff.BackOff
}

type Service struct {
	catalog   catalog.Catalog
	inventory inventory.Store
	ledger    orders.Ledger
	payments  PaymentVerifier
	notifier  Notifier
	pricing   Pricing
	logger    *zap.Logger
	tracer    trace.Tracer
	validate  *validator.Validate

	retries    uint64
	newBackOff func() backoff.BackOff
}

func NewService(d Deps) *Service {
	s := &Service{
		catalog:    d.Catalog,
		inventory:  d.Inventory,
		ledger:     d.Ledger,
		payments:   d.Payments,
		notifier:   d.Notifier,
		pricing:    d.Pricing,
		logger:     d.Logger,
		tracer:     otel.Tracer("checkout"),
		validate:   newValidator(),
		retries:    d.CompensationRetries,
		newBackOff: d.NewBackOff,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.retries == 0 {
		s.retries = 8
	}
	if s.newBackOff == nil {
		s.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 15 * time.Second
			return b
		}
	}
	return s
}

func (s *Service) Checkout(ctx context.Context, req Request) (*orders.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout")
	defer span.End()

	order, outcome, err := s.checkout(ctx, req)
	metrics.CheckoutTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("checkout.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if outcome == "error" || outcome == "ledger_failed" {
			logx.Error(ctx, s.logger, "checkout failed", zap.String("outcome", outcome), zap.Error(err))
		} else {
			logx.Info(ctx, s.logger, "checkout rejected", zap.String("outcome", outcome), zap.Error(err))
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	logx.Info(ctx, s.logger, "order placed",
		zap.String("order_id", order.ID),
		zap.Int64("total_cents", order.Totals.TotalCents),
		zap.String("payment_status", string(order.PaymentStatus)),
	)
	if s.notifier != nil {
		s.notifier.Notify(context.WithoutCancel(ctx), order)
	}
	return order, nil
}

func (s *Service) checkout(ctx context.Context, req Request) (*orders.Order, string, error) {
	if err := validateRequest(s.validate, req); err != nil {
		return nil, "invalid", err
	}

	paymentStatus, err := s.verifyPayment(ctx, req)
	if err != nil {
		return nil, "payment_failed", err
	}

	lines, err := s.priceLines(ctx, req.Lines)
	if err != nil {
		var nf *ProductNotFoundError
		if errors.As(err, &nf) {
			return nil, "product_not_found", err
		}
		return nil, "error", err
	}

	res, err := s.inventory.Reserve(ctx, stockLines(req.Lines))
	if err != nil {
		var short *inventory.InsufficientStockError
		if errors.As(err, &short) {
			return nil, "insufficient_stock", err
		}
		if errors.Is(err, inventory.ErrInvalidQuantity) {
			return nil, "invalid", &ValidationError{Fields: map[string]string{"lines": err.Error()}}
		}
		return nil, "error", fmt.Errorf("reserve stock: %w", err)
	}

	draft := orders.Draft{
		ReservationID:    res.ID,
		Customer:         orders.Customer{UserID: req.UserID, Contact: req.Customer},
		Lines:            lines,
		Totals:           s.pricing.Totals(lines),
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		PaymentStatus:    paymentStatus,
		ShippingAddress:  *req.ShippingAddress,
		Notes:            req.Notes,
	}
	order, err := s.ledger.Create(ctx, draft)
	if err != nil {
		// only an uncommitted reservation is handed back: if the ledger
		// committed before failing, the order it wrote still holds the stock
		s.compensate(ctx, res.ID, s.inventory.ReleaseReserved)
		return nil, "ledger_failed", &LedgerWriteError{Err: err}
	}
	return order, "placed", nil
}

// verifyPayment settles the payment status the order starts with. Only
// externally prepaid methods are checked; without a gateway credential they
// are accepted as pending instead of being trusted.
func (s *Service) verifyPayment(ctx context.Context, req Request) (orders.PaymentStatus, error) {
	if !req.PaymentMethod.RequiresVerification() {
		return orders.PaymentPending, nil
	}
	if s.payments == nil || !s.payments.Enabled() {
		logx.Warn(ctx, s.logger, "payment gateway not configured, order left pending",
			zap.String("reference", req.PaymentReference))
		return orders.PaymentPending, nil
	}
	if req.PaymentReference == "" {
		return orders.PaymentPending, nil
	}

	ok, err := s.payments.Verify(ctx, req.PaymentReference)
	if err != nil || !ok {
		return "", &PaymentError{Reference: req.PaymentReference, Err: err}
	}
	return orders.PaymentCompleted, nil
}

// priceLines captures each line's current name and unit price.
func (s *Service) priceLines(ctx context.Context, in []LineRequest) ([]orders.LineItem, error) {
	products := make(map[string]*catalog.Product, len(in))
	out := make([]orders.LineItem, 0, len(in))

	for i, l := range in {
		p, ok := products[l.ProductID]
		if !ok {
			var err error
			p, err = s.catalog.FindProduct(ctx, l.ProductID)
			if errors.Is(err, catalog.ErrProductNotFound) {
				return nil, &ProductNotFoundError{Line: i, ProductID: l.ProductID}
			}
			if err != nil {
				return nil, fmt.Errorf("catalog lookup %s: %w", l.ProductID, err)
			}
			products[l.ProductID] = p
		}

		price, ok := p.UnitPrice(l.Variant)
		if !ok {
			return nil, &ProductNotFoundError{Line: i, ProductID: l.ProductID, Variant: l.Variant}
		}
		out = append(out, orders.LineItem{
			ProductID:      l.ProductID,
			Variant:        l.Variant,
			Name:           p.Name,
			Quantity:       l.Quantity,
			UnitPriceCents: price,
		})
	}
	return out, nil
}

func stockLines(in []LineRequest) []inventory.Line {
	out := make([]inventory.Line, len(in))
	for i, l := range in {
		out[i] = inventory.Line{ProductID: l.ProductID, Variant: l.Variant, Quantity: l.Quantity}
	}
	return out
}

// compensate hands a reservation back, retrying with backoff. It runs on a
// context detached from the caller so a dropped client cannot cut it short.
// If every attempt fails the reservation sweeper reconciles it later.
func (s *Service) compensate(ctx context.Context, reservationID string, release func(context.Context, string) error) bool {
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "checkout.compensate")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	attempt := 0
	op := func() error {
		attempt++
		err := release(ctx, reservationID)
		if errors.Is(err, inventory.ErrReservationNotFound) || errors.Is(err, inventory.ErrReservationCommitted) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logx.Warn(ctx, s.logger, "release attempt failed",
				zap.String("reservation_id", reservationID), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.retries), ctx))
	if errors.Is(err, inventory.ErrReservationCommitted) {
		metrics.CompensationTotal.WithLabelValues("kept").Inc()
		logx.Error(ctx, s.logger, "reservation already committed by an order, stock kept",
			zap.String("reservation_id", reservationID))
		return false
	}
	if err != nil {
		metrics.CompensationTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compensation failed")
		logx.Error(ctx, s.logger, "reservation not released, left for the sweeper",
			zap.String("reservation_id", reservationID), zap.Int("attempts", attempt), zap.Error(err))
		return false
	}
	metrics.CompensationTotal.WithLabelValues("released").Inc()
	logx.Info(ctx, s.logger, "reservation released",
		zap.String("reservation_id", reservationID), zap.Int("attempts", attempt))
	return true
}
