package checkout

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"go.uber.org/zap"
)

// Actor is whoever asks for an order change.
type Actor struct {
	UserID string
	Admin  bool
}

const (
	defaultCustomerCancelReason = "Cancelled by customer"
	defaultAdminCancelReason    = "Cancelled by admin"
)

func (s *Service) Get(ctx context.Context, orderID string) (*orders.Order, error) {
	return s.ledger.Get(ctx, orderID)
}

func (s *Service) ListForCustomer(ctx context.Context, actor Actor, p orders.Page, status orders.Status) (orders.List, error) {
	if actor.UserID == "" {
		return orders.List{}, orders.ErrForbidden
	}
	if err := validStatusFilter(status); err != nil {
		return orders.List{}, err
	}
	return s.ledger.ListByCustomer(ctx, actor.UserID, p.Normalize(orders.DefaultPageLimit), status)
}

func (s *Service) ListAll(ctx context.Context, actor Actor, p orders.Page, status orders.Status) (orders.List, error) {
	if !actor.Admin {
		return orders.List{}, orders.ErrForbidden
	}
	if err := validStatusFilter(status); err != nil {
		return orders.List{}, err
	}
	return s.ledger.ListAll(ctx, p.Normalize(20), status)
}

// Cancel moves an order to cancelled on behalf of its owner or an admin and
// returns its stock. The ledger re-reads the status under lock, so an order
// that has shipped in the meantime is rejected.
func (s *Service) Cancel(ctx context.Context, orderID string, actor Actor, reason string) (*orders.Order, error) {
	o, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !o.OwnedBy(actor.UserID) {
		return nil, orders.ErrForbidden
	}
	if reason == "" {
		reason = defaultCustomerCancelReason
		if actor.Admin && !o.OwnedBy(actor.UserID) {
			reason = defaultAdminCancelReason
		}
	}
	return s.transition(ctx, orderID, orders.StatusCancelled, reason)
}

// UpdateStatus is the administrative transition. Moving to cancelled has the
// same stock effect as Cancel.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, actor Actor, to orders.Status, note string) (*orders.Order, error) {
	if !actor.Admin {
		return nil, orders.ErrForbidden
	}
	if !to.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": fmt.Sprintf("status %q is not recognised", to)}}
	}
	if to == orders.StatusCancelled && note == "" {
		note = defaultAdminCancelReason
	}
	return s.transition(ctx, orderID, to, note)
}

func (s *Service) UpdatePaymentStatus(ctx context.Context, orderID string, actor Actor, to orders.PaymentStatus) (*orders.Order, error) {
	if !actor.Admin {
		return nil, orders.ErrForbidden
	}
	if !to.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"payment_status": fmt.Sprintf("payment status %q is not recognised", to)}}
	}
	o, err := s.ledger.SetPaymentStatus(ctx, orderID, to)
	if err != nil {
		return nil, err
	}
	logx.Info(ctx, s.logger, "payment status updated",
		zap.String("order_id", orderID), zap.String("payment_status", string(to)))
	return o, nil
}

func (s *Service) transition(ctx context.Context, orderID string, to orders.Status, note string) (*orders.Order, error) {
	o, err := s.ledger.AppendStatus(ctx, orderID, to, note)
	if err != nil {
		return nil, err
	}
	logx.Info(ctx, s.logger, "order status changed",
		zap.String("order_id", orderID), zap.String("status", string(to)))

	if to == orders.StatusCancelled {
		s.compensate(ctx, o.ReservationID, s.inventory.Release)
		if s.notifier != nil {
			s.notifier.Notify(context.WithoutCancel(ctx), o)
		}
	}
	return o, nil
}

func validStatusFilter(st orders.Status) error {
	if st == "" || st.Valid() {
		return nil
	}
	return &ValidationError{Fields: map[string]string{"status": fmt.Sprintf("status %q is not recognised", st)}}
}
