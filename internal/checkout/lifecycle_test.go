package checkout

import (
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

func (s *CheckoutSuite) place(userID string, qty int) *orders.Order {
	req := validRequest(LineRequest{ProductID: "P1", Variant: "M", Quantity: qty})
	req.UserID = userID
	if userID == "" {
		req.Customer = &orders.GuestContact{Name: "Ada", Email: "ada@example.com"}
	}
	o, err := s.svc.Checkout(s.ctx, req)
	s.Require().NoError(err)
	return o
}

func (s *CheckoutSuite) TestCancelPendingRestoresStock() {
	o := s.place("u1", 2)
	s.Equal(1, s.stock.Stock("P1", "M"))

	got, err := s.svc.Cancel(s.ctx, o.ID, Actor{UserID: "u1"}, "")
	s.Require().NoError(err)
	s.Equal(orders.StatusCancelled, got.Status)
	s.Equal("Cancelled by customer", got.History[len(got.History)-1].Note)
	s.Equal(3, s.stock.Stock("P1", "M"))
	s.Equal(2, s.notifier.count(), "placed and cancelled")
}

func (s *CheckoutSuite) TestCancelProcessingWithReason() {
	o := s.place("u1", 1)
	_, err := s.svc.UpdateStatus(s.ctx, o.ID, Actor{Admin: true}, orders.StatusProcessing, "packing")
	s.Require().NoError(err)

	got, err := s.svc.Cancel(s.ctx, o.ID, Actor{UserID: "u1"}, "changed my mind")
	s.Require().NoError(err)
	s.Equal("changed my mind", got.History[len(got.History)-1].Note)
	s.Len(got.History, 3)
	s.Equal(3, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestCancelShippedIsRejected() {
	o := s.place("u1", 1)
	admin := Actor{Admin: true}
	_, err := s.svc.UpdateStatus(s.ctx, o.ID, admin, orders.StatusProcessing, "")
	s.Require().NoError(err)
	_, err = s.svc.UpdateStatus(s.ctx, o.ID, admin, orders.StatusShipped, "dispatched")
	s.Require().NoError(err)

	_, err = s.svc.Cancel(s.ctx, o.ID, Actor{UserID: "u1"}, "")
	var stateErr *orders.InvalidStateError
	s.Require().ErrorAs(err, &stateErr)
	s.Equal("shipped", stateErr.From)
	s.Equal(2, s.stock.Stock("P1", "M"), "shipped stock stays sold")

	got, err := s.svc.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(orders.StatusShipped, got.Status)
}

func (s *CheckoutSuite) TestCancelTwiceReturnsStockOnce() {
	o := s.place("u1", 2)

	_, err := s.svc.Cancel(s.ctx, o.ID, Actor{UserID: "u1"}, "")
	s.Require().NoError(err)
	_, err = s.svc.Cancel(s.ctx, o.ID, Actor{UserID: "u1"}, "")
	var stateErr *orders.InvalidStateError
	s.Require().ErrorAs(err, &stateErr)
	s.Equal(3, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestCancelByStrangerIsForbidden() {
	o := s.place("u1", 1)

	_, err := s.svc.Cancel(s.ctx, o.ID, Actor{UserID: "u2"}, "")
	s.ErrorIs(err, orders.ErrForbidden)
	s.Equal(2, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestGuestOrderCancelledByAdmin() {
	o := s.place("", 1)

	_, err := s.svc.Cancel(s.ctx, o.ID, Actor{}, "")
	s.ErrorIs(err, orders.ErrForbidden)

	got, err := s.svc.Cancel(s.ctx, o.ID, Actor{UserID: "ops", Admin: true}, "")
	s.Require().NoError(err)
	s.Equal("Cancelled by admin", got.History[len(got.History)-1].Note)
	s.Equal(3, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestCancelUnknownOrder() {
	_, err := s.svc.Cancel(s.ctx, "ORD-missing", Actor{UserID: "u1"}, "")
	s.ErrorIs(err, orders.ErrNotFound)
}

func (s *CheckoutSuite) TestUpdateStatus() {
	o := s.place("u1", 1)

	_, err := s.svc.UpdateStatus(s.ctx, o.ID, Actor{UserID: "u1"}, orders.StatusProcessing, "")
	s.ErrorIs(err, orders.ErrForbidden)

	_, err = s.svc.UpdateStatus(s.ctx, o.ID, Actor{Admin: true}, "teleported", "")
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Contains(verr.Fields, "status")

	_, err = s.svc.UpdateStatus(s.ctx, o.ID, Actor{Admin: true}, orders.StatusDelivered, "")
	var stateErr *orders.InvalidStateError
	s.Require().ErrorAs(err, &stateErr)

	got, err := s.svc.UpdateStatus(s.ctx, o.ID, Actor{Admin: true}, orders.StatusCancelled, "")
	s.Require().NoError(err)
	s.Equal("Cancelled by admin", got.History[len(got.History)-1].Note)
	s.Equal(3, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestUpdatePaymentStatus() {
	o := s.place("u1", 1)

	_, err := s.svc.UpdatePaymentStatus(s.ctx, o.ID, Actor{UserID: "u1"}, orders.PaymentCompleted)
	s.ErrorIs(err, orders.ErrForbidden)

	_, err = s.svc.UpdatePaymentStatus(s.ctx, o.ID, Actor{Admin: true}, "refunded")
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)

	got, err := s.svc.UpdatePaymentStatus(s.ctx, o.ID, Actor{Admin: true}, orders.PaymentCompleted)
	s.Require().NoError(err)
	s.Equal(orders.PaymentCompleted, got.PaymentStatus)

	_, err = s.svc.UpdatePaymentStatus(s.ctx, o.ID, Actor{Admin: true}, orders.PaymentFailed)
	var stateErr *orders.InvalidStateError
	s.Require().ErrorAs(err, &stateErr)
}

func (s *CheckoutSuite) TestListing() {
	s.stock.SetStock("P1", "M", 50)
	for i := 0; i < 3; i++ {
		s.place("u1", 1)
	}
	s.place("u2", 1)

	_, err := s.svc.ListForCustomer(s.ctx, Actor{}, orders.Page{}, "")
	s.ErrorIs(err, orders.ErrForbidden)

	mine, err := s.svc.ListForCustomer(s.ctx, Actor{UserID: "u1"}, orders.Page{}, "")
	s.Require().NoError(err)
	s.Equal(3, mine.Total)
	s.Equal(orders.DefaultPageLimit, mine.Limit)

	_, err = s.svc.ListForCustomer(s.ctx, Actor{UserID: "u1"}, orders.Page{}, "lost")
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)

	_, err = s.svc.ListAll(s.ctx, Actor{UserID: "u1"}, orders.Page{}, "")
	s.ErrorIs(err, orders.ErrForbidden)

	all, err := s.svc.ListAll(s.ctx, Actor{Admin: true}, orders.Page{}, orders.StatusPending)
	s.Require().NoError(err)
	s.Equal(4, all.Total)
	s.Equal(20, all.Limit)
}
