package checkout

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type fakePayments struct {
	mu      sync.Mutex
	enabled bool
	settled map[string]bool
	err     error
	calls   int
}

func (f *fakePayments) Enabled() bool { return f.enabled }

func (f *fakePayments) Verify(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.settled[ref], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []*orders.Order
}

func (r *recordingNotifier) Notify(_ context.Context, o *orders.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

// flakyStore fails the first `failures` ReleaseReserved calls.
type flakyStore struct {
	*inventory.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) ReleaseReserved(ctx context.Context, id string) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.ReleaseReserved(ctx, id)
}

// lostReply writes the order and then fails, like a ledger whose commit
// landed but whose reply never reached the caller.
type lostReply struct {
	*orders.MemoryLedger
}

func (l lostReply) Create(ctx context.Context, d orders.Draft) (*orders.Order, error) {
	if _, err := l.MemoryLedger.Create(ctx, d); err != nil {
		return nil, err
	}
	return nil, context.Canceled
}

type CheckoutSuite struct {
	suite.Suite
	ctx      context.Context
	catalog  *catalog.Memory
	stock    *inventory.MemoryStore
	ledger   *orders.MemoryLedger
	payments *fakePayments
	notifier *recordingNotifier
	svc      *Service
}

func TestCheckoutSuite(t *testing.T) {
	suite.Run(t, new(CheckoutSuite))
}

func (s *CheckoutSuite) SetupTest() {
	s.ctx = context.Background()
	s.catalog = catalog.NewMemory(
		catalog.Product{ID: "P1", Name: "Tee", PriceCents: 1000, Active: true, Variants: map[string]catalog.Variant{
			"M": {Key: "M"}, "L": {Key: "L"},
		}},
		catalog.Product{ID: "P2", Name: "Mug", PriceCents: 4500, Active: true, Variants: map[string]catalog.Variant{
			"": {Key: ""},
		}},
	)
	s.stock = inventory.NewMemoryStore()
	s.stock.SetStock("P1", "M", 3)
	s.stock.SetStock("P1", "L", 20)
	s.stock.SetStock("P2", "", 10)
	s.ledger = orders.NewMemoryLedger()
	s.ledger.Reservations = s.stock
	s.payments = &fakePayments{enabled: true, settled: map[string]bool{"ref-ok": true}}
	s.notifier = &recordingNotifier{}
	s.svc = s.newService(s.stock)
}

func (s *CheckoutSuite) newService(store inventory.Store) *Service {
	pricing, err := NewPricing(10000, 1500, "0.075")
	s.Require().NoError(err)
	return NewService(Deps{
		Catalog:             s.catalog,
		Inventory:           store,
		Ledger:              s.ledger,
		Payments:            s.payments,
		Notifier:            s.notifier,
		Pricing:             pricing,
		Logger:              zap.NewNop(),
		CompensationRetries: 3,
		NewBackOff:          func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
}

func validRequest(lines ...LineRequest) Request {
	if len(lines) == 0 {
		lines = []LineRequest{{ProductID: "P1", Variant: "M", Quantity: 1}}
	}
	return Request{
		Lines:           lines,
		ShippingAddress: &orders.Address{Street: "1 Marina", City: "Lagos", Country: "NG"},
		PaymentMethod:   orders.MethodPayOnDelivery,
		UserID:          "u1",
	}
}

func repeatLine(l LineRequest, n int) []LineRequest {
	out := make([]LineRequest, n)
	for i := range out {
		out[i] = l
	}
	return out
}

func (s *CheckoutSuite) ledgerSize() int {
	list, err := s.ledger.ListAll(s.ctx, orders.Page{Limit: 100}, "")
	s.Require().NoError(err)
	return list.Total
}

func (s *CheckoutSuite) TestTotalsBelowFreeShipping() {
	o, err := s.svc.Checkout(s.ctx, validRequest())
	s.Require().NoError(err)

	s.Equal(orders.Totals{SubtotalCents: 1000, ShippingCents: 1500, TaxCents: 75, TotalCents: 2575}, o.Totals)
	s.True(o.Totals.Consistent())
	s.Equal(orders.StatusPending, o.Status)
	s.Equal(orders.PaymentPending, o.PaymentStatus)
	s.Require().Len(o.History, 1)
	s.Equal("Order placed", o.History[0].Note)
	s.Equal([]orders.LineItem{{ProductID: "P1", Variant: "M", Name: "Tee", Quantity: 1, UnitPriceCents: 1000}}, o.Lines)
	s.Equal(2, s.stock.Stock("P1", "M"))
	s.Equal(1, s.notifier.count())
}

func (s *CheckoutSuite) TestFreeShippingAtThreshold() {
	o, err := s.svc.Checkout(s.ctx, validRequest(LineRequest{ProductID: "P1", Variant: "L", Quantity: 10}))
	s.Require().NoError(err)

	s.Equal(int64(10000), o.Totals.SubtotalCents)
	s.Zero(o.Totals.ShippingCents)
	s.Equal(int64(750), o.Totals.TaxCents)
	s.Equal(int64(10750), o.Totals.TotalCents)
}

func (s *CheckoutSuite) TestCapturedPricesSurviveCatalogChanges() {
	o, err := s.svc.Checkout(s.ctx, validRequest())
	s.Require().NoError(err)

	s.catalog.Put(catalog.Product{ID: "P1", Name: "Tee", PriceCents: 9999, Active: true,
		Variants: map[string]catalog.Variant{"M": {Key: "M"}}})

	got, err := s.ledger.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(int64(1000), got.Lines[0].UnitPriceCents)
	s.Equal(int64(2575), got.Totals.TotalCents)
}

func (s *CheckoutSuite) TestValidation() {
	cases := map[string]struct {
		mutate func(*Request)
		field  string
	}{
		"no lines":       {func(r *Request) { r.Lines = nil }, "lines"},
		"zero quantity":  {func(r *Request) { r.Lines[0].Quantity = 0 }, "lines[0].quantity"},
		"huge quantity":  {func(r *Request) { r.Lines[0].Quantity = 100001 }, "lines[0].quantity"},
		"too many lines": {func(r *Request) { r.Lines = repeatLine(LineRequest{ProductID: "P2", Quantity: 1}, 101) }, "lines"},
		"no product":     {func(r *Request) { r.Lines[0].ProductID = "" }, "lines[0].product_id"},
		"no address":     {func(r *Request) { r.ShippingAddress = nil }, "shipping_address"},
		"no city":        {func(r *Request) { r.ShippingAddress.City = "" }, "shipping_address.city"},
		"bad method":     {func(r *Request) { r.PaymentMethod = "barter" }, "payment_method"},
		"anonymous":      {func(r *Request) { r.UserID = "" }, "customer_info"},
		"bad guest mail": {func(r *Request) { r.UserID = ""; r.Customer = &orders.GuestContact{Name: "Ada", Email: "nope"} }, "customer_info.email"},
	}
	for name, c := range cases {
		s.Run(name, func() {
			req := validRequest()
			c.mutate(&req)

			_, err := s.svc.Checkout(s.ctx, req)
			var verr *ValidationError
			s.Require().ErrorAs(err, &verr)
			s.Contains(verr.Fields, c.field)
		})
	}
	s.Equal(3, s.stock.Stock("P1", "M"))
	s.Zero(s.ledgerSize())
}

func (s *CheckoutSuite) TestOverflowingDuplicateLinesAreRejected() {
	huge := math.MaxInt/2 + 1
	_, err := s.svc.Checkout(s.ctx, validRequest(
		LineRequest{ProductID: "P1", Variant: "M", Quantity: huge},
		LineRequest{ProductID: "P1", Variant: "M", Quantity: huge},
	))
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Contains(verr.Fields, "lines[0].quantity")
	s.Contains(verr.Fields, "lines[1].quantity")

	s.Equal(3, s.stock.Stock("P1", "M"))
	s.Zero(s.ledgerSize())
}

func (s *CheckoutSuite) TestGuestCheckout() {
	req := validRequest()
	req.UserID = ""
	req.Customer = &orders.GuestContact{Name: "Ada", Email: "ada@example.com"}

	o, err := s.svc.Checkout(s.ctx, req)
	s.Require().NoError(err)
	s.True(o.Customer.Guest())
	s.Equal("ada@example.com", o.Customer.Email())
}

func (s *CheckoutSuite) TestProductNotFound() {
	_, err := s.svc.Checkout(s.ctx, validRequest(
		LineRequest{ProductID: "P1", Variant: "M", Quantity: 1},
		LineRequest{ProductID: "gone", Quantity: 1},
	))
	var nf *ProductNotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal(1, nf.Line)
	s.Equal("gone", nf.ProductID)
	s.Equal(3, s.stock.Stock("P1", "M"))

	_, err = s.svc.Checkout(s.ctx, validRequest(LineRequest{ProductID: "P1", Variant: "XXL", Quantity: 1}))
	s.Require().ErrorAs(err, &nf)
	s.Equal("XXL", nf.Variant)
	s.Zero(s.ledgerSize())
}

func (s *CheckoutSuite) TestInsufficientStock() {
	_, err := s.svc.Checkout(s.ctx, validRequest(
		LineRequest{ProductID: "P2", Quantity: 1},
		LineRequest{ProductID: "P1", Variant: "M", Quantity: 5},
	))
	var short *inventory.InsufficientStockError
	s.Require().ErrorAs(err, &short)
	s.Equal([]inventory.Shortage{{ProductID: "P1", Variant: "M", Requested: 5, Available: 3}}, short.Shortages)

	s.Equal(3, s.stock.Stock("P1", "M"))
	s.Equal(10, s.stock.Stock("P2", ""), "no partial decrement")
	s.Zero(s.ledgerSize())
	s.Zero(s.notifier.count())
}

func (s *CheckoutSuite) TestPaymentNotSettledTouchesNoStock() {
	req := validRequest()
	req.PaymentMethod = orders.MethodPaystack
	req.PaymentReference = "ref-abandoned"

	_, err := s.svc.Checkout(s.ctx, req)
	var perr *PaymentError
	s.Require().ErrorAs(err, &perr)
	s.Equal("ref-abandoned", perr.Reference)
	s.Equal(3, s.stock.Stock("P1", "M"))
	s.Zero(s.ledgerSize())
}

func (s *CheckoutSuite) TestPaymentGatewayErrorIsPaymentError() {
	boom := errors.New("gateway timeout")
	s.payments.err = boom
	req := validRequest()
	req.PaymentMethod = orders.MethodPaystack
	req.PaymentReference = "ref-ok"

	_, err := s.svc.Checkout(s.ctx, req)
	var perr *PaymentError
	s.Require().ErrorAs(err, &perr)
	s.ErrorIs(err, boom)
	s.Equal(3, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestPaymentSettled() {
	req := validRequest()
	req.PaymentMethod = orders.MethodPaystack
	req.PaymentReference = "ref-ok"

	o, err := s.svc.Checkout(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(orders.PaymentCompleted, o.PaymentStatus)
	s.Equal("ref-ok", o.PaymentReference)
}

func (s *CheckoutSuite) TestGatewayNotConfiguredLeavesPaymentPending() {
	s.payments.enabled = false
	req := validRequest()
	req.PaymentMethod = orders.MethodPaystack
	req.PaymentReference = "ref-anything"

	o, err := s.svc.Checkout(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(orders.PaymentPending, o.PaymentStatus)
	s.Zero(s.payments.calls)
}

func (s *CheckoutSuite) TestPayOnDeliverySkipsVerification() {
	req := validRequest()
	req.PaymentReference = "ref-abandoned"

	o, err := s.svc.Checkout(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(orders.PaymentPending, o.PaymentStatus)
	s.Zero(s.payments.calls)
}

func (s *CheckoutSuite) TestLedgerFailureRestoresStock() {
	boom := errors.New("insert failed")
	s.ledger.FailCreate = func(orders.Draft) error { return boom }

	_, err := s.svc.Checkout(s.ctx, validRequest(
		LineRequest{ProductID: "P1", Variant: "M", Quantity: 2},
		LineRequest{ProductID: "P2", Quantity: 4},
	))
	var lerr *LedgerWriteError
	s.Require().ErrorAs(err, &lerr)
	s.ErrorIs(err, boom)

	s.Equal(3, s.stock.Stock("P1", "M"))
	s.Equal(10, s.stock.Stock("P2", ""))
	s.Zero(s.notifier.count())
}

func (s *CheckoutSuite) TestCompensationRetriesUntilRelease() {
	store := &flakyStore{MemoryStore: s.stock, failures: 2}
	svc := s.newService(store)
	s.ledger.FailCreate = func(orders.Draft) error { return errors.New("insert failed") }

	_, err := svc.Checkout(s.ctx, validRequest(LineRequest{ProductID: "P1", Variant: "M", Quantity: 2}))
	s.Require().Error(err)
	s.Equal(3, store.calls)
	s.Equal(3, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestExhaustedCompensationIsReconciledBySweeper() {
	store := &flakyStore{MemoryStore: s.stock, failures: 100}
	svc := s.newService(store)
	s.ledger.FailCreate = func(orders.Draft) error { return errors.New("insert failed") }

	_, err := svc.Checkout(s.ctx, validRequest(LineRequest{ProductID: "P1", Variant: "M", Quantity: 2}))
	var lerr *LedgerWriteError
	s.Require().ErrorAs(err, &lerr)
	s.Equal(1, s.stock.Stock("P1", "M"), "still held after retries ran out")

	s.stock.Now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := s.stock.ReleaseStale(s.ctx, 10*time.Minute)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(3, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestCommittedOrderKeepsStockWhenLedgerReplyIsLost() {
	pricing, err := NewPricing(10000, 1500, "0.075")
	s.Require().NoError(err)
	svc := NewService(Deps{
		Catalog:             s.catalog,
		Inventory:           s.stock,
		Ledger:              lostReply{s.ledger},
		Payments:            s.payments,
		Notifier:            s.notifier,
		Pricing:             pricing,
		Logger:              zap.NewNop(),
		CompensationRetries: 3,
		NewBackOff:          func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})

	_, err = svc.Checkout(s.ctx, validRequest(LineRequest{ProductID: "P1", Variant: "M", Quantity: 2}))
	var lerr *LedgerWriteError
	s.Require().ErrorAs(err, &lerr)

	list, err := s.ledger.ListAll(s.ctx, orders.Page{}, "")
	s.Require().NoError(err)
	s.Require().Equal(1, list.Total)
	s.Equal(orders.StatusPending, list.Items[0].Status)
	s.Equal(1, s.stock.Stock("P1", "M"), "the live order still holds its units")

	s.stock.Now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := s.stock.ReleaseStale(s.ctx, 10*time.Minute)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal(1, s.stock.Stock("P1", "M"))
}

func (s *CheckoutSuite) TestConcurrentCheckoutsNeverOversell() {
	s.stock.SetStock("P2", "", 5)

	const racers = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		placed  []*orders.Order
		refused int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			o, err := s.svc.Checkout(s.ctx, validRequest(LineRequest{ProductID: "P2", Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			var short *inventory.InsufficientStockError
			switch {
			case err == nil:
				placed = append(placed, o)
			case errors.As(err, &short):
				refused++
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Len(placed, 5)
	s.Equal(racers-5, refused)
	s.Zero(s.stock.Stock("P2", ""))
	s.Equal(5, s.ledgerSize())
	for _, o := range placed {
		s.True(o.Totals.Consistent())
	}
}

func (s *CheckoutSuite) TestTwoCheckoutsRaceForThreeUnits() {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.svc.Checkout(s.ctx, validRequest(LineRequest{ProductID: "P1", Variant: "M", Quantity: 2}))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var short *inventory.InsufficientStockError
		s.Require().ErrorAs(err, &short)
		s.Equal(1, short.Shortages[0].Available)
	}
	s.Equal(1, ok)
	s.Equal(1, s.stock.Stock("P1", "M"))
}

func TestPricing(t *testing.T) {
	p, err := NewPricing(10000, 1500, "0.075")
	require.NoError(t, err)

	line := func(price int64, qty int) orders.LineItem {
		return orders.LineItem{UnitPriceCents: price, Quantity: qty}
	}

	require.Equal(t, orders.Totals{SubtotalCents: 1000, ShippingCents: 1500, TaxCents: 75, TotalCents: 2575},
		p.Totals([]orders.LineItem{line(1000, 1)}))
	require.Equal(t, orders.Totals{SubtotalCents: 9999, ShippingCents: 1500, TaxCents: 750, TotalCents: 12249},
		p.Totals([]orders.LineItem{line(3333, 3)}))
	require.Equal(t, orders.Totals{SubtotalCents: 12000, ShippingCents: 0, TaxCents: 900, TotalCents: 12900},
		p.Totals([]orders.LineItem{line(2000, 2), line(8000, 1)}))

	// 7.5% of 10 is 0.75, rounded to the nearest minor unit
	require.Equal(t, int64(1), p.Totals([]orders.LineItem{line(10, 1)}).TaxCents)

	_, err = NewPricing(0, 0, "seven")
	require.Error(t, err)
	_, err = NewPricing(0, 0, "-0.1")
	require.Error(t, err)
}
