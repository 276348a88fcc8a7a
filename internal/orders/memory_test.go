package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/stretchr/testify/require"
)

func draftFor(userID string) Draft {
	return Draft{
		ReservationID: "res-1",
		Customer:      Customer{UserID: userID},
		Lines:         []LineItem{{ProductID: "P1", Variant: "M", Name: "Tee", Quantity: 1, UnitPriceCents: 1000}},
		Totals:        Totals{SubtotalCents: 1000, ShippingCents: 1500, TaxCents: 75, TotalCents: 2575},
		PaymentMethod: MethodPayOnDelivery,
		PaymentStatus: PaymentPending,
	}
}

func TestMemoryLedger_CreateAndHistory(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	o, err := l.Create(ctx, draftFor("u1"))
	require.NoError(t, err)
	require.Equal(t, StatusPending, o.Status)
	require.Len(t, o.History, 1)
	require.Equal(t, "Order placed", o.History[0].Note)

	o, err = l.AppendStatus(ctx, o.ID, StatusProcessing, "picked")
	require.NoError(t, err)
	require.Len(t, o.History, 2)

	_, err = l.AppendStatus(ctx, o.ID, StatusDelivered, "")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, "processing", stateErr.From)

	got, err := l.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2, "rejected transitions leave no trace")
}

func TestMemoryLedger_PaymentStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	o, err := l.Create(ctx, draftFor("u1"))
	require.NoError(t, err)

	o, err = l.SetPaymentStatus(ctx, o.ID, PaymentCompleted)
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, o.PaymentStatus)

	_, err = l.SetPaymentStatus(ctx, o.ID, PaymentFailed)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	_, err = l.SetPaymentStatus(ctx, o.ID, PaymentCompleted)
	require.NoError(t, err)
}

func TestMemoryLedger_FailCreate(t *testing.T) {
	l := NewMemoryLedger()
	boom := errors.New("disk full")
	l.FailCreate = func(Draft) error { return boom }

	_, err := l.Create(context.Background(), draftFor("u1"))
	require.ErrorIs(t, err, boom)

	list, err := l.ListAll(context.Background(), Page{}, "")
	require.NoError(t, err)
	require.Zero(t, list.Total)
}

func TestMemoryLedger_CommitsReservation(t *testing.T) {
	ctx := context.Background()
	stock := inventory.NewMemoryStore()
	stock.SetStock("P1", "M", 3)
	stock.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	l := NewMemoryLedger()
	l.Reservations = stock

	held, err := stock.Reserve(ctx, []inventory.Line{{ProductID: "P1", Variant: "M", Quantity: 1}})
	require.NoError(t, err)
	orphan, err := stock.Reserve(ctx, []inventory.Line{{ProductID: "P1", Variant: "M", Quantity: 1}})
	require.NoError(t, err)

	d := draftFor("u1")
	d.ReservationID = held.ID
	_, err = l.Create(ctx, d)
	require.NoError(t, err)

	_, err = l.Create(ctx, d)
	require.ErrorIs(t, err, ErrReservationNotHeld, "a reservation backs one order")

	stock.Now = time.Now
	n, err := stock.ReleaseStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the reservation no order holds")
	require.Equal(t, 2, stock.Stock("P1", "M"))
	require.ErrorIs(t, stock.ReleaseReserved(ctx, held.ID), inventory.ErrReservationCommitted)
	require.NoError(t, stock.Release(ctx, orphan.ID))
}

func TestMemoryLedger_Listing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	for i := 0; i < 12; i++ {
		user := "u1"
		if i%3 == 0 {
			user = "u2"
		}
		_, err := l.Create(ctx, draftFor(user))
		require.NoError(t, err, fmt.Sprint(i))
	}

	page, err := l.ListByCustomer(ctx, "u1", Page{Page: 1, Limit: 5}, "")
	require.NoError(t, err)
	require.Equal(t, 8, page.Total)
	require.Equal(t, 2, page.Pages)
	require.Len(t, page.Items, 5)
	for i := 1; i < len(page.Items); i++ {
		require.False(t, page.Items[i].CreatedAt.After(page.Items[i-1].CreatedAt), "newest first")
	}

	page2, err := l.ListByCustomer(ctx, "u1", Page{Page: 2, Limit: 5}, "")
	require.NoError(t, err)
	require.Len(t, page2.Items, 3)

	all, err := l.ListAll(ctx, Page{}, StatusCancelled)
	require.NoError(t, err)
	require.Zero(t, all.Total)
	require.NotNil(t, all.Items)
}

func TestNewID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
