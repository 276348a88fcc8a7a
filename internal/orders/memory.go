package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger for tests and local tooling.
type MemoryLedger struct {
	mu     sync.Mutex
	orders map[string]*Order

	// FailCreate, when set, is consulted before every Create and aborts it
	// with the returned error.
	FailCreate func(Draft) error
	// Reservations, when set, has the draft's reservation committed the way
	// Repo does inside its create transaction.
	Reservations Committer
}

// Committer marks a reservation as held by an order.
type Committer interface {
	Commit(reservationID string) error
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{orders: map[string]*Order{}}
}

func (m *MemoryLedger) Create(_ context.Context, d Draft) (*Order, error) {
	if m.FailCreate != nil {
		if err := m.FailCreate(d); err != nil {
			return nil, err
		}
	}

	if m.Reservations != nil {
		if err := m.Reservations.Commit(d.ReservationID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReservationNotHeld, err)
		}
	}

	o := placedOrder(NewID(), d, time.Now().UTC())

	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	return clone(o), nil
}

func (m *MemoryLedger) AppendStatus(_ context.Context, orderID string, to Status, note string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(o.Status, to) {
		return nil, &InvalidStateError{From: string(o.Status), To: string(to)}
	}
	now := time.Now().UTC()
	o.Status = to
	o.UpdatedAt = now
	o.History = append(o.History, StatusEntry{Status: to, Note: note, At: now})
	return clone(o), nil
}

func (m *MemoryLedger) SetPaymentStatus(_ context.Context, orderID string, to PaymentStatus) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.PaymentStatus == to {
		return clone(o), nil
	}
	if !CanTransitionPayment(o.PaymentStatus, to) {
		return nil, &InvalidStateError{From: string(o.PaymentStatus), To: string(to)}
	}
	o.PaymentStatus = to
	o.UpdatedAt = time.Now().UTC()
	return clone(o), nil
}

func (m *MemoryLedger) Get(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (m *MemoryLedger) ListByCustomer(_ context.Context, userID string, p Page, status Status) (List, error) {
	return m.list(p, func(o *Order) bool {
		return o.Customer.UserID == userID && (status == "" || o.Status == status)
	}), nil
}

func (m *MemoryLedger) ListAll(_ context.Context, p Page, status Status) (List, error) {
	return m.list(p, func(o *Order) bool {
		return status == "" || o.Status == status
	}), nil
}

func (m *MemoryLedger) list(p Page, keep func(*Order) bool) List {
	p = p.Normalize(DefaultPageLimit)

	m.mu.Lock()
	var matched []*Order
	for _, o := range m.orders {
		if keep(o) {
			matched = append(matched, o)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	var items []Order
	for i := p.Offset(); i < len(matched) && len(items) < p.Limit; i++ {
		items = append(items, *clone(matched[i]))
	}
	return NewList(items, p, len(matched))
}

func clone(o *Order) *Order {
	c := *o
	c.Lines = append([]LineItem(nil), o.Lines...)
	c.History = append([]StatusEntry(nil), o.History...)
	if o.Customer.Contact != nil {
		contact := *o.Customer.Contact
		c.Customer.Contact = &contact
	}
	return &c
}
