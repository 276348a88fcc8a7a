package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps stock in process. One mutex covers the whole check and
// decrement, which gives the same all-or-nothing behaviour as the row locks
// in PGStore.
type MemoryStore struct {
	mu           sync.Mutex
	stock        map[[2]string]int
	reservations map[string]*memReservation

	Now func() time.Time
}

type memReservation struct {
	lines     []Line
	status    Status
	createdAt time.Time
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Reaper = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock:        map[[2]string]int{},
		reservations: map[string]*memReservation{},
		Now:          time.Now,
	}
}

func (m *MemoryStore) SetStock(productID, variant string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[[2]string{productID, variant}] = qty
}

func (m *MemoryStore) Stock(productID, variant string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[[2]string{productID, variant}]
}

func (m *MemoryStore) Reserve(_ context.Context, lines []Line) (Reservation, error) {
	merged, err := Merge(lines)
	if err != nil {
		return Reservation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var short []Shortage
	for _, l := range merged {
		if have := m.stock[[2]string{l.ProductID, l.Variant}]; have < l.Quantity {
			short = append(short, Shortage{ProductID: l.ProductID, Variant: l.Variant, Requested: l.Quantity, Available: have})
		}
	}
	if len(short) > 0 {
		return Reservation{}, &InsufficientStockError{Shortages: short}
	}

	for _, l := range merged {
		m.stock[[2]string{l.ProductID, l.Variant}] -= l.Quantity
	}
	res := Reservation{ID: uuid.NewString(), Lines: merged}
	m.reservations[res.ID] = &memReservation{lines: merged, status: StatusReserved, createdAt: m.Now()}
	return res, nil
}

func (m *MemoryStore) Release(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	m.releaseLocked(r)
	return nil
}

func (m *MemoryStore) ReleaseReserved(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.status == StatusCommitted {
		return ErrReservationCommitted
	}
	m.releaseLocked(r)
	return nil
}

// Commit marks a reservation as held by an order, shielding it from the
// stale sweep. Only a RESERVED reservation can be committed, as in the
// Postgres ledger's create transaction.
func (m *MemoryStore) Commit(reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.status != StatusReserved {
		return fmt.Errorf("reservation %s is %s", reservationID, r.status)
	}
	r.status = StatusCommitted
	return nil
}

func (m *MemoryStore) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.Now().Add(-olderThan)
	n := 0
	for _, r := range m.reservations {
		if r.status == StatusReserved && r.createdAt.Before(cutoff) {
			m.releaseLocked(r)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) releaseLocked(r *memReservation) {
	if r.status == StatusReleased {
		return
	}
	for _, l := range r.lines {
		m.stock[[2]string{l.ProductID, l.Variant}] += l.Quantity
	}
	r.status = StatusReleased
}
