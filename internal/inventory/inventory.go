// Package inventory owns per-variant stock counters. Stock only moves through
// Reserve and Release, which are all-or-nothing across every line.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type Line struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Quantity  int    `json:"quantity"`
}

// Reservation is the token for one successful Reserve call.
type Reservation struct {
	ID    string
	Lines []Line
}

type Status string

const (
	StatusReserved  Status = "RESERVED"
	StatusCommitted Status = "COMMITTED"
	StatusReleased  Status = "RELEASED"
)

type Store interface {
	Reserve(ctx context.Context, lines []Line) (Reservation, error)
	// Release is idempotent: releasing a released reservation is a no-op.
	Release(ctx context.Context, reservationID string) error
	// ReleaseReserved releases only a reservation no order has committed yet.
	// A committed one is left in place and reported as ErrReservationCommitted.
	ReleaseReserved(ctx context.Context, reservationID string) error
}

// Reaper finds reservations that no live order holds and returns their stock.
type Reaper interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

var (
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationCommitted = errors.New("reservation is held by an order")
	ErrInvalidQuantity      = errors.New("quantity out of range")
	ErrNoLines              = errors.New("reservation needs at least one line")
)

// MaxLineQuantity bounds one merged line; stock columns are 32-bit.
const MaxLineQuantity = math.MaxInt32

type Shortage struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", key(s.ProductID, s.Variant), s.Requested, s.Available))
	}
	return "insufficient stock (" + strings.Join(parts, "; ") + ")"
}

func key(productID, variant string) string {
	if variant == "" {
		return productID
	}
	return productID + "/" + variant
}

// Merge folds repeated product/variant pairs into one line and sorts the
// result, which is also the row lock order.
func Merge(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	idx := make(map[[2]string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.Quantity < 1 || l.Quantity > MaxLineQuantity {
			return nil, fmt.Errorf("%s: %w", key(l.ProductID, l.Variant), ErrInvalidQuantity)
		}
		k := [2]string{l.ProductID, l.Variant}
		if i, ok := idx[k]; ok {
			if l.Quantity > MaxLineQuantity-out[i].Quantity {
				return nil, fmt.Errorf("%s: %w", key(l.ProductID, l.Variant), ErrInvalidQuantity)
			}
			out[i].Quantity += l.Quantity
			continue
		}
		idx[k] = len(out)
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Variant < out[j].Variant
	})
	return out, nil
}
