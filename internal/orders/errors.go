package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("order not found")
	ErrForbidden = errors.New("not allowed to act on this order")
	// ErrReservationNotHeld means the reservation expired or was released
	// before the order could be committed against it.
	ErrReservationNotHeld = errors.New("reservation is no longer held")
)

type InvalidStateError struct {
	From string
	To   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}
