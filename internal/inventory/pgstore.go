package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct{ DB *pgxpool.Pool }

var (
	_ Store  = (*PGStore)(nil)
	_ Reaper = (*PGStore)(nil)
)

// Reserve locks every variant row (FOR UPDATE, sorted order) inside one
// transaction, checks all of them, and only then decrements. A shortage on
// any line rolls the whole thing back.
func (s *PGStore) Reserve(ctx context.Context, lines []Line) (Reservation, error) {
	merged, err := Merge(lines)
	if err != nil {
		return Reservation{}, err
	}
	res := Reservation{ID: uuid.NewString(), Lines: merged}

	err = postgres.WithTx(ctx, s.DB, func(tx pgx.Tx) error {
		var short []Shortage
		for _, l := range merged {
			var stock int
			err := tx.QueryRow(ctx, `
				SELECT stock FROM product_variants
				WHERE product_id = $1 AND variant_key = $2 FOR UPDATE`, l.ProductID, l.Variant).Scan(&stock)
			if errors.Is(err, pgx.ErrNoRows) {
				stock = 0
			} else if err != nil {
				return err
			}
			if stock < l.Quantity {
				short = append(short, Shortage{ProductID: l.ProductID, Variant: l.Variant, Requested: l.Quantity, Available: stock})
			}
		}
		if len(short) > 0 {
			return &InsufficientStockError{Shortages: short}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO reservations (id, status) VALUES ($1, $2)`, res.ID, string(StatusReserved)); err != nil {
			return err
		}
		for _, l := range merged {
			ct, err := tx.Exec(ctx, `
				UPDATE product_variants SET stock = stock - $3
				WHERE product_id = $1 AND variant_key = $2 AND stock >= $3`, l.ProductID, l.Variant, l.Quantity)
			if err != nil {
				return err
			}
			if ct.RowsAffected() != 1 {
				return fmt.Errorf("stock changed under lock for %s", key(l.ProductID, l.Variant))
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservation_lines (reservation_id, product_id, variant_key, qty)
				VALUES ($1, $2, $3, $4)`, res.ID, l.ProductID, l.Variant, l.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func (s *PGStore) Release(ctx context.Context, reservationID string) error {
	_, err := s.release(ctx, reservationID, func(context.Context, pgx.Tx, Status, time.Time) (bool, error) {
		return true, nil
	})
	return err
}

func (s *PGStore) ReleaseReserved(ctx context.Context, reservationID string) error {
	_, err := s.release(ctx, reservationID, func(_ context.Context, _ pgx.Tx, st Status, _ time.Time) (bool, error) {
		if st == StatusCommitted {
			return false, ErrReservationCommitted
		}
		return true, nil
	})
	return err
}

// ReleaseStale returns stock held by reservations that never reached an
// order within olderThan, and by committed reservations whose order was
// cancelled but not yet compensated.
func (s *PGStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM reservations
		WHERE status = 'RESERVED' AND created_at < now() - make_interval(secs => $1)
		UNION
		SELECT r.id FROM reservations r JOIN orders o ON o.reservation_id = r.id
		WHERE r.status = 'COMMITTED' AND o.status = 'cancelled'
		LIMIT 500`, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}

	// Each candidate is re-checked under its row lock; it may have been
	// committed or released since the scan.
	released := 0
	for _, id := range ids {
		ok, err := s.release(ctx, id, staleGuard(id, olderThan))
		if err != nil {
			return released, fmt.Errorf("release %s: %w", id, err)
		}
		if ok {
			released++
		}
	}
	return released, nil
}

type releaseGuard func(ctx context.Context, tx pgx.Tx, st Status, createdAt time.Time) (bool, error)

func staleGuard(id string, olderThan time.Duration) releaseGuard {
	return func(ctx context.Context, tx pgx.Tx, st Status, createdAt time.Time) (bool, error) {
		switch st {
		case StatusReserved:
			return time.Since(createdAt) > olderThan, nil
		case StatusCommitted:
			var orderStatus string
			err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE reservation_id = $1`, id).Scan(&orderStatus)
			if errors.Is(err, pgx.ErrNoRows) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return orderStatus == "cancelled", nil
		}
		return false, nil
	}
}

// release returns the reservation's stock when guard allows it. It reports
// whether stock moved.
func (s *PGStore) release(ctx context.Context, id string, guard releaseGuard) (bool, error) {
	moved := false
	err := postgres.WithTx(ctx, s.DB, func(tx pgx.Tx) error {
		var (
			status    string
			createdAt time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT status, created_at FROM reservations WHERE id = $1 FOR UPDATE`, id).Scan(&status, &createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		st := Status(status)
		if st == StatusReleased {
			return nil
		}
		ok, err := guard(ctx, tx, st, createdAt)
		if err != nil || !ok {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT product_id, variant_key, qty FROM reservation_lines
			WHERE reservation_id = $1 ORDER BY product_id, variant_key`, id)
		if err != nil {
			return err
		}
		lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Line, error) {
			var l Line
			err := row.Scan(&l.ProductID, &l.Variant, &l.Quantity)
			return l, err
		})
		if err != nil {
			return err
		}

		for _, l := range lines {
			if _, err := tx.Exec(ctx, `
				UPDATE product_variants SET stock = stock + $3
				WHERE product_id = $1 AND variant_key = $2`, l.ProductID, l.Variant, l.Quantity); err != nil {
				return err
			}
			if st == StatusCommitted {
				if _, err := tx.Exec(ctx, `
					UPDATE products SET sold_count = GREATEST(sold_count - $2, 0), updated_at = now()
					WHERE id = $1`, l.ProductID, l.Quantity); err != nil {
					return err
				}
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE reservations SET status = 'RELEASED', updated_at = now() WHERE id = $1`, id); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}
