package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres-backed Ledger.
type Repo struct{ DB *pgxpool.Pool }

var _ Ledger = (*Repo)(nil)

const orderColumns = `id, reservation_id, user_id, contact_name, contact_email, contact_phone,
	shipping_address, payment_method, payment_reference, payment_status, status,
	subtotal_cents, shipping_cents, tax_cents, total_cents, notes, created_at, updated_at`

// Create commits the reservation and writes the order with its first history
// entry in one transaction. Either all of it is visible or none of it is.
func (r *Repo) Create(ctx context.Context, d Draft) (*Order, error) {
	for attempt := 1; ; attempt++ {
		o, err := r.create(ctx, NewID(), d)
		if err != nil && postgres.IsUniqueViolation(err) && attempt < 3 {
			continue
		}
		return o, err
	}
}

func (r *Repo) create(ctx context.Context, id string, d Draft) (*Order, error) {
	addr, err := json.Marshal(d.ShippingAddress)
	if err != nil {
		return nil, fmt.Errorf("encode shipping address: %w", err)
	}
	var contactName, contactEmail, contactPhone *string
	if c := d.Customer.Contact; c != nil {
		contactName, contactEmail, contactPhone = &c.Name, &c.Email, nullable(c.Phone)
	}

	var createdAt time.Time
	err = postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE reservations SET status = 'COMMITTED', order_id = $2, updated_at = now()
			WHERE id = $1 AND status = 'RESERVED'`, d.ReservationID, id)
		if err != nil {
			return err
		}
		if ct.RowsAffected() != 1 {
			return ErrReservationNotHeld
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO orders (id, reservation_id, user_id, contact_name, contact_email, contact_phone,
				shipping_address, payment_method, payment_reference, payment_status, status,
				subtotal_cents, shipping_cents, tax_cents, total_cents, notes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING created_at`,
			id, d.ReservationID, nullable(d.Customer.UserID), contactName, contactEmail, contactPhone,
			addr, string(d.PaymentMethod), nullable(d.PaymentReference), string(d.PaymentStatus), string(StatusPending),
			d.Totals.SubtotalCents, d.Totals.ShippingCents, d.Totals.TaxCents, d.Totals.TotalCents, nullable(d.Notes),
		).Scan(&createdAt); err != nil {
			return err
		}

		rows := make([][]any, 0, len(d.Lines))
		for i, l := range d.Lines {
			rows = append(rows, []any{id, i + 1, l.ProductID, l.Variant, l.Name, l.Quantity, l.UnitPriceCents})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"order_items"},
			[]string{"order_id", "line_no", "product_id", "variant_key", "name", "qty", "unit_price_cents"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return err
		}

		sold := map[string]int{}
		for _, l := range d.Lines {
			sold[l.ProductID] += l.Quantity
		}
		// sorted, so concurrent creates lock product rows in the same order
		for _, pid := range slices.Sorted(maps.Keys(sold)) {
			if _, err := tx.Exec(ctx,
				`UPDATE products SET sold_count = sold_count + $2, updated_at = now() WHERE id = $1`,
				pid, sold[pid]); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO order_status_history (order_id, status, note) VALUES ($1, $2, $3)`,
			id, string(StatusPending), "Order placed")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	// committed: the result comes from the draft, a failed read-back must
	// not look like a failed write
	return placedOrder(id, d, createdAt), nil
}

// AppendStatus serializes on the order row, so the transition is checked
// against the status current at the moment of the append.
func (r *Repo) AppendStatus(ctx context.Context, orderID string, to Status, note string) (*Order, error) {
	err := postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		var from string
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !CanTransition(Status(from), to) {
			return &InvalidStateError{From: from, To: string(to)}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, orderID, string(to)); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO order_status_history (order_id, status, note) VALUES ($1, $2, $3)`,
			orderID, string(to), note)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, orderID)
}

func (r *Repo) SetPaymentStatus(ctx context.Context, orderID string, to PaymentStatus) (*Order, error) {
	err := postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		var from string
		err := tx.QueryRow(ctx, `SELECT payment_status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if PaymentStatus(from) == to {
			return nil
		}
		if !CanTransitionPayment(PaymentStatus(from), to) {
			return &InvalidStateError{From: from, To: string(to)}
		}
		_, err = tx.Exec(ctx,
			`UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`, orderID, string(to))
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, orderID)
}

func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	list, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	if err := r.attach(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *Repo) ListByCustomer(ctx context.Context, userID string, p Page, status Status) (List, error) {
	p = p.Normalize(DefaultPageLimit)
	return r.list(ctx, p,
		`WHERE user_id = $1 AND ($2::text = '' OR status = $2::text)`,
		userID, string(status))
}

func (r *Repo) ListAll(ctx context.Context, p Page, status Status) (List, error) {
	p = p.Normalize(DefaultPageLimit)
	return r.list(ctx, p, `WHERE ($1::text = '' OR status = $1::text)`, string(status))
}

func (r *Repo) list(ctx context.Context, p Page, where string, args ...any) (List, error) {
	var total int
	if err := r.DB.QueryRow(ctx, `SELECT count(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return List{}, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM orders %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, n+1, n+2)
	rows, err := r.DB.Query(ctx, query, append(args, p.Limit, p.Offset())...)
	if err != nil {
		return List{}, err
	}
	items, err := scanOrders(rows)
	if err != nil {
		return List{}, err
	}
	if err := r.attach(ctx, items); err != nil {
		return List{}, err
	}
	return NewList(items, p, total), nil
}

// attach loads line items and history for a batch of orders.
func (r *Repo) attach(ctx context.Context, list []Order) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	byID := make(map[string]*Order, len(list))
	for i := range list {
		ids[i] = list[i].ID
		byID[list[i].ID] = &list[i]
	}

	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, variant_key, name, qty, unit_price_cents
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line_no`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var oid string
		var l LineItem
		if err := rows.Scan(&oid, &l.ProductID, &l.Variant, &l.Name, &l.Quantity, &l.UnitPriceCents); err != nil {
			return err
		}
		byID[oid].Lines = append(byID[oid].Lines, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	hrows, err := r.DB.Query(ctx, `
		SELECT order_id, status, note, created_at
		FROM order_status_history WHERE order_id = ANY($1) ORDER BY order_id, id`, ids)
	if err != nil {
		return err
	}
	defer hrows.Close()
	for hrows.Next() {
		var oid, status string
		var e StatusEntry
		if err := hrows.Scan(&oid, &status, &e.Note, &e.At); err != nil {
			return err
		}
		e.Status = Status(status)
		byID[oid].History = append(byID[oid].History, e)
	}
	return hrows.Err()
}

func scanOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var (
			o                             Order
			userID, name, email, phone    *string
			paymentRef, notes             *string
			addr                          []byte
			method, paymentStatus, status string
			createdAt, updatedAt          time.Time
		)
		if err := rows.Scan(&o.ID, &o.ReservationID, &userID, &name, &email, &phone,
			&addr, &method, &paymentRef, &paymentStatus, &status,
			&o.Totals.SubtotalCents, &o.Totals.ShippingCents, &o.Totals.TaxCents, &o.Totals.TotalCents,
			&notes, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address of %s: %w", o.ID, err)
		}
		o.Customer.UserID = deref(userID)
		if email != nil {
			o.Customer.Contact = &GuestContact{Name: deref(name), Email: *email, Phone: deref(phone)}
		}
		o.PaymentMethod = PaymentMethod(method)
		o.PaymentReference = deref(paymentRef)
		o.PaymentStatus = PaymentStatus(paymentStatus)
		o.Status = Status(status)
		o.Notes = deref(notes)
		o.CreatedAt, o.UpdatedAt = createdAt, updatedAt
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
