package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PG struct{ DB *pgxpool.Pool }

func (c *PG) FindProduct(ctx context.Context, id string) (*Product, error) {
	p := Product{Variants: map[string]Variant{}}
	err := c.DB.QueryRow(ctx,
		`SELECT id, name, price_cents, active FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrProductNotFound
	}

	rows, err := c.DB.Query(ctx,
		`SELECT variant_key, stock, price_cents FROM product_variants WHERE product_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.Key, &v.Stock, &v.PriceCents); err != nil {
			return nil, err
		}
		p.Variants[v.Key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}
