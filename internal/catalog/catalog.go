// Package catalog resolves products and their current prices for checkout.
// Stock figures reported here are informational; the inventory store is the
// authority on availability.
package catalog

import (
	"context"
	"errors"
	"sync"
)

var ErrProductNotFound = errors.New("product not found")

type Variant struct {
	Key        string `json:"key"`
	Stock      int    `json:"stock"`
	PriceCents *int64 `json:"price_cents,omitempty"`
}

type Product struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	PriceCents int64              `json:"price_cents"`
	Active     bool               `json:"active"`
	Variants   map[string]Variant `json:"variants"`
}

// UnitPrice is the variant's own price when it has one, else the product's.
func (p *Product) UnitPrice(variant string) (int64, bool) {
	v, ok := p.Variants[variant]
	if !ok {
		return 0, false
	}
	if v.PriceCents != nil {
		return *v.PriceCents, true
	}
	return p.PriceCents, true
}

type Catalog interface {
	FindProduct(ctx context.Context, id string) (*Product, error)
}

// Memory is a fixed in-process catalog.
type Memory struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewMemory(products ...Product) *Memory {
	m := &Memory{products: map[string]Product{}}
	for _, p := range products {
		m.Put(p)
	}
	return m
}

func (m *Memory) Put(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
}

func (m *Memory) FindProduct(_ context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok || !p.Active {
		return nil, ErrProductNotFound
	}
	return &p, nil
}
