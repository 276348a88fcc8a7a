package orders

import (
	"time"

	"github.com/google/uuid"
)

type Address struct {
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country" validate:"required"`
	PostalCode string `json:"postal_code,omitempty"`
}

type GuestContact struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone,omitempty"`
}

// Customer references an authenticated user, an embedded guest contact, or
// both when a signed-in user also supplied contact details.
type Customer struct {
	UserID  string        `json:"user_id,omitempty"`
	Contact *GuestContact `json:"contact,omitempty"`
}

func (c Customer) Guest() bool { return c.UserID == "" }

// Email returns the address confirmations go to, if one is known.
func (c Customer) Email() string {
	if c.Contact != nil {
		return c.Contact.Email
	}
	return ""
}

type LineItem struct {
	ProductID      string `json:"product_id"`
	Variant        string `json:"variant,omitempty"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (l LineItem) AmountCents() int64 { return l.UnitPriceCents * int64(l.Quantity) }

type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	TaxCents      int64 `json:"tax_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// Consistent reports whether the total is exactly the sum of its parts.
func (t Totals) Consistent() bool {
	return t.TotalCents == t.SubtotalCents+t.ShippingCents+t.TaxCents
}

type StatusEntry struct {
	Status Status    `json:"status"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

type Order struct {
	ID               string        `json:"id"`
	ReservationID    string        `json:"-"`
	Customer         Customer      `json:"customer"`
	Lines            []LineItem    `json:"lines"`
	Totals           Totals        `json:"totals"`
	PaymentMethod    PaymentMethod `json:"payment_method"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	Status           Status        `json:"status"`
	ShippingAddress  Address       `json:"shipping_address"`
	Notes            string        `json:"notes,omitempty"`
	History          []StatusEntry `json:"status_history"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (o *Order) OwnedBy(userID string) bool {
	return userID != "" && o.Customer.UserID == userID
}

// Draft is everything the ledger needs to persist a new order. The
// reservation must still be held when Create runs.
type Draft struct {
	ReservationID    string
	Customer         Customer
	Lines            []LineItem
	Totals           Totals
	PaymentMethod    PaymentMethod
	PaymentReference string
	PaymentStatus    PaymentStatus
	ShippingAddress  Address
	Notes            string
}

// placedOrder is the order a ledger has just written from d.
func placedOrder(id string, d Draft, at time.Time) *Order {
	customer := Customer{UserID: d.Customer.UserID}
	if d.Customer.Contact != nil {
		c := *d.Customer.Contact
		customer.Contact = &c
	}
	return &Order{
		ID:               id,
		ReservationID:    d.ReservationID,
		Customer:         customer,
		Lines:            append([]LineItem(nil), d.Lines...),
		Totals:           d.Totals,
		PaymentMethod:    d.PaymentMethod,
		PaymentReference: d.PaymentReference,
		PaymentStatus:    d.PaymentStatus,
		Status:           StatusPending,
		ShippingAddress:  d.ShippingAddress,
		Notes:            d.Notes,
		History:          []StatusEntry{{Status: StatusPending, Note: "Order placed", At: at}},
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

// NewID returns a time-ordered order id that stays unique across
// concurrent creators and replicas.
func NewID() string {
	return "ORD-" + uuid.Must(uuid.NewV7()).String()
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type Page struct {
	Page  int
	Limit int
}

func (p Page) Normalize(defaultLimit int) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

type List struct {
	Items []Order `json:"orders"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
	Total int     `json:"total"`
	Pages int     `json:"pages"`
}

func NewList(items []Order, p Page, total int) List {
	if items == nil {
		items = []Order{}
	}
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return List{Items: items, Page: p.Page, Limit: p.Limit, Total: total, Pages: pages}
}
