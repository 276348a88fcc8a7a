package orders

import "context"

// Ledger is the durable record of orders and their status history.
type Ledger interface {
	Create(ctx context.Context, d Draft) (*Order, error)
	AppendStatus(ctx context.Context, orderID string, to Status, note string) (*Order, error)
	SetPaymentStatus(ctx context.Context, orderID string, to PaymentStatus) (*Order, error)
	Get(ctx context.Context, orderID string) (*Order, error)
	ListByCustomer(ctx context.Context, userID string, p Page, status Status) (List, error)
	ListAll(ctx context.Context, p Page, status Status) (List, error)
}
