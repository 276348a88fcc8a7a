package checkout

import (
	"fmt"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/shopspring/decimal"
)

// Pricing holds the flat shipping and tax rules. Amounts are minor units.
type Pricing struct {
	FreeShippingThreshold int64
	ShippingFee           int64
	TaxRate               decimal.Decimal
}

func NewPricing(threshold, shippingFee int64, taxRate string) (Pricing, error) {
	rate, err := decimal.NewFromString(taxRate)
	if err != nil {
		return Pricing{}, fmt.Errorf("tax rate %q: %w", taxRate, err)
	}
	if rate.IsNegative() {
		return Pricing{}, fmt.Errorf("tax rate %q must not be negative", taxRate)
	}
	return Pricing{FreeShippingThreshold: threshold, ShippingFee: shippingFee, TaxRate: rate}, nil
}

// Totals computes the order totals from captured line prices. Shipping is
// free once the subtotal reaches the threshold; tax is a flat share of the
// subtotal rounded to the nearest minor unit.
func (p Pricing) Totals(lines []orders.LineItem) orders.Totals {
	var t orders.Totals
	for _, l := range lines {
		t.SubtotalCents += l.AmountCents()
	}
	if t.SubtotalCents < p.FreeShippingThreshold {
		t.ShippingCents = p.ShippingFee
	}
	t.TaxCents = decimal.NewFromInt(t.SubtotalCents).Mul(p.TaxRate).Round(0).IntPart()
	t.TotalCents = t.SubtotalCents + t.ShippingCents + t.TaxCents
	return t
}
