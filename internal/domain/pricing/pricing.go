// Package pricing computes the monetary breakdown of an order.
package pricing

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a line item or discount cannot be priced.
var ErrInvalidAmount = errors.New("invalid amount")

// InvalidAmountError names the offending input. It matches ErrInvalidAmount
// under errors.Is.
type InvalidAmountError struct {
	Field  string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount: %s %s", e.Field, e.Reason)
}

func (e *InvalidAmountError) Is(target error) bool {
	return target == ErrInvalidAmount
}

// Line is a single (price, quantity) pair.
type Line struct {
	Price    decimal.Decimal
	Quantity int
}

// Policy holds the store-wide tax and shipping rules.
type Policy struct {
	// TaxRate is a fraction, e.g. 0.10 for 10%. Tax applies to the subtotal.
	TaxRate decimal.Decimal
	// FreeShippingThreshold waives shipping when the subtotal is strictly
	// greater than it.
	FreeShippingThreshold decimal.Decimal
	// ShippingFee is charged when the threshold is not exceeded.
	ShippingFee decimal.Decimal
}

// DefaultPolicy is 10% tax, a flat 10.00 shipping fee and free shipping over 50.
func DefaultPolicy() Policy {
	return Policy{
		TaxRate:               decimal.RequireFromString("0.10"),
		FreeShippingThreshold: decimal.NewFromInt(50),
		ShippingFee:           decimal.NewFromInt(10),
	}
}

// Breakdown is the priced result. All fields are rounded to 2 decimal places
// and Total = Subtotal - Discount + Tax + Shipping holds exactly.
type Breakdown struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Calculator prices line items under a fixed Policy.
type Calculator struct {
	policy Policy
}

// NewCalculator returns a Calculator for the given policy.
func NewCalculator(p Policy) *Calculator {
	return &Calculator{policy: p}
}

// Policy returns the calculator's policy.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// Subtotal returns the rounded sum of price*quantity.
func Subtotal(lines []Line) (decimal.Decimal, error) {
	sum := decimal.Zero
	for i, l := range lines {
		if l.Quantity < 1 {
			return decimal.Zero, &InvalidAmountError{
				Field:  fmt.Sprintf("items[%d].quantity", i),
				Reason: "must be at least 1",
			}
		}
		if l.Price.IsNegative() {
			return decimal.Zero, &InvalidAmountError{
				Field:  fmt.Sprintf("items[%d].price", i),
				Reason: "must not be negative",
			}
		}
		sum = sum.Add(l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return round(sum), nil
}

// Calculate prices lines and applies an already computed discount.
func (c *Calculator) Calculate(lines []Line, discount decimal.Decimal) (Breakdown, error) {
	subtotal, err := Subtotal(lines)
	if err != nil {
		return Breakdown{}, err
	}
	if discount.IsNegative() {
		return Breakdown{}, &InvalidAmountError{Field: "discount", Reason: "must not be negative"}
	}
	discount = round(discount)
	if discount.GreaterThan(subtotal) {
		return Breakdown{}, &InvalidAmountError{Field: "discount", Reason: "exceeds subtotal"}
	}

	tax := round(subtotal.Mul(c.policy.TaxRate))
	shipping := round(c.policy.ShippingFee)
	if subtotal.GreaterThan(c.policy.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	return Breakdown{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    subtotal.Sub(discount).Add(tax).Add(shipping),
	}, nil
}

// round rounds half away from zero, which is half-up for non-negative amounts.
func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
