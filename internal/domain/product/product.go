// Package product describes the read side of the catalog consumed by checkout.
package product

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is a catalog item as seen at checkout time.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Stock    int
	Image    string
	IsActive bool
}

// Repository reads products from the catalog. Stock is informational here;
// only the inventory ledger mutates it.
type Repository interface {
	// GetByIDs returns the products matching any of ids. Unknown ids are
	// silently absent from the result.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
