// Package inventory defines the stock ledger: the only component allowed to
// change Product.stock.
package inventory

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/go-faster/errors"
)

var (
	// ErrProductNotFound matches ProductNotFoundError under errors.Is.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock matches InsufficientStockError under errors.Is.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

// InsufficientStockError names the product that cannot cover a request.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Line is a quantity of a single product.
type Line struct {
	ProductID string
	Quantity  int
}

// Ledger owns stock counts.
//
// Reserve is all-or-nothing: every line is decremented or none is. Each
// per-product check-and-decrement is a single atomic step, never a read
// followed by a separate write. When ctx carries a transaction started by a
// Transactor, the ledger joins it.
type Ledger interface {
	Reserve(ctx context.Context, lines []Line) error
	Release(ctx context.Context, lines []Line) error
}

// Transactor runs fn inside one transaction. Repositories that support it
// pick the transaction up from the context passed to fn. If fn returns an
// error every write made through that context is rolled back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MaxQuantity bounds the quantity of one product in a single reservation. It
// matches the range of the stock column.
const MaxQuantity = math.MaxInt32

// Normalize merges lines for the same product and orders them by product id,
// which gives every reservation the same lock order. Lines with a
// non-positive quantity are rejected, as are merged quantities above
// MaxQuantity.
func Normalize(lines []Line) ([]Line, error) {
	merged := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 || l.Quantity > MaxQuantity {
			return nil, errors.Errorf("invalid quantity %d for product %s", l.Quantity, l.ProductID)
		}
		if merged[l.ProductID] > MaxQuantity-l.Quantity {
			return nil, errors.Errorf("quantity of product %s exceeds %d", l.ProductID, MaxQuantity)
		}
		merged[l.ProductID] += l.Quantity
	}

	out := make([]Line, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
