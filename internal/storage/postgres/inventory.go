package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/shop-checkout/internal/domain/inventory"
)

const (
	// A single statement checks and decrements; the row lock it takes
	// serializes concurrent reservations of the same product.
	reserveStockSQL = `UPDATE products SET stock = stock - $2
		WHERE id = $1 AND is_active AND stock >= $2`

	releaseStockSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`

	stockDiagnosticSQL = `SELECT stock, is_active FROM products WHERE id = $1`
)

var _ inventory.Ledger = (*Ledger)(nil)

// Ledger implements inventory.Ledger with conditional updates.
type Ledger struct {
	tx *Transactor
}

// NewLedger returns a Ledger that joins transactions started by tx.
func NewLedger(tx *Transactor) *Ledger {
	return &Ledger{tx: tx}
}

// Reserve decrements stock for every line or for none. Lines are merged and
// taken in product id order so that concurrent multi-item reservations lock
// rows in the same order.
func (l *Ledger) Reserve(ctx context.Context, lines []inventory.Line) error {
	lines, err := inventory.Normalize(lines)
	if err != nil {
		return err
	}

	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		db := l.tx.conn(ctx)
		for _, ln := range lines {
			tag, err := db.Exec(ctx, reserveStockSQL, ln.ProductID, ln.Quantity)
			if err != nil {
				return fmt.Errorf("reserving stock for product %q: %w", ln.ProductID, err)
			}
			if tag.RowsAffected() == 1 {
				continue
			}
			return diagnoseReserve(ctx, db, ln)
		}
		return nil
	})
}

// diagnoseReserve explains why a conditional decrement matched no row. It
// runs in the same transaction, which is rolled back by the caller.
func diagnoseReserve(ctx context.Context, db DBTX, ln inventory.Line) error {
	var (
		stock  int
		active bool
	)
	err := db.QueryRow(ctx, stockDiagnosticSQL, ln.ProductID).Scan(&stock, &active)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return &inventory.ProductNotFoundError{ProductID: ln.ProductID}
	case err != nil:
		return fmt.Errorf("reading stock of product %q: %w", ln.ProductID, err)
	case !active:
		return &inventory.ProductNotFoundError{ProductID: ln.ProductID}
	default:
		return &inventory.InsufficientStockError{
			ProductID: ln.ProductID,
			Requested: ln.Quantity,
			Available: stock,
		}
	}
}

// Release adds stock back.
func (l *Ledger) Release(ctx context.Context, lines []inventory.Line) error {
	lines, err := inventory.Normalize(lines)
	if err != nil {
		return err
	}

	return l.tx.WithinTx(ctx, func(ctx context.Context) error {
		db := l.tx.conn(ctx)
		for _, ln := range lines {
			tag, err := db.Exec(ctx, releaseStockSQL, ln.ProductID, ln.Quantity)
			if err != nil {
				return fmt.Errorf("releasing stock for product %q: %w", ln.ProductID, err)
			}
			if tag.RowsAffected() == 0 {
				return &inventory.ProductNotFoundError{ProductID: ln.ProductID}
			}
		}
		return nil
	})
}
