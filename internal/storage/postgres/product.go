package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/shop-checkout/internal/domain/product"
)

const (
	getProductsByIDsSQL = `SELECT id, name, price, stock, image, is_active
		FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, name, price, stock, image, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			stock = EXCLUDED.stock, image = EXCLUDED.image, is_active = EXCLUDED.is_active`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	tx *Transactor
}

// NewProductRepository returns a ProductRepository.
func NewProductRepository(tx *Transactor) *ProductRepository {
	return &ProductRepository{tx: tx}
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.tx.conn(ctx).Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Upsert stores a catalog item, replacing the one with the same id. It is
// used by catalog tooling; checkout never writes products.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	_, err := r.tx.conn(ctx).Exec(ctx, upsertProductSQL, p.ID, p.Name, p.Price, p.Stock, p.Image, p.IsActive)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Image, &p.IsActive)
	return p, err
}
