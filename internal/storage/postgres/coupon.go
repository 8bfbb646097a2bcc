package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT code, discount_type, discount_value, min_order_value, max_discount,
		usage_limit, usage_count, is_active, expires_at
		FROM coupons WHERE code = UPPER(TRIM($1))`

	incrementCouponUsageSQL = `UPDATE coupons SET usage_count = usage_count + 1
		WHERE code = UPPER(TRIM($1)) AND (usage_limit IS NULL OR usage_count < usage_limit)`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE code = UPPER(TRIM($1)))`

	// Usage counts survive re-imports.
	upsertCouponSQL = `INSERT INTO coupons (code, discount_type, discount_value, min_order_value,
			max_discount, usage_limit, is_active, expires_at)
		VALUES (UPPER(TRIM($1)), $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value, min_order_value = EXCLUDED.min_order_value,
			max_discount = EXCLUDED.max_discount, usage_limit = EXCLUDED.usage_limit,
			is_active = EXCLUDED.is_active, expires_at = EXCLUDED.expires_at`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	tx *Transactor
}

// NewCouponRepository returns a CouponRepository.
func NewCouponRepository(tx *Transactor) *CouponRepository {
	return &CouponRepository{tx: tx}
}

// FindByCode looks up a coupon by its code (case-insensitive). Inactive
// coupons are returned; the evaluator rejects them.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.tx.conn(ctx).Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrCouponNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// IncrementUsage atomically adds one use without exceeding the usage limit.
func (r *CouponRepository) IncrementUsage(ctx context.Context, code string) error {
	db := r.tx.conn(ctx)
	tag, err := db.Exec(ctx, incrementCouponUsageSQL, code)
	if err != nil {
		return fmt.Errorf("incrementing usage of coupon %q: %w", code, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx, couponExistsSQL, code).Scan(&exists); err != nil {
		return fmt.Errorf("checking coupon %q: %w", code, err)
	}
	if !exists {
		return coupon.ErrCouponNotFound
	}
	return coupon.ErrCouponLimitReached
}

// UpsertBatch stores coupons in a single round trip, replacing definitions
// with the same code. It returns the number of rows written.
func (r *CouponRepository) UpsertBatch(ctx context.Context, coupons []coupon.Coupon) (int, error) {
	if len(coupons) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(upsertCouponSQL,
			c.Code, string(c.DiscountType), c.DiscountValue, c.MinOrderValue,
			c.MaxDiscount, c.UsageLimit, c.IsActive, c.ExpiresAt,
		)
	}

	results := r.tx.conn(ctx).SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	for _, c := range coupons {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("upserting coupon %q: %w", c.Code, err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("upserting coupons: %w", err)
	}
	return len(coupons), nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var c coupon.Coupon
	err := row.Scan(
		&c.Code, &c.DiscountType, &c.DiscountValue, &c.MinOrderValue, &c.MaxDiscount,
		&c.UsageLimit, &c.UsageCount, &c.IsActive, &c.ExpiresAt,
	)
	return c, err
}
