package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the subtotal.
	DiscountFixed DiscountType = "fixed"
)

var (
	// ErrCouponNotFound is returned when no active coupon matches the code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponExpired is returned when the coupon's expiry has passed.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponLimitReached is returned when the coupon has exhausted its uses.
	ErrCouponLimitReached = errors.New("coupon usage limit reached")
	// ErrMinOrderNotMet is returned when the subtotal is below the coupon minimum.
	ErrMinOrderNotMet = errors.New("minimum order value not met")
)

// Coupon is a discount code and its eligibility constraints.
type Coupon struct {
	Code          string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	MinOrderValue decimal.Decimal
	// MaxDiscount caps percentage discounts when set.
	MaxDiscount *decimal.Decimal
	// UsageLimit bounds UsageCount when set.
	UsageLimit *int
	UsageCount int
	IsActive   bool
	ExpiresAt  *time.Time
}

// Evaluation is the outcome of a successful coupon check.
type Evaluation struct {
	Code     string
	Discount decimal.Decimal
}

// Repository provides lookup and usage accounting of coupons.
type Repository interface {
	// FindByCode looks up a coupon case-insensitively. It returns
	// ErrCouponNotFound when no coupon matches.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// IncrementUsage adds one use. It returns ErrCouponLimitReached instead of
	// exceeding the usage limit.
	IncrementUsage(ctx context.Context, code string) error
}

// NormalizeCode returns the canonical stored form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
