package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Evaluator checks a coupon code against an order subtotal.
type Evaluator interface {
	Evaluate(ctx context.Context, code string, subtotal decimal.Decimal) (*Evaluation, error)
}

// RepoEvaluator implements Evaluator on top of a Repository. Evaluation never
// mutates the coupon; usage is recorded separately once an order commits.
type RepoEvaluator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoEvaluator creates a RepoEvaluator backed by the given Repository.
func NewRepoEvaluator(repo Repository) *RepoEvaluator {
	return &RepoEvaluator{repo: repo, now: time.Now}
}

// Evaluate looks up the coupon and checks, in order: existence and active
// flag, expiry, usage limit and minimum order value. It returns the discount
// on success.
func (e *RepoEvaluator) Evaluate(ctx context.Context, code string, subtotal decimal.Decimal) (*Evaluation, error) {
	c, err := e.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	if !c.IsActive {
		return nil, ErrCouponNotFound
	}

	if c.ExpiresAt != nil && e.now().After(*c.ExpiresAt) {
		return nil, ErrCouponExpired
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return nil, ErrCouponLimitReached
	}
	if subtotal.LessThan(c.MinOrderValue) {
		return nil, ErrMinOrderNotMet
	}

	amount, err := Apply(c, subtotal)
	if err != nil {
		return nil, err
	}
	return &Evaluation{Code: c.Code, Discount: amount}, nil
}
