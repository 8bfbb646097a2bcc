package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
)

const (
	minCodeLen = 3
	maxCodeLen = 32
)

// Column order of an import row. Only the first three are required.
const (
	colCode = iota
	colType
	colValue
	colMinOrder
	colMaxDiscount
	colUsageLimit
	colExpiresAt
	numCols
)

// parseRecord converts one CSV row into a coupon definition.
func parseRecord(rec []string) (coupon.Coupon, error) {
	if len(rec) < colValue+1 || len(rec) > numCols {
		return coupon.Coupon{}, errors.Errorf("want 3 to %d fields, got %d", numCols, len(rec))
	}
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	c := coupon.Coupon{
		Code:     coupon.NormalizeCode(field(colCode)),
		IsActive: true,
	}
	if !validCode(c.Code) {
		return c, errors.Errorf("invalid code %q", c.Code)
	}

	switch t := coupon.DiscountType(strings.ToLower(field(colType))); t {
	case coupon.DiscountPercentage, coupon.DiscountFixed:
		c.DiscountType = t
	default:
		return c, errors.Errorf("unknown discount type %q", field(colType))
	}

	var err error
	if c.DiscountValue, err = parseAmount(field(colValue)); err != nil {
		return c, errors.Wrap(err, "value")
	}
	if c.DiscountType == coupon.DiscountPercentage && c.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
		return c, errors.New("percentage above 100")
	}
	if s := field(colMinOrder); s != "" {
		if c.MinOrderValue, err = parseAmount(s); err != nil {
			return c, errors.Wrap(err, "min order value")
		}
	}
	if s := field(colMaxDiscount); s != "" {
		v, err := parseAmount(s)
		if err != nil {
			return c, errors.Wrap(err, "max discount")
		}
		c.MaxDiscount = &v
	}
	if s := field(colUsageLimit); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return c, errors.Errorf("invalid usage limit %q", s)
		}
		c.UsageLimit = &n
	}
	if s := field(colExpiresAt); s != "" {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return c, errors.Wrap(err, "expires at")
		}
		c.ExpiresAt = &at
	}
	return c, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return d, err
	}
	if d.IsNegative() {
		return d, errors.Errorf("negative amount %s", s)
	}
	return d, nil
}

func validCode(code string) bool {
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
