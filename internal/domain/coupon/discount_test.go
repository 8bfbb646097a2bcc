package coupon

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func TestApply(t *testing.T) {
	tests := []struct {
		name        string
		coupon      *Coupon
		subtotal    decimal.Decimal
		wantAmount  decimal.Decimal
		wantErrText string
	}{
		{
			name: "percentage capped at max discount",
			coupon: &Coupon{
				Code:          "SAVE10",
				DiscountType:  DiscountPercentage,
				DiscountValue: d("10"),
				MaxDiscount:   dp("20"),
			},
			subtotal:   d("300"),
			wantAmount: d("20"),
		},
		{
			name: "percentage below cap",
			coupon: &Coupon{
				Code:          "SAVE10",
				DiscountType:  DiscountPercentage,
				DiscountValue: d("10"),
				MaxDiscount:   dp("20"),
			},
			subtotal:   d("150"),
			wantAmount: d("15"),
		},
		{
			name: "percentage without cap",
			coupon: &Coupon{
				Code:          "HALF",
				DiscountType:  DiscountPercentage,
				DiscountValue: d("50"),
			},
			subtotal:   d("80"),
			wantAmount: d("40"),
		},
		{
			name: "percentage rounds half-up to 2 dp",
			coupon: &Coupon{
				Code:          "PCT15",
				DiscountType:  DiscountPercentage,
				DiscountValue: d("15"),
			},
			// 29.97 * 15% = 4.4955 -> 4.50
			subtotal:   d("29.97"),
			wantAmount: d("4.50"),
		},
		{
			name: "fixed below subtotal",
			coupon: &Coupon{
				Code:          "FLAT9",
				DiscountType:  DiscountFixed,
				DiscountValue: d("9"),
			},
			subtotal:   d("100"),
			wantAmount: d("9"),
		},
		{
			name: "fixed capped at subtotal",
			coupon: &Coupon{
				Code:          "BIG",
				DiscountType:  DiscountFixed,
				DiscountValue: d("200"),
			},
			subtotal:   d("100"),
			wantAmount: d("100"),
		},
		{
			name: "fixed ignores max discount",
			coupon: &Coupon{
				Code:          "FLAT30",
				DiscountType:  DiscountFixed,
				DiscountValue: d("30"),
				MaxDiscount:   dp("5"),
			},
			subtotal:   d("100"),
			wantAmount: d("30"),
		},
		{
			name: "unsupported type",
			coupon: &Coupon{
				Code:          "BAD",
				DiscountType:  DiscountType("bogus"),
				DiscountValue: d("10"),
			},
			subtotal:    d("10"),
			wantErrText: "unsupported discount type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.coupon, tt.subtotal)
			if tt.wantErrText != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrText)
				return
			}

			require.NoError(t, err)
			assert.True(t, tt.wantAmount.Equal(got), "expected %s, got %s", tt.wantAmount, got)
		})
	}
}

func TestApply_NeverExceedsBounds(t *testing.T) {
	subtotals := []string{"0", "0.01", "19.99", "200", "1000.50", "99999"}
	for _, s := range subtotals {
		subtotal := d(s)

		pct := &Coupon{DiscountType: DiscountPercentage, DiscountValue: d("35"), MaxDiscount: dp("25")}
		got, err := Apply(pct, subtotal)
		require.NoError(t, err)
		assert.True(t, got.LessThanOrEqual(d("25")), "percentage %s on %s", got, s)
		assert.True(t, got.LessThanOrEqual(subtotal))

		fixed := &Coupon{DiscountType: DiscountFixed, DiscountValue: d("75")}
		got, err = Apply(fixed, subtotal)
		require.NoError(t, err)
		assert.True(t, got.LessThanOrEqual(subtotal), "fixed %s on %s", got, s)
	}
}
