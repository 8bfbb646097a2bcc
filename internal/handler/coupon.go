package handler

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

// ValidateCoupon handles POST /api/coupons/validate. It previews the
// discount for an order total without recording usage.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondError(w, r, &order.ValidationError{Field: "code", Reason: "is required"})
		return
	}
	total, err := decimal.NewFromString(req.OrderTotal.String())
	if err != nil || total.IsNegative() {
		respondError(w, r, &order.ValidationError{Field: "orderTotal", Reason: "must be a non-negative amount"})
		return
	}

	ev, err := h.coupons.Evaluate(r.Context(), req.Code, total)
	if err != nil {
		respondError(w, r, withCouponCode(err, req.Code))
		return
	}
	writeJSON(w, http.StatusOK, couponResponse{
		Code:     ev.Code,
		Discount: money(ev.Discount),
	})
}
