package handler

import (
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/inventory"
	"github.com/xenking/shop-checkout/internal/domain/order"
	"github.com/xenking/shop-checkout/internal/domain/pricing"
)

// apiError is the mapped form of a domain error.
type apiError struct {
	Status  int
	Code    string
	Message string
}

// couponError attaches the submitted code to a coupon rejection.
type couponError struct {
	Code string
	Err  error
}

func (e *couponError) Error() string {
	return fmt.Sprintf("coupon %s: %s", e.Code, e.Err)
}

func (e *couponError) Unwrap() error { return e.Err }

var couponCodes = []struct {
	err  error
	code string
}{
	{coupon.ErrCouponNotFound, "COUPON_NOT_FOUND"},
	{coupon.ErrCouponExpired, "COUPON_EXPIRED"},
	{coupon.ErrCouponLimitReached, "COUPON_LIMIT_REACHED"},
	{coupon.ErrMinOrderNotMet, "MIN_ORDER_NOT_MET"},
}

// mapError converts domain errors to a status, stable code and a message
// naming the offending resource. Unknown errors map to INTERNAL and never
// leak their text.
func mapError(err error) apiError {
	var (
		validation *order.ValidationError
		transition *order.InvalidTransitionError
		notFound   *inventory.ProductNotFoundError
		stock      *inventory.InsufficientStockError
		amount     *pricing.InvalidAmountError
	)
	switch {
	case errors.As(err, &validation):
		return apiError{http.StatusBadRequest, "VALIDATION_ERROR", validation.Error()}
	case errors.As(err, &amount):
		return apiError{http.StatusUnprocessableEntity, "INVALID_AMOUNT", amount.Error()}
	case errors.As(err, &notFound):
		return apiError{http.StatusUnprocessableEntity, "PRODUCT_NOT_FOUND", notFound.Error()}
	case errors.As(err, &stock):
		return apiError{http.StatusConflict, "INSUFFICIENT_STOCK", stock.Error()}
	case errors.As(err, &transition):
		return apiError{http.StatusConflict, "INVALID_STATUS_TRANSITION", transition.Error()}
	case errors.Is(err, order.ErrForbidden):
		return apiError{http.StatusForbidden, "FORBIDDEN", "not allowed to access this order"}
	case errors.Is(err, order.ErrOrderNotFound):
		return apiError{http.StatusNotFound, "ORDER_NOT_FOUND", "order not found"}
	}

	for _, c := range couponCodes {
		if !errors.Is(err, c.err) {
			continue
		}
		msg := c.err.Error()
		var ce *couponError
		if errors.As(err, &ce) {
			msg = ce.Error()
		}
		return apiError{http.StatusUnprocessableEntity, c.code, msg}
	}

	return apiError{http.StatusInternalServerError, "INTERNAL", "internal server error"}
}

// respondError maps err and writes it, logging infrastructure failures.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	if e.Status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, e.Status, e.Code, e.Message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Str(code)
	e.FieldStart("message")
	e.Str(message)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
