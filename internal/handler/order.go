package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/shop-checkout/internal/domain/auth"
	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/order"
)

// IdempotencyKeyHeader lets clients retry order placement safely.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 255

// PlaceOrder handles POST /api/orders. A replayed idempotent request answers
// 200 with the original order instead of 201.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLen {
		respondError(w, r, &order.ValidationError{
			Field:  IdempotencyKeyHeader,
			Reason: "must be at most 255 characters",
		})
		return
	}

	items := make([]order.PlaceOrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.PlaceOrderItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Variant:   it.Variant,
		}
	}

	res, err := h.orders.PlaceOrder(r.Context(), p, order.PlaceOrderRequest{
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   order.PaymentMethod(req.PaymentMethod),
		CouponCode:      req.CouponCode,
		IdempotencyKey:  key,
	})
	if err != nil {
		respondError(w, r, withCouponCode(err, req.CouponCode))
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	writeJSON(w, status, toOrderResponse(res.Order))
}

// ListMyOrders handles GET /api/orders.
func (h *Handler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r.URL.Query())
	if err != nil {
		respondError(w, r, err)
		return
	}
	res, err := h.orders.ListMine(r.Context(), principal(r), page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderListResponse(res))
}

// ListAllOrders handles GET /api/orders/admin/all.
func (h *Handler) ListAllOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	sort, err := parseSort(q)
	if err != nil {
		respondError(w, r, err)
		return
	}

	res, err := h.orders.ListAll(r.Context(), principal(r), order.ListFilter{
		Status: order.Status(q.Get("status")),
		Search: q.Get("search"),
		Sort:   sort,
		Page:   page,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderListResponse(res))
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// UpdateOrderStatus handles PATCH /api/orders/{id}/status.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if !p.IsAdmin() {
		respondError(w, r, order.ErrForbidden)
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), p, chi.URLParam(r, "id"), order.UpdateStatusRequest{
		Status:         order.Status(req.Status),
		TrackingNumber: strings.TrimSpace(req.TrackingNumber),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func withCouponCode(err error, code string) error {
	code = coupon.NormalizeCode(code)
	if code == "" {
		return err
	}
	for _, c := range couponCodes {
		if errors.Is(err, c.err) {
			return &couponError{Code: code, Err: c.err}
		}
	}
	return err
}

func parsePage(q url.Values) (order.Page, error) {
	var (
		p   order.Page
		err error
	)
	if p.Number, err = intParam(q, "page"); err != nil {
		return p, err
	}
	if p.Limit, err = intParam(q, "limit"); err != nil {
		return p, err
	}
	return p, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, &order.ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return v, nil
}

func parseSort(q url.Values) (order.Sort, error) {
	var s order.Sort
	switch by := order.SortField(q.Get("sortBy")); by {
	case "", order.SortByCreatedAt, order.SortByTotal:
		s.By = by
	default:
		return s, &order.ValidationError{Field: "sortBy", Reason: "must be createdAt or total"}
	}
	switch dir := order.Direction(strings.ToLower(q.Get("direction"))); dir {
	case "", order.Asc, order.Desc:
		s.Direction = dir
	default:
		return s, &order.ValidationError{Field: "direction", Reason: "must be asc or desc"}
	}
	return s, nil
}
