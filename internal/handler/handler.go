// Package handler exposes the order service over HTTP.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/order"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the /api routes, delegating business logic to the order
// service and the coupon evaluator.
type Handler struct {
	orders  *order.Service
	coupons coupon.Evaluator
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(orders *order.Service, coupons coupon.Evaluator) *Handler {
	return &Handler{
		orders:  orders,
		coupons: coupons,
	}
}

// Routes returns the API router. Every route requires an authenticated
// principal, so auth must run in front of it.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(auth)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/", h.ListMyOrders)
		r.Get("/admin/all", h.ListAllOrders)
		r.Get("/{id}", h.GetOrder)
		r.Patch("/{id}/status", h.UpdateOrderStatus)
	})
	r.Post("/coupons/validate", h.ValidateCoupon)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}
