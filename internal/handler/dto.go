package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

type orderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Variant   string `json:"variant,omitempty"`
}

type placeOrderRequest struct {
	Items           []orderItemRequest    `json:"items"`
	ShippingAddress order.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                `json:"paymentMethod"`
	CouponCode      string                `json:"couponCode,omitempty"`
}

type updateStatusRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

type validateCouponRequest struct {
	Code       string      `json:"code"`
	OrderTotal json.Number `json:"orderTotal"`
}

type orderItemResponse struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Image     string      `json:"image,omitempty"`
	Variant   string      `json:"variant,omitempty"`
	Quantity  int         `json:"quantity"`
}

type orderResponse struct {
	ID              string                `json:"id"`
	UserID          string                `json:"userId"`
	ContactEmail    string                `json:"contactEmail"`
	Status          string                `json:"status"`
	PaymentStatus   string                `json:"paymentStatus"`
	PaymentMethod   string                `json:"paymentMethod"`
	Items           []orderItemResponse   `json:"items"`
	Subtotal        json.Number           `json:"subtotal"`
	Tax             json.Number           `json:"tax"`
	Shipping        json.Number           `json:"shipping"`
	Discount        json.Number           `json:"discount"`
	Total           json.Number           `json:"total"`
	ShippingAddress order.ShippingAddress `json:"shippingAddress"`
	CouponCode      string                `json:"couponCode,omitempty"`
	TrackingNumber  string                `json:"trackingNumber,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

type paginationResponse struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type orderListResponse struct {
	Orders     []orderResponse    `json:"orders"`
	Pagination paginationResponse `json:"pagination"`
}

type couponResponse struct {
	Code     string      `json:"code"`
	Discount json.Number `json:"discount"`
}

// money renders an amount as a JSON number with two decimals.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func toOrderResponse(o *order.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     money(it.Price),
			Image:     it.Image,
			Variant:   it.Variant,
			Quantity:  it.Quantity,
		}
	}
	return orderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		ContactEmail:    o.ContactEmail,
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		PaymentMethod:   string(o.PaymentMethod),
		Items:           items,
		Subtotal:        money(o.Subtotal),
		Tax:             money(o.Tax),
		Shipping:        money(o.Shipping),
		Discount:        money(o.Discount),
		Total:           money(o.Total),
		ShippingAddress: o.ShippingAddress,
		CouponCode:      o.CouponCode,
		TrackingNumber:  o.TrackingNumber,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func toOrderListResponse(res *order.ListResult) orderListResponse {
	orders := make([]orderResponse, len(res.Orders))
	for i := range res.Orders {
		orders[i] = toOrderResponse(&res.Orders[i])
	}
	return orderListResponse{
		Orders: orders,
		Pagination: paginationResponse{
			Page:       res.Page,
			Limit:      res.Limit,
			Total:      res.Total,
			TotalPages: res.TotalPages,
		},
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &order.ValidationError{Field: "body", Reason: "request body too large"}
		}
		return &order.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
