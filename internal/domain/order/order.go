package order

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// PaymentStatus is a label only; no payment is processed here.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentMethod is how the customer intends to pay.
type PaymentMethod string

const (
	PaymentCard           PaymentMethod = "card"
	PaymentPayPal         PaymentMethod = "paypal"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// Valid reports whether m is an accepted payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentPayPal, PaymentCashOnDelivery:
		return true
	}
	return false
}

// ShippingAddress is the structured delivery address of an order.
type ShippingAddress struct {
	FullName   string `json:"fullName"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Item is a line of an order. Name, price and image are copied from the
// product at purchase time and never follow later catalog edits.
type Item struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Image     string
	Variant   string
	Quantity  int
}

// Order is a durable financial record. It is never deleted.
type Order struct {
	ID              string
	UserID          string
	ContactEmail    string
	Status          Status
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	Shipping        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	ShippingAddress ShippingAddress
	CouponCode      string
	TrackingNumber  string
	IdempotencyKey  string
	Items           []Item
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SortField selects the order list sort column.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByTotal     SortField = "total"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Sort orders list results. The zero value sorts newest first.
type Sort struct {
	By        SortField
	Direction Direction
}

func (s Sort) normalize() Sort {
	if s.By != SortByTotal {
		s.By = SortByCreatedAt
	}
	if s.Direction != Asc {
		s.Direction = Desc
	}
	return s
}

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Limit  int
}

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	switch {
	case p.Limit < 1:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	return p
}

// Offset is the number of rows skipped before this page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}

// ListFilter narrows an order listing. An empty UserID lists every user.
type ListFilter struct {
	UserID string
	Status Status
	Search string
	Sort   Sort
	Page   Page
}

// ListResult is one page of orders.
type ListResult struct {
	Orders     []Order
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

func newListResult(orders []Order, total int, p Page) *ListResult {
	return &ListResult{
		Orders:     orders,
		Total:      total,
		Page:       p.Number,
		Limit:      p.Limit,
		TotalPages: (total + p.Limit - 1) / p.Limit,
	}
}

// Repository defines persistence operations for orders. Writes join the
// transaction carried by ctx when there is one.
type Repository interface {
	// Create persists the order with its items. It returns
	// ErrDuplicateIdempotencyKey when the user already has an order with the
	// same idempotency key.
	Create(ctx context.Context, o *Order) error
	// GetByID returns ErrOrderNotFound when no order has the id.
	GetByID(ctx context.Context, id string) (*Order, error)
	// FindByIdempotencyKey returns ErrOrderNotFound when there is no match.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error)
	// List returns the requested page and the total match count. The filter
	// is already normalized.
	List(ctx context.Context, f ListFilter) ([]Order, int, error)
	// UpdateStatus moves the order from one status to another. It returns
	// ErrStatusChanged when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status, trackingNumber string) (*Order, error)
}

// IdempotencyCache is a fast lookup of orders already placed under a key.
// It is advisory; the repository remains the source of truth.
type IdempotencyCache interface {
	Get(ctx context.Context, userID, key string) (orderID string, ok bool, err error)
	Put(ctx context.Context, userID, key, orderID string) error
}

// Notifier delivers a message to a customer.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// UsageRecorder records a coupon redemption.
type UsageRecorder interface {
	IncrementUsage(ctx context.Context, code string) error
}
