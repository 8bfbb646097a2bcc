package order

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/domain/auth"
	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/inventory"
	"github.com/xenking/shop-checkout/internal/domain/pricing"
	"github.com/xenking/shop-checkout/internal/domain/product"
)

// PlaceOrderItem is a requested cart line. Prices are never taken from the
// client.
type PlaceOrderItem struct {
	ProductID string
	Quantity  int
	Variant   string
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Items           []PlaceOrderItem
	ShippingAddress ShippingAddress
	PaymentMethod   PaymentMethod
	CouponCode      string
	IdempotencyKey  string
}

// PlaceOrderResult holds a placed order. Replayed is set when the order was
// created by an earlier request with the same idempotency key.
type PlaceOrderResult struct {
	Order    *Order
	Replayed bool
}

// UpdateStatusRequest is an admin status change.
type UpdateStatusRequest struct {
	Status         Status
	TrackingNumber string
}

// Deps are the collaborators of Service. Tx, Cache and Notifier are
// optional. Without Tx, placement runs as a saga with a compensating release.
type Deps struct {
	Products product.Repository
	Coupons  coupon.Evaluator
	Usage    UsageRecorder
	Ledger   inventory.Ledger
	Orders   Repository
	Tx       inventory.Transactor
	Cache    IdempotencyCache
	Notifier Notifier
	Pricing  *pricing.Calculator
}

// Option configures a Service.
type Option func(*Service)

// WithMeterProvider sets the meter provider for order metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for order spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithUsageRetry sets how coupon usage increments are retried.
func WithUsageRetry(maxTries uint, initialInterval time.Duration) Option {
	return func(s *Service) {
		s.usageMaxTries = maxTries
		s.usageInitialInterval = initialInterval
	}
}

// Service places, transitions and reads orders.
type Service struct {
	deps Deps

	now                  func() time.Time
	usageMaxTries        uint
	usageInitialInterval time.Duration

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	placed        metric.Int64Counter
	failed        metric.Int64Counter
	usageFailures metric.Int64Counter

	background sync.WaitGroup
}

// NewService creates an order Service.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	if deps.Pricing == nil {
		deps.Pricing = pricing.NewCalculator(pricing.DefaultPolicy())
	}
	s := &Service{
		deps:                 deps,
		now:                  time.Now,
		usageMaxTries:        5,
		usageInitialInterval: 100 * time.Millisecond,
		meterProvider:        metricnoop.NewMeterProvider(),
		tracerProvider:       tracenoop.NewTracerProvider(),
	}
	for _, o := range opts {
		o(s)
	}

	const name = "github.com/xenking/shop-checkout/internal/domain/order"
	s.tracer = s.tracerProvider.Tracer(name)
	meter := s.meterProvider.Meter(name)

	var err error
	if s.placed, err = meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders committed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.placed")
	}
	if s.failed, err = meter.Int64Counter("orders.failed",
		metric.WithDescription("Order placements rejected or failed, by reason"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.failed")
	}
	if s.usageFailures, err = meter.Int64Counter("coupon.usage_increment.failures",
		metric.WithDescription("Coupon usage increments that exhausted retries"),
	); err != nil {
		return nil, errors.Wrap(err, "coupon.usage_increment.failures")
	}
	return s, nil
}

// PlaceOrder prices the cart from the live catalog, reserves stock and
// persists the order as one unit of work. On failure no order exists and
// stock is unchanged.
func (s *Service) PlaceOrder(ctx context.Context, p auth.Principal, req PlaceOrderRequest) (_ *PlaceOrderResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", failureReason(rerr))))
		}
		span.End()
	}()

	if err := validatePlaceOrder(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, p.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &PlaceOrderResult{Order: existing, Replayed: true}, nil
		}
	}

	o, err := s.priceOrder(ctx, p, req)
	if err != nil {
		return nil, err
	}

	reservation := make([]inventory.Line, len(o.Items))
	for i, it := range o.Items {
		reservation[i] = inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	if err := s.reserveAndCreate(ctx, o, reservation); err != nil {
		if req.IdempotencyKey == "" {
			return nil, err
		}
		switch {
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			existing, findErr := s.deps.Orders.FindByIdempotencyKey(ctx, p.UserID, req.IdempotencyKey)
			if findErr != nil {
				return nil, errors.Wrap(findErr, "find order by idempotency key")
			}
			return &PlaceOrderResult{Order: existing, Replayed: true}, nil
		case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrProductNotFound):
			// A concurrent request with the same key may have committed and
			// taken the stock this one waited for.
			existing, findErr := s.deps.Orders.FindByIdempotencyKey(ctx, p.UserID, req.IdempotencyKey)
			if findErr == nil {
				return &PlaceOrderResult{Order: existing, Replayed: true}, nil
			}
			if !errors.Is(findErr, ErrOrderNotFound) {
				return nil, errors.Wrap(findErr, "find order by idempotency key")
			}
		}
		return nil, err
	}

	s.placed.Add(ctx, 1)
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order placed",
		zap.String("user_id", o.UserID),
		zap.Stringer("total", o.Total),
		zap.Int("items", len(o.Items)),
	)

	if req.IdempotencyKey != "" && s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, o.UserID, o.IdempotencyKey, o.ID); err != nil {
			lg.Warn("Cache idempotency key", zap.Error(err))
		}
	}
	if o.CouponCode != "" && s.deps.Usage != nil {
		s.background.Go(func() { s.recordCouponUsage(ctx, o) })
	}
	s.notify(ctx, o.ContactEmail,
		fmt.Sprintf("Order %s confirmed", o.ID),
		confirmationBody(o),
	)

	return &PlaceOrderResult{Order: o}, nil
}

func validatePlaceOrder(req PlaceOrderRequest) error {
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	perProduct := make(map[string]int, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Reason: "is required"}
		}
		if it.Quantity < 1 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be at least 1"}
		}
		// Lines of the same product are merged before reservation.
		if it.Quantity > inventory.MaxQuantity-perProduct[it.ProductID] {
			return &ValidationError{
				Field:  fmt.Sprintf("items[%d].quantity", i),
				Reason: fmt.Sprintf("total per product must be at most %d", inventory.MaxQuantity),
			}
		}
		perProduct[it.ProductID] += it.Quantity
	}

	a := req.ShippingAddress
	for _, f := range []struct{ name, value string }{
		{"shippingAddress.fullName", a.FullName},
		{"shippingAddress.street", a.Street},
		{"shippingAddress.city", a.City},
		{"shippingAddress.postalCode", a.PostalCode},
		{"shippingAddress.country", a.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.name, Reason: "is required"}
		}
	}

	if !req.PaymentMethod.Valid() {
		return &ValidationError{
			Field:  "paymentMethod",
			Reason: fmt.Sprintf("must be one of %s, %s, %s", PaymentCard, PaymentPayPal, PaymentCashOnDelivery),
		}
	}
	return nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	if s.deps.Cache != nil {
		id, ok, err := s.deps.Cache.Get(ctx, userID, key)
		switch {
		case err != nil:
			zctx.From(ctx).Warn("Idempotency cache lookup", zap.Error(err))
		case ok:
			o, err := s.deps.Orders.GetByID(ctx, id)
			if err == nil && o.UserID == userID {
				return o, nil
			}
			if err != nil && !errors.Is(err, ErrOrderNotFound) {
				return nil, errors.Wrap(err, "get cached order")
			}
		}
	}

	o, err := s.deps.Orders.FindByIdempotencyKey(ctx, userID, key)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find order by idempotency key")
	}
	return o, nil
}

// priceOrder builds the pending order from live product data.
func (s *Service) priceOrder(ctx context.Context, p auth.Principal, req PlaceOrderRequest) (*Order, error) {
	ids := make([]string, 0, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	for _, it := range req.Items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, it.ProductID)
	}

	fetched, err := s.deps.Products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, pr := range fetched {
		byID[pr.ID] = pr
	}

	items := make([]Item, len(req.Items))
	lines := make([]pricing.Line, len(req.Items))
	for i, it := range req.Items {
		pr, ok := byID[it.ProductID]
		if !ok || !pr.IsActive {
			return nil, &inventory.ProductNotFoundError{ProductID: it.ProductID}
		}
		items[i] = Item{
			ProductID: pr.ID,
			Name:      pr.Name,
			Price:     pr.Price,
			Image:     pr.Image,
			Variant:   it.Variant,
			Quantity:  it.Quantity,
		}
		lines[i] = pricing.Line{Price: pr.Price, Quantity: it.Quantity}
	}

	subtotal, err := pricing.Subtotal(lines)
	if err != nil {
		return nil, err
	}

	discount := decimal.Zero
	code := ""
	if strings.TrimSpace(req.CouponCode) != "" {
		ev, err := s.deps.Coupons.Evaluate(ctx, req.CouponCode, subtotal)
		if err != nil {
			return nil, errors.Wrap(err, "evaluate coupon")
		}
		discount = ev.Discount
		code = ev.Code
	}

	b, err := s.deps.Pricing.Calculate(lines, discount)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	return &Order{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		ContactEmail:    p.Email,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		PaymentMethod:   req.PaymentMethod,
		Subtotal:        b.Subtotal,
		Tax:             b.Tax,
		Shipping:        b.Shipping,
		Discount:        b.Discount,
		Total:           b.Total,
		ShippingAddress: req.ShippingAddress,
		CouponCode:      code,
		IdempotencyKey:  req.IdempotencyKey,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *Service) reserveAndCreate(ctx context.Context, o *Order, lines []inventory.Line) error {
	if s.deps.Tx != nil {
		return s.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.deps.Ledger.Reserve(ctx, lines); err != nil {
				return errors.Wrap(err, "reserve stock")
			}
			if err := s.deps.Orders.Create(ctx, o); err != nil {
				return errors.Wrap(err, "create order")
			}
			return nil
		})
	}

	if err := s.deps.Ledger.Reserve(ctx, lines); err != nil {
		return errors.Wrap(err, "reserve stock")
	}
	if err := s.deps.Orders.Create(ctx, o); err != nil {
		// The caller may have gone away; the release must still run.
		if relErr := s.deps.Ledger.Release(context.WithoutCancel(ctx), lines); relErr != nil {
			zctx.From(ctx).Error("Compensating stock release failed",
				zap.String("order_id", o.ID),
				zap.Error(relErr),
			)
		}
		return errors.Wrap(err, "create order")
	}
	return nil
}

// recordCouponUsage runs off the request path; Drain waits for it.
func (s *Service) recordCouponUsage(ctx context.Context, o *Order) {
	ctx = context.WithoutCancel(ctx)
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID), zap.String("coupon", o.CouponCode))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.usageInitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.deps.Usage.IncrementUsage(ctx, o.CouponCode)
		if errors.Is(err, coupon.ErrCouponLimitReached) || errors.Is(err, coupon.ErrCouponNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.usageMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			lg.Warn("Retrying coupon usage increment", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		s.usageFailures.Add(ctx, 1)
		lg.Error("Coupon usage increment failed, order kept", zap.Error(err))
	}
}

// Drain waits for background coupon usage updates to finish or for ctx to
// be done. Call it once no more orders are being placed.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) notify(ctx context.Context, to, subject, body string) {
	if s.deps.Notifier == nil || to == "" {
		return
	}
	if err := s.deps.Notifier.Send(ctx, to, subject, body); err != nil {
		zctx.From(ctx).Warn("Notification not sent", zap.String("subject", subject), zap.Error(err))
	}
}

// UpdateStatus applies an admin status change. Cancelling returns the
// order's stock to the ledger in the same unit of work.
func (s *Service) UpdateStatus(ctx context.Context, p auth.Principal, id string, req UpdateStatusRequest) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus")
	defer span.End()

	if !p.IsAdmin() {
		return nil, ErrForbidden
	}
	if !req.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", req.Status)}
	}

	current, err := s.deps.Orders.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if !current.Status.CanTransition(req.Status) {
		return nil, &InvalidTransitionError{From: current.Status, To: req.Status}
	}

	var updated *Order
	apply := func(ctx context.Context) error {
		o, err := s.deps.Orders.UpdateStatus(ctx, id, current.Status, req.Status, req.TrackingNumber)
		if err != nil {
			if errors.Is(err, ErrStatusChanged) {
				return &InvalidTransitionError{From: current.Status, To: req.Status}
			}
			return errors.Wrap(err, "update status")
		}
		updated = o
		if req.Status == StatusCancelled {
			if err := s.deps.Ledger.Release(ctx, itemLines(current.Items)); err != nil {
				return errors.Wrap(err, "release stock")
			}
		}
		return nil
	}

	if s.deps.Tx != nil {
		err = s.deps.Tx.WithinTx(ctx, apply)
	} else {
		err = apply(ctx)
	}
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)),
	)

	if updated.Status == StatusShipped {
		s.notify(ctx, updated.ContactEmail,
			fmt.Sprintf("Order %s shipped", updated.ID),
			shipmentBody(updated),
		)
	}
	return updated, nil
}

// Get returns an order visible to p.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	o, err := s.deps.Orders.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if !p.IsAdmin() && o.UserID != p.UserID {
		return nil, ErrForbidden
	}
	return o, nil
}

// ListMine returns the caller's own orders, newest first.
func (s *Service) ListMine(ctx context.Context, p auth.Principal, page Page) (*ListResult, error) {
	return s.list(ctx, ListFilter{UserID: p.UserID, Page: page})
}

// ListAll returns every user's orders matching f. Admin only; f.UserID is
// ignored.
func (s *Service) ListAll(ctx context.Context, p auth.Principal, f ListFilter) (*ListResult, error) {
	if !p.IsAdmin() {
		return nil, ErrForbidden
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	f.UserID = ""
	f.Search = strings.TrimSpace(f.Search)
	return s.list(ctx, f)
}

func (s *Service) list(ctx context.Context, f ListFilter) (*ListResult, error) {
	f.Page = f.Page.normalize()
	f.Sort = f.Sort.normalize()

	orders, total, err := s.deps.Orders.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return newListResult(orders, total, f.Page), nil
}

func itemLines(items []Item) []inventory.Line {
	lines := make([]inventory.Line, len(items))
	for i, it := range items {
		lines[i] = inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return lines
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, inventory.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, pricing.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, coupon.ErrCouponNotFound),
		errors.Is(err, coupon.ErrCouponExpired),
		errors.Is(err, coupon.ErrCouponLimitReached),
		errors.Is(err, coupon.ErrMinOrderNotMet):
		return "coupon"
	default:
		return "internal"
	}
}

func confirmationBody(o *Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order %s.\n\n", o.ID)
	for _, it := range o.Items {
		fmt.Fprintf(&b, "%d x %s @ %s\n", it.Quantity, it.Name, it.Price.StringFixed(2))
	}
	fmt.Fprintf(&b, "\nSubtotal: %s\n", o.Subtotal.StringFixed(2))
	if o.Discount.IsPositive() {
		fmt.Fprintf(&b, "Discount (%s): -%s\n", o.CouponCode, o.Discount.StringFixed(2))
	}
	fmt.Fprintf(&b, "Tax: %s\nShipping: %s\nTotal: %s\n",
		o.Tax.StringFixed(2), o.Shipping.StringFixed(2), o.Total.StringFixed(2))
	return b.String()
}

func shipmentBody(o *Order) string {
	if o.TrackingNumber == "" {
		return fmt.Sprintf("Your order %s has shipped.\n", o.ID)
	}
	return fmt.Sprintf("Your order %s has shipped. Tracking number: %s\n", o.ID, o.TrackingNumber)
}
