// Package memory implements the checkout repositories in process memory.
//
// Transactions are undo journals: writes apply immediately and are reverted
// in reverse order when the transaction function fails. Concurrent readers
// may observe writes of a transaction that later rolls back; stock can
// still never go negative because every reservation is checked and applied
// under the store mutex.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/inventory"
	"github.com/xenking/shop-checkout/internal/domain/order"
	"github.com/xenking/shop-checkout/internal/domain/product"
)

var (
	_ product.Repository   = (*Store)(nil)
	_ coupon.Repository    = (*Store)(nil)
	_ inventory.Ledger     = (*Store)(nil)
	_ inventory.Transactor = (*Store)(nil)
	_ order.Repository     = (*Store)(nil)
)

type idemKey struct {
	userID string
	key    string
}

// Store is a mutex-guarded catalog, coupon book, ledger and order book.
type Store struct {
	mu       sync.Mutex
	products map[string]product.Product
	coupons  map[string]coupon.Coupon
	orders   map[string]*order.Order
	idem     map[idemKey]string
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		products: make(map[string]product.Product),
		coupons:  make(map[string]coupon.Coupon),
		orders:   make(map[string]*order.Order),
		idem:     make(map[idemKey]string),
		now:      time.Now,
	}
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutCoupon inserts or replaces a coupon under its normalized code.
func (s *Store) PutCoupon(c coupon.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Code = coupon.NormalizeCode(c.Code)
	s.coupons[c.Code] = c
}

// Stock returns the current stock of a product.
func (s *Store) Stock(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p.Stock, ok
}

// CouponUsage returns the usage count of a coupon.
func (s *Store) CouponUsage(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coupons[coupon.NormalizeCode(code)].UsageCount
}

// OrderCount returns the number of stored orders.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type journalKey struct{}

type journal struct {
	mu   sync.Mutex
	undo []func()
}

func (j *journal) add(fn func()) {
	j.mu.Lock()
	j.undo = append(j.undo, fn)
	j.mu.Unlock()
}

// record registers fn to run on rollback of the transaction in ctx. The
// caller holds s.mu.
func record(ctx context.Context, fn func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.add(fn)
	}
}

// WithinTx implements inventory.Transactor. A nested call joins the outer
// transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}

	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		s.mu.Lock()
		j.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		j.mu.Unlock()
		s.mu.Unlock()
		return err
	}
	return nil
}

// GetByIDs implements product.Repository.
func (s *Store) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// FindByCode implements coupon.Repository.
func (s *Store) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrCouponNotFound
	}
	return &c, nil
}

// IncrementUsage implements coupon.Repository.
func (s *Store) IncrementUsage(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = coupon.NormalizeCode(code)
	c, ok := s.coupons[code]
	if !ok {
		return coupon.ErrCouponNotFound
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return coupon.ErrCouponLimitReached
	}
	c.UsageCount++
	s.coupons[code] = c
	record(ctx, func() {
		c := s.coupons[code]
		c.UsageCount--
		s.coupons[code] = c
	})
	return nil
}

// Reserve implements inventory.Ledger. All lines are checked before any is
// applied, under one lock. Inactive products cannot be reserved.
func (s *Store) Reserve(ctx context.Context, lines []inventory.Line) error {
	lines, err := inventory.Normalize(lines)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range lines {
		p, ok := s.products[l.ProductID]
		if !ok || !p.IsActive {
			return &inventory.ProductNotFoundError{ProductID: l.ProductID}
		}
		if p.Stock < l.Quantity {
			return &inventory.InsufficientStockError{
				ProductID: l.ProductID,
				Requested: l.Quantity,
				Available: p.Stock,
			}
		}
	}
	for _, l := range lines {
		s.adjustStock(l.ProductID, -l.Quantity)
	}
	record(ctx, func() {
		for _, l := range lines {
			s.adjustStock(l.ProductID, l.Quantity)
		}
	})
	return nil
}

// Release implements inventory.Ledger.
func (s *Store) Release(ctx context.Context, lines []inventory.Line) error {
	lines, err := inventory.Normalize(lines)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range lines {
		if _, ok := s.products[l.ProductID]; !ok {
			return &inventory.ProductNotFoundError{ProductID: l.ProductID}
		}
	}
	for _, l := range lines {
		s.adjustStock(l.ProductID, l.Quantity)
	}
	record(ctx, func() {
		for _, l := range lines {
			s.adjustStock(l.ProductID, -l.Quantity)
		}
	})
	return nil
}

func (s *Store) adjustStock(id string, delta int) {
	p := s.products[id]
	p.Stock += delta
	s.products[id] = p
}

// Create implements order.Repository.
func (s *Store) Create(ctx context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	var k idemKey
	if o.IdempotencyKey != "" {
		k = idemKey{userID: o.UserID, key: o.IdempotencyKey}
		if _, ok := s.idem[k]; ok {
			return order.ErrDuplicateIdempotencyKey
		}
		s.idem[k] = o.ID
	}
	s.orders[o.ID] = cloneOrder(o)

	id := o.ID
	record(ctx, func() {
		delete(s.orders, id)
		if k.key != "" {
			delete(s.idem, k)
		}
	})
	return nil
}

// GetByID implements order.Repository.
func (s *Store) GetByID(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// FindByIdempotencyKey implements order.Repository.
func (s *Store) FindByIdempotencyKey(_ context.Context, userID, key string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idem[idemKey{userID: userID, key: key}]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

// List implements order.Repository.
func (s *Store) List(_ context.Context, f order.ListFilter) ([]order.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(f.Search)
	matched := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if search != "" && !matchesSearch(o, search) {
			continue
		}
		matched = append(matched, *cloneOrder(o))
	}

	slices.SortFunc(matched, func(a, b order.Order) int {
		var c int
		if f.Sort.By == order.SortByTotal {
			c = a.Total.Cmp(b.Total)
		} else {
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if f.Sort.Direction == order.Desc {
			c = -c
		}
		return c
	})

	total := len(matched)
	start := min(f.Page.Offset(), total)
	end := min(start+f.Page.Limit, total)
	return matched[start:end], total, nil
}

func matchesSearch(o *order.Order, needle string) bool {
	for _, hay := range []string{o.ID, o.CouponCode, o.ShippingAddress.FullName, o.ContactEmail} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

// UpdateStatus implements order.Repository.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to order.Status, trackingNumber string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, order.ErrStatusChanged
	}

	prev := cloneOrder(o)
	o.Status = to
	if trackingNumber != "" {
		o.TrackingNumber = trackingNumber
	}
	o.UpdatedAt = s.now().UTC()
	record(ctx, func() { s.orders[id] = prev })

	return cloneOrder(o), nil
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	return &c
}
