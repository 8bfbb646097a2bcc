package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/inventory"
	"github.com/xenking/shop-checkout/internal/domain/order"
	"github.com/xenking/shop-checkout/internal/domain/product"
)

func newStore(stock map[string]int) *Store {
	s := New()
	for id, n := range stock {
		s.PutProduct(product.Product{ID: id, Name: id, Price: decimal.NewFromInt(1), Stock: n, IsActive: true})
	}
	return s
}

func stockOf(t *testing.T, s *Store, id string) int {
	t.Helper()
	n, ok := s.Stock(id)
	require.True(t, ok, "product %s", id)
	return n
}

func TestReserve_AllOrNothing(t *testing.T) {
	s := newStore(map[string]int{"a": 5, "b": 1})

	err := s.Reserve(context.Background(), []inventory.Line{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 2},
	})

	var isErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, "b", isErr.ProductID)
	assert.Equal(t, 2, isErr.Requested)
	assert.Equal(t, 1, isErr.Available)
	assert.Equal(t, 5, stockOf(t, s, "a"))
	assert.Equal(t, 1, stockOf(t, s, "b"))
}

func TestReserve_MergesDuplicateLines(t *testing.T) {
	s := newStore(map[string]int{"a": 3})

	err := s.Reserve(context.Background(), []inventory.Line{
		{ProductID: "a", Quantity: 2},
		{ProductID: "a", Quantity: 2},
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, 3, stockOf(t, s, "a"))

	require.NoError(t, s.Reserve(context.Background(), []inventory.Line{
		{ProductID: "a", Quantity: 1},
		{ProductID: "a", Quantity: 2},
	}))
	assert.Equal(t, 0, stockOf(t, s, "a"))
}

func TestReserve_UnknownProduct(t *testing.T) {
	s := newStore(map[string]int{"a": 3})

	err := s.Reserve(context.Background(), []inventory.Line{{ProductID: "zzz", Quantity: 1}})
	var nf *inventory.ProductNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "zzz", nf.ProductID)
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	const stock = 7
	s := newStore(map[string]int{"a": stock})

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve(context.Background(), []inventory.Line{{ProductID: "a", Quantity: 1}}) == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(stock), success.Load())
	assert.Equal(t, 0, stockOf(t, s, "a"))
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := newStore(map[string]int{"a": 4})
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		require.NoError(t, s.Reserve(ctx, []inventory.Line{{ProductID: "a", Quantity: 3}}))
		require.NoError(t, s.Create(ctx, &order.Order{ID: "o1", UserID: "u1", IdempotencyKey: "k1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 4, stockOf(t, s, "a"))
	assert.Zero(t, s.OrderCount())
	_, err = s.FindByIdempotencyKey(context.Background(), "u1", "k1")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestWithinTx_Commit(t *testing.T) {
	s := newStore(map[string]int{"a": 4})

	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := s.Reserve(ctx, []inventory.Line{{ProductID: "a", Quantity: 3}}); err != nil {
			return err
		}
		return s.Create(ctx, &order.Order{ID: "o1", UserID: "u1"})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stockOf(t, s, "a"))
	assert.Equal(t, 1, s.OrderCount())
}

func TestCreate_DuplicateIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &order.Order{ID: "o1", UserID: "u1", IdempotencyKey: "k"}))
	require.ErrorIs(t, s.Create(ctx, &order.Order{ID: "o2", UserID: "u1", IdempotencyKey: "k"}),
		order.ErrDuplicateIdempotencyKey)
	require.NoError(t, s.Create(ctx, &order.Order{ID: "o3", UserID: "u2", IdempotencyKey: "k"}))
}

func TestIncrementUsage(t *testing.T) {
	s := New()
	limit := 1
	s.PutCoupon(coupon.Coupon{Code: "once", UsageLimit: &limit, IsActive: true})
	ctx := context.Background()

	require.NoError(t, s.IncrementUsage(ctx, "ONCE"))
	require.ErrorIs(t, s.IncrementUsage(ctx, "once"), coupon.ErrCouponLimitReached)
	require.ErrorIs(t, s.IncrementUsage(ctx, "nope"), coupon.ErrCouponNotFound)
	assert.Equal(t, 1, s.CouponUsage("Once"))
}

func TestList(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, o := range []order.Order{
		{ID: "o1", UserID: "u1", Status: order.StatusPending, Total: decimal.NewFromInt(30), ContactEmail: "ann@example.com"},
		{ID: "o2", UserID: "u2", Status: order.StatusShipped, Total: decimal.NewFromInt(10), CouponCode: "SAVE10"},
		{ID: "o3", UserID: "u1", Status: order.StatusShipped, Total: decimal.NewFromInt(20),
			ShippingAddress: order.ShippingAddress{FullName: "Bob Stone"}},
	} {
		o.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Create(ctx, &o))
	}

	ids := func(orders []order.Order) []string {
		out := make([]string, len(orders))
		for i, o := range orders {
			out[i] = o.ID
		}
		return out
	}

	tests := []struct {
		name      string
		filter    order.ListFilter
		wantIDs   []string
		wantTotal int
	}{
		{
			name:      "newest first",
			filter:    order.ListFilter{Sort: order.Sort{By: order.SortByCreatedAt, Direction: order.Desc}, Page: order.Page{Number: 1, Limit: 10}},
			wantIDs:   []string{"o3", "o2", "o1"},
			wantTotal: 3,
		},
		{
			name:      "by user",
			filter:    order.ListFilter{UserID: "u1", Sort: order.Sort{By: order.SortByCreatedAt, Direction: order.Asc}, Page: order.Page{Number: 1, Limit: 10}},
			wantIDs:   []string{"o1", "o3"},
			wantTotal: 2,
		},
		{
			name:      "status and total sort",
			filter:    order.ListFilter{Status: order.StatusShipped, Sort: order.Sort{By: order.SortByTotal, Direction: order.Asc}, Page: order.Page{Number: 1, Limit: 10}},
			wantIDs:   []string{"o2", "o3"},
			wantTotal: 2,
		},
		{
			name:      "search coupon code",
			filter:    order.ListFilter{Search: "save", Sort: order.Sort{Direction: order.Desc}, Page: order.Page{Number: 1, Limit: 10}},
			wantIDs:   []string{"o2"},
			wantTotal: 1,
		},
		{
			name:      "search name and email",
			filter:    order.ListFilter{Search: "o", Sort: order.Sort{Direction: order.Asc}, Page: order.Page{Number: 2, Limit: 2}},
			wantIDs:   []string{"o3"},
			wantTotal: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, total)
			assert.Equal(t, tt.wantIDs, ids(got))
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &order.Order{ID: "o1", Status: order.StatusPending}))

	got, err := s.UpdateStatus(ctx, "o1", order.StatusPending, order.StatusProcessing, "")
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, got.Status)

	_, err = s.UpdateStatus(ctx, "o1", order.StatusPending, order.StatusCancelled, "")
	require.ErrorIs(t, err, order.ErrStatusChanged)

	got, err = s.UpdateStatus(ctx, "o1", order.StatusProcessing, order.StatusShipped, "TRK1")
	require.NoError(t, err)
	assert.Equal(t, "TRK1", got.TrackingNumber)

	_, err = s.UpdateStatus(ctx, "missing", order.StatusPending, order.StatusProcessing, "")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}
