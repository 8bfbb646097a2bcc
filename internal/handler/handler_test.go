package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shop-checkout/internal/domain/auth"
	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/order"
	"github.com/xenking/shop-checkout/internal/domain/product"
	"github.com/xenking/shop-checkout/internal/storage/memory"
)

var testPepper = []byte("pepper")

const (
	customerKey = "customer-key"
	otherKey    = "other-key"
	adminKey    = "admin-key"
)

type mockAPIKeyRepo struct {
	keys map[string]*auth.APIKeyInfo
	err  error
}

func (m *mockAPIKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	k, ok := m.keys[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return k, nil
}

func newKeyRepo() *mockAPIKeyRepo {
	repo := &mockAPIKeyRepo{keys: map[string]*auth.APIKeyInfo{}}
	for _, k := range []auth.APIKeyInfo{
		{ID: "k1", UserID: "u1", Email: "u1@example.com", Scopes: []string{"orders"}, KeyHash: HashKey(testPepper, customerKey)},
		{ID: "k2", UserID: "u2", Email: "u2@example.com", KeyHash: HashKey(testPepper, otherKey)},
		{ID: "k3", UserID: "admin", Email: "admin@example.com", Scopes: []string{auth.ScopeAdmin}, KeyHash: HashKey(testPepper, adminKey)},
	} {
		repo.keys[k.KeyHash] = &k
	}
	return repo
}

type server struct {
	store *memory.Store
	h     http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := memory.New()
	s.PutProduct(product.Product{ID: "p50", Name: "Lamp", Price: decimal.NewFromInt(50), Stock: 10, IsActive: true})
	s.PutProduct(product.Product{ID: "p30", Name: "Mug", Price: decimal.NewFromInt(30), Stock: 1, IsActive: true})
	s.PutCoupon(coupon.Coupon{
		Code:          "SAVE10",
		DiscountType:  coupon.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(10),
		IsActive:      true,
	})
	s.PutCoupon(coupon.Coupon{
		Code:          "BIG",
		DiscountType:  coupon.DiscountFixed,
		DiscountValue: decimal.NewFromInt(5),
		MinOrderValue: decimal.NewFromInt(1000),
		IsActive:      true,
	})

	evaluator := coupon.NewRepoEvaluator(s)
	svc, err := order.NewService(order.Deps{
		Products: s,
		Coupons:  evaluator,
		Usage:    s,
		Ledger:   s,
		Orders:   s,
		Tx:       s,
	})
	require.NoError(t, err)

	sec := NewSecurityHandler(newKeyRepo(), testPepper)
	return &server{
		store: s,
		h:     NewHandler(svc, evaluator).Routes(sec.Authenticate),
	}
}

func (s *server) do(t *testing.T, method, path, key string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var e errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
	return e
}

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var o map[string]any
	dec := json.NewDecoder(w.Body)
	dec.UseNumber()
	require.NoError(t, dec.Decode(&o))
	return o
}

func validOrder(items ...map[string]any) map[string]any {
	return map[string]any{
		"items": items,
		"shippingAddress": map[string]any{
			"fullName":   "Ann Lee",
			"street":     "1 Main St",
			"city":       "Springfield",
			"postalCode": "12345",
			"country":    "US",
		},
		"paymentMethod": "card",
	}
}

func item(id string, qty int) map[string]any {
	return map[string]any{"productId": id, "quantity": qty}
}

func TestAuth(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "missing key", want: http.StatusUnauthorized},
		{name: "unknown key", key: "nope", want: http.StatusUnauthorized},
		{name: "valid key", key: customerKey, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/orders", tt.key, nil)
			require.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "UNAUTHORIZED", decodeError(t, w).Code)
			}
		})
	}
}

func TestAuth_RepositoryFailure(t *testing.T) {
	repo := newKeyRepo()
	repo.err = errors.New("db down")
	sec := NewSecurityHandler(repo, testPepper)

	called := false
	h := sec.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, customerKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_HashMismatch(t *testing.T) {
	repo := &mockAPIKeyRepo{keys: map[string]*auth.APIKeyInfo{
		HashKey(testPepper, customerKey): {UserID: "u1", KeyHash: HashKey([]byte("other"), customerKey)},
	}}
	sec := NewSecurityHandler(repo, testPepper)

	h := sec.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, customerKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_PrincipalInContext(t *testing.T) {
	sec := NewSecurityHandler(newKeyRepo(), testPepper)

	var got auth.Principal
	h := sec.Authenticate(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, adminKey)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, auth.Principal{UserID: "admin", Email: "admin@example.com", Role: auth.RoleAdmin}, got)
}

func TestPlaceOrder(t *testing.T) {
	s := newServer(t)

	body := validOrder(item("p50", 2), item("p30", 1))
	body["couponCode"] = "save10"
	w := s.do(t, http.MethodPost, "/orders", customerKey, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	o := decodeOrder(t, w)
	assert.Equal(t, "u1", o["userId"])
	assert.Equal(t, "pending", o["status"])
	assert.Equal(t, json.Number("130.00"), o["subtotal"])
	assert.Equal(t, json.Number("13.00"), o["discount"])
	assert.Equal(t, json.Number("13.00"), o["tax"])
	assert.Equal(t, json.Number("0.00"), o["shipping"])
	assert.Equal(t, json.Number("130.00"), o["total"])
	assert.Equal(t, "SAVE10", o["couponCode"])

	stock, _ := s.store.Stock("p50")
	assert.Equal(t, 8, stock)
}

func TestPlaceOrder_Idempotent(t *testing.T) {
	s := newServer(t)
	body := validOrder(item("p50", 1))

	first := s.do(t, http.MethodPost, "/orders", customerKey, body, IdempotencyKeyHeader, "retry-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(t, http.MethodPost, "/orders", customerKey, body, IdempotencyKeyHeader, "retry-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	assert.Equal(t, decodeOrder(t, first)["id"], decodeOrder(t, second)["id"])
	assert.Equal(t, 1, s.store.OrderCount())
}

func TestPlaceOrder_Errors(t *testing.T) {
	noItems := validOrder()
	badPayment := validOrder(item("p50", 1))
	badPayment["paymentMethod"] = "bitcoin"
	badCoupon := validOrder(item("p50", 1))
	badCoupon["couponCode"] = "nope"
	minOrder := validOrder(item("p50", 1))
	minOrder["couponCode"] = "big"

	tests := []struct {
		name     string
		body     any
		status   int
		code     string
		contains string
	}{
		{name: "malformed", body: "not an object", status: http.StatusBadRequest, code: "VALIDATION_ERROR", contains: "body"},
		{name: "no items", body: noItems, status: http.StatusBadRequest, code: "VALIDATION_ERROR", contains: "items"},
		{name: "zero quantity", body: validOrder(item("p50", 0)), status: http.StatusBadRequest, code: "VALIDATION_ERROR", contains: "items[0].quantity"},
		{name: "huge quantity", body: validOrder(item("p50", math.MaxInt), item("p50", math.MaxInt)), status: http.StatusBadRequest, code: "VALIDATION_ERROR", contains: "items[0].quantity"},
		{name: "bad payment", body: badPayment, status: http.StatusBadRequest, code: "VALIDATION_ERROR", contains: "paymentMethod"},
		{name: "unknown product", body: validOrder(item("ghost", 1)), status: http.StatusUnprocessableEntity, code: "PRODUCT_NOT_FOUND", contains: "ghost"},
		{name: "insufficient stock", body: validOrder(item("p30", 2)), status: http.StatusConflict, code: "INSUFFICIENT_STOCK", contains: "p30"},
		{name: "unknown coupon", body: badCoupon, status: http.StatusUnprocessableEntity, code: "COUPON_NOT_FOUND", contains: "NOPE"},
		{name: "min order", body: minOrder, status: http.StatusUnprocessableEntity, code: "MIN_ORDER_NOT_MET", contains: "BIG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			w := s.do(t, http.MethodPost, "/orders", customerKey, tt.body)
			require.Equal(t, tt.status, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, tt.code, e.Code)
			assert.Contains(t, e.Message, tt.contains)
			assert.Zero(t, s.store.OrderCount())
		})
	}
}

func placeOrder(t *testing.T, s *server, key string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/orders", key, validOrder(item("p50", 1)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeOrder(t, w)["id"].(string)
}

func TestGetOrder(t *testing.T) {
	s := newServer(t)
	id := placeOrder(t, s, customerKey)

	w := s.do(t, http.MethodGet, "/orders/"+id, customerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decodeOrder(t, w)["id"])

	w = s.do(t, http.MethodGet, "/orders/"+id, adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/orders/"+id, otherKey, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, w).Code)

	w = s.do(t, http.MethodGet, "/orders/missing", customerKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", decodeError(t, w).Code)
}

func TestListOrders(t *testing.T) {
	s := newServer(t)
	for range 3 {
		placeOrder(t, s, customerKey)
	}
	placeOrder(t, s, otherKey)

	w := s.do(t, http.MethodGet, "/orders?page=2&limit=2", customerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res orderListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Len(t, res.Orders, 1)
	assert.Equal(t, paginationResponse{Page: 2, Limit: 2, Total: 3, TotalPages: 2}, res.Pagination)

	w = s.do(t, http.MethodGet, "/orders?limit=abc", customerKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)
}

func TestListAllOrders(t *testing.T) {
	s := newServer(t)
	placeOrder(t, s, customerKey)
	placeOrder(t, s, otherKey)

	w := s.do(t, http.MethodGet, "/orders/admin/all", customerKey, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/orders/admin/all?status=pending&sortBy=total&direction=asc", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res orderListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, 2, res.Pagination.Total)

	w = s.do(t, http.MethodGet, "/orders/admin/all?sortBy=rating", adminKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/orders/admin/all?status=lost", adminKey, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateOrderStatus(t *testing.T) {
	s := newServer(t)
	id := placeOrder(t, s, customerKey)
	path := "/orders/" + id + "/status"

	w := s.do(t, http.MethodPatch, path, customerKey, map[string]any{"status": "processing"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPatch, path, adminKey, map[string]any{"status": "delivered"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATUS_TRANSITION", decodeError(t, w).Code)

	w = s.do(t, http.MethodPatch, path, adminKey, map[string]any{"status": "processing"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPatch, path, adminKey, map[string]any{"status": "shipped", "trackingNumber": "TRK1"})
	require.Equal(t, http.StatusOK, w.Code)
	o := decodeOrder(t, w)
	assert.Equal(t, "shipped", o["status"])
	assert.Equal(t, "TRK1", o["trackingNumber"])
}

func TestUpdateOrderStatus_CancelRestocks(t *testing.T) {
	s := newServer(t)
	id := placeOrder(t, s, customerKey)

	w := s.do(t, http.MethodPatch, "/orders/"+id+"/status", adminKey, map[string]any{"status": "cancelled"})
	require.Equal(t, http.StatusOK, w.Code)

	stock, _ := s.store.Stock("p50")
	assert.Equal(t, 10, stock)
}

func TestValidateCoupon(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/coupons/validate", customerKey, map[string]any{"code": "save10", "orderTotal": 80})
	require.Equal(t, http.StatusOK, w.Code)
	var res couponResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, couponResponse{Code: "SAVE10", Discount: "8.00"}, res)

	w = s.do(t, http.MethodPost, "/coupons/validate", customerKey, map[string]any{"code": "big", "orderTotal": 80})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "MIN_ORDER_NOT_MET", decodeError(t, w).Code)

	w = s.do(t, http.MethodPost, "/coupons/validate", customerKey, map[string]any{"code": "save10", "orderTotal": -1})
	require.Equal(t, http.StatusBadRequest, w.Code)

	assert.Zero(t, s.store.CouponUsage("SAVE10"), "validation never records usage")
}

func TestUnknownRoute(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/nowhere", customerKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"forbidden", errors.Wrap(order.ErrForbidden, "get"), http.StatusForbidden, "FORBIDDEN"},
		{"not found", errors.Wrap(order.ErrOrderNotFound, "get"), http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"expired", errors.Wrap(coupon.ErrCouponExpired, "evaluate coupon"), http.StatusUnprocessableEntity, "COUPON_EXPIRED"},
		{"limit", coupon.ErrCouponLimitReached, http.StatusUnprocessableEntity, "COUPON_LIMIT_REACHED"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.code, got.Code)
			assert.NotContains(t, got.Message, "connection reset")
		})
	}
}
