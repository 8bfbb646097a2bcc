package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func get(h http.Handler, remoteAddr string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := get(h, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, get(h, "10.0.0.1:9999").Code)
	}

	w := get(h, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, map[string]string{"code": "RATE_LIMITED", "message": "rate limit exceeded"}, body)
}

func TestRateLimit_DifferentClients(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, get(h, "10.0.0.2:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "10.0.0.1:5678").Code)
}

func TestRateLimit_XForwardedFor(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	xff := "203.0.113.50, 70.41.3.18"
	assert.Equal(t, http.StatusOK, get(h, "192.168.1.1:4444", "X-Forwarded-For", xff).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "192.168.1.2:5555", "X-Forwarded-For", xff).Code)
}

func TestRateLimit_HeaderKey(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: HeaderOrClientIP("api_key"),
	})(okHandler())

	assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:1", "api_key", "key-a").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "10.0.0.2:1", "api_key", "key-a").Code)
	assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:1", "api_key", "key-b").Code)
	assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:1").Code, "no key falls back to the client address")
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 10, Window: time.Minute})
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for range 10 {
		_, _, ok := l.take("k", start)
		require.True(t, ok)
	}
	_, _, ok := l.take("k", start.Add(30*time.Second))
	require.False(t, ok, "limit reached within the window")

	// Halfway into the next window the previous one still weighs 5.
	for range 5 {
		_, _, ok = l.take("k", start.Add(90*time.Second))
		require.True(t, ok)
	}
	_, _, ok = l.take("k", start.Add(90*time.Second))
	require.False(t, ok)

	// Two windows later the key starts fresh.
	remaining, _, ok := l.take("k", start.Add(3*time.Minute))
	require.True(t, ok)
	assert.Equal(t, 9, remaining)
}

func TestLimiter_Evict(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	l.take("old", start)
	l.take("new", start.Add(2*time.Minute))
	l.evict(start.Add(2*time.Minute + time.Second))

	assert.NotContains(t, l.windows, "old")
	assert.Contains(t, l.windows, "new")
}
