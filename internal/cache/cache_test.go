package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, nil), m
}

func TestInvalidate_RemovesMatchingKeys(t *testing.T) {
	ctx := context.Background()
	c, m := newTestCache(t)
	for _, k := range []string{
		"products:list:all", "products:list:page:2",
		"cache:GET:/products", "cache:GET:/products/p1",
		"product:detail:p1", "product:checkout:p1:v2",
		"product:detail:p2", "idem:checkout:abc",
	} {
		require.NoError(t, m.Set(k, "x"))
	}

	n := c.Invalidate(ctx, "p1")
	assert.Equal(t, 6, n)
	assert.True(t, m.Exists("product:detail:p2"))
	assert.True(t, m.Exists("idem:checkout:abc"))
	assert.False(t, m.Exists("product:checkout:p1:v2"))

	assert.Zero(t, c.Invalidate(ctx, ""))
}

func TestInvalidate_GeneralOnly(t *testing.T) {
	ctx := context.Background()
	c, m := newTestCache(t)
	require.NoError(t, m.Set("products:list:all", "x"))
	require.NoError(t, m.Set("product:detail:p1", "x"))

	assert.Equal(t, 1, c.Invalidate(ctx, ""))
	assert.True(t, m.Exists("product:detail:p1"))
}

func TestDisabledCache_IsNoop(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	assert.False(t, c.Enabled())
	assert.Zero(t, c.InvalidateProducts(ctx, []string{"p1"}))

	var out map[string]int
	assert.False(t, c.GetJSON(ctx, "k", &out))
	c.SetJSON(ctx, "k", map[string]int{"a": 1}, time.Minute)
}

func TestUnreachableCache_ReturnsZero(t *testing.T) {
	c, m := newTestCache(t)
	require.NoError(t, m.Set("products:list:all", "x"))
	m.Close()

	assert.Zero(t, c.Invalidate(context.Background(), "p1"))
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	c.SetJSON(ctx, "product:detail:p1", map[string]int{"available": 4}, time.Minute)

	var out map[string]int
	require.True(t, c.GetJSON(ctx, "product:detail:p1", &out))
	assert.Equal(t, 4, out["available"])
	assert.False(t, c.GetJSON(ctx, "product:detail:missing", &out))
}

func TestMiddleware_HitAfterMiss(t *testing.T) {
	c, _ := newTestCache(t)
	var calls atomic.Int32
	h := c.Middleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":"p1"}]`)
	}))

	for i, want := range []string{"MISS", "HIT"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products?page=1", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, want, rr.Header().Get("X-Cache"), "request %d", i)
		assert.JSONEq(t, `[{"id":"p1"}]`, rr.Body.String())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	}
	assert.Equal(t, int32(1), calls.Load())

	// different query, different key
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products?page=2", nil))
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))

	c.Invalidate(context.Background(), "")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products?page=1", nil))
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
}

func TestMiddleware_SkipsErrors(t *testing.T) {
	c, m := newTestCache(t)
	h := c.Middleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/products", nil))
	assert.False(t, m.Exists(ResponseKey("/products", "")))
}

func TestResponseKey(t *testing.T) {
	assert.Equal(t, "cache:GET:/products", ResponseKey("/products", ""))
	assert.Regexp(t, `^cache:GET:/products:[0-9a-f]+$`, ResponseKey("/products", "page=1"))
	assert.NotEqual(t, ResponseKey("/products", "page=1"), ResponseKey("/products", "page=2"))
}
