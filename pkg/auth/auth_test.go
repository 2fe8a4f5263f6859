package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage/memory"
)

var authBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedTenant(t *testing.T, store *memory.Store, token string) *model.Tenant {
	t.Helper()
	tenant := &model.Tenant{ID: "t1", Name: "acme", CreatedAt: authBase}
	require.NoError(t, store.CreateTenant(context.Background(), tenant))
	require.NoError(t, store.CreateToken(context.Background(), &model.TenantToken{
		TokenHash: HashToken(token),
		TenantID:  "t1",
		CreatedAt: authBase,
	}))
	return tenant
}

func protectedProbe(captured **model.Tenant) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant, ok := TenantFromContext(r.Context()); ok {
			*captured = tenant
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestHashTokenIsStableHex(t *testing.T) {
	h := HashToken("pb_secret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("pb_secret"))
	assert.NotEqual(t, h, HashToken("pb_other"))
}

func TestMiddlewareResolvesTenant(t *testing.T) {
	store := memory.New()
	seedTenant(t, store, "pb_secret")
	a := New(store)

	var got *model.Tenant
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	req.Header.Set("Authorization", "Bearer pb_secret")
	rec := httptest.NewRecorder()

	a.Middleware(protectedProbe(&got)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
}

func TestMiddlewareRejections(t *testing.T) {
	store := memory.New()
	seedTenant(t, store, "pb_secret")
	a := New(store)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"unknown token":  "Bearer pb_wrong",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()

		var got *model.Tenant
		a.Middleware(protectedProbe(&got)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
		assert.Nil(t, got, name)
	}
}

func TestMiddlewareRejectsTokenForMissingTenant(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateToken(context.Background(), &model.TenantToken{
		TokenHash: HashToken("pb_orphan"),
		TenantID:  "gone",
	}))
	a := New(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	req.Header.Set("Authorization", "Bearer pb_orphan")
	rec := httptest.NewRecorder()

	var got *model.Tenant
	a.Middleware(protectedProbe(&got)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareThrottlesTokenTouch(t *testing.T) {
	store := memory.New()
	seedTenant(t, store, "pb_secret")

	a := New(store)
	now := authBase
	a.now = func() time.Time { return now }

	send := func() {
		req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
		req.Header.Set("Authorization", "Bearer pb_secret")
		var got *model.Tenant
		a.Middleware(protectedProbe(&got)).ServeHTTP(httptest.NewRecorder(), req)
	}

	send()
	tok, err := store.LookupToken(context.Background(), HashToken("pb_secret"))
	require.NoError(t, err)
	assert.Equal(t, authBase, tok.LastUsedAt, "first use touches the token")

	now = authBase.Add(30 * time.Second)
	send()
	tok, err = store.LookupToken(context.Background(), HashToken("pb_secret"))
	require.NoError(t, err)
	assert.Equal(t, authBase, tok.LastUsedAt, "touches within a minute are skipped")

	now = authBase.Add(61 * time.Second)
	send()
	tok, err = store.LookupToken(context.Background(), HashToken("pb_secret"))
	require.NoError(t, err)
	assert.Equal(t, authBase.Add(61*time.Second), tok.LastUsedAt)
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("t1"), "request %d within burst", i)
	}
	assert.False(t, rl.Allow("t1"), "burst exhausted")
	assert.True(t, rl.Allow("t2"), "limits are per tenant")
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	tenant := &model.Tenant{ID: "t1"}

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(authed bool) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/metrics", nil)
		if authed {
			req = req.WithContext(WithTenant(req.Context(), tenant))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(false))
	assert.Equal(t, http.StatusOK, send(true))
	assert.Equal(t, http.StatusTooManyRequests, send(true))
}
