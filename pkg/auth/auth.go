// Package auth authenticates tenant bearer tokens and rate-limits ingestion.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/httpx"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// HashToken returns the hex SHA-256 digest of a bearer token. Only digests
// are ever stored or compared.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TenantFromContext returns the authenticated tenant set by Middleware.
func TenantFromContext(ctx context.Context) (*model.Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey).(*model.Tenant)
	return t, ok
}

// WithTenant returns a context carrying the tenant. Exposed for tests.
func WithTenant(ctx context.Context, t *model.Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, t)
}

// Authenticator resolves bearer tokens against the store.
type Authenticator struct {
	store storage.Store
	now   func() time.Time
}

// New creates an Authenticator.
func New(store storage.Store) *Authenticator {
	return &Authenticator{store: store, now: time.Now}
}

// Middleware rejects requests without a valid bearer token and injects the
// resolved tenant into the request context. The token's last_used_at is
// touched at most once per minute to keep the hot path read-mostly.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			httpx.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		hash := HashToken(strings.TrimPrefix(header, "Bearer "))
		tok, err := a.store.LookupToken(r.Context(), hash)
		if err != nil {
			httpx.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		tenant, err := a.store.GetTenant(r.Context(), tok.TenantID)
		if err != nil {
			log.WithFields(log.Fields{"tenant_id": tok.TenantID}).Warn("Token resolves to missing tenant")
			httpx.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		now := a.now()
		if tok.LastUsedAt.IsZero() || now.Sub(tok.LastUsedAt) >= time.Minute {
			if err := a.store.TouchToken(r.Context(), hash, now); err != nil {
				log.WithError(err).Debug("Failed to touch token")
			}
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}
