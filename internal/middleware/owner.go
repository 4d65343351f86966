package middleware

import (
	"context"
	"net/http"

	"github.com/Strob0t/StageForge/internal/logger"
)

// DefaultOwnerID scopes requests that carry no X-Owner-ID header.
const DefaultOwnerID = "default"

const headerOwnerID = "X-Owner-ID"

type ownerCtxKey struct{}

// OwnerID stores the caller's owner identity from X-Owner-ID in the request
// context. The identity is trusted as given.
func OwnerID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(headerOwnerID)
		if owner == "" {
			owner = DefaultOwnerID
		}
		ctx := context.WithValue(r.Context(), ownerCtxKey{}, owner)
		ctx = logger.WithOwnerID(ctx, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerIDFromContext returns the owner stored by OwnerID, or DefaultOwnerID.
func OwnerIDFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerCtxKey{}).(string); ok {
		return owner
	}
	return DefaultOwnerID
}
