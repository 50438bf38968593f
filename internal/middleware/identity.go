package middleware

import (
	"context"
	"net/http"

	"diagram-collab/internal/protocol"
)

// Identity headers are set by the upstream identity provider
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
)

type identityKey struct{}

// Identity attaches the caller's identity to the request context.
// Requests without X-User-ID pass through unauthenticated.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(HeaderUserID); id != "" {
			r = r.WithContext(WithIdentity(r.Context(), &protocol.Identity{
				ID:          id,
				DisplayName: r.Header.Get(HeaderUserName),
			}))
		}
		next.ServeHTTP(w, r)
	})
}

func WithIdentity(ctx context.Context, identity *protocol.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns nil for anonymous callers
func IdentityFrom(ctx context.Context) *protocol.Identity {
	identity, _ := ctx.Value(identityKey{}).(*protocol.Identity)
	return identity
}
