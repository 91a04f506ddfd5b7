package registry

import (
	"context"
	"net/http"
	"strings"
)

// Middleware is a function that takes an http.Handler and returns an http.Handler
type Middleware func(next http.Handler) http.Handler

// ChainMiddlewareHandlers chains multiple middleware handlers together
func ChainMiddlewareHandlers(h http.Handler, mws ...Middleware) http.Handler {
	// apply in reverse so the first middleware is outermost
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type userContextKey struct{}

func contextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated tenant, or nil.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey{}).(*User)
	return user
}

// presentedKey extracts the gateway key from Authorization: Bearer or
// X-API-Key.
func presentedKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
