package auth

import (
	"context"

	"github.com/goliatone/go-conference-auth/middleware/jwtware"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

var claimsCtxKey = &contextKey{"claims"}

type contextKey struct {
	name string
}

// WithClaimsContext stores claims in the given context
func WithClaimsContext(r context.Context, claims *SessionClaims) context.Context {
	return context.WithValue(r, claimsCtxKey, claims)
}

// GetClaims extracts the session claims from the standard context
func GetClaims(ctx context.Context) (*SessionClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(*SessionClaims)
	return raw, ok && raw != nil
}

// GetRouterClaims extracts the session claims from the router locals
func GetRouterClaims(ctx router.Context, key string) (*SessionClaims, bool) {
	if key == "" {
		key = ClaimsContextKey
	}
	raw := ctx.Locals(key)
	if raw == nil {
		return nil, false
	}
	claims, ok := raw.(*SessionClaims)
	return claims, ok && claims != nil
}

// ContextEnricherAdapter copies validated bearer claims into the
// request context so managers can read them without the router.
func ContextEnricherAdapter(c context.Context, claims jwtware.AuthClaims) context.Context {
	sc, ok := claims.(*SessionClaims)
	if !ok {
		return c
	}
	return WithClaimsContext(c, sc)
}

func currentUserID(ctx router.Context) (uuid.UUID, *SessionClaims, error) {
	claims, ok := GetRouterClaims(ctx, "")
	if !ok {
		return uuid.Nil, nil, ErrTokenMalformed
	}
	id, err := uuid.Parse(claims.UserID())
	if err != nil {
		return uuid.Nil, nil, ErrTokenMalformed
	}
	return id, claims, nil
}
