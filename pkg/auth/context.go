package auth

import "context"

// Principal identifies an authenticated caller for the lifetime of one
// request.
type Principal struct {
	Name  string
	Role  Role
	Token string
}

type principalKey struct{}

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal, if one was attached.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
