package shared

import "context"

// Identity is the externally resolved caller identity. UserID is the
// host application's external key, the same value stored on the user
// record.
type Identity struct {
	UserID string
	Email  string
}

type contextKey int

const identityKey contextKey = iota

// ContextWithIdentity attaches the resolved identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached to the context, if
// any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
