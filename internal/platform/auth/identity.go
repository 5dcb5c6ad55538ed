package auth

import (
	"context"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the authenticated tenant operator behind a dashboard request.
type Identity struct {
	UID      string
	TenantID string
	Email    string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

type contextKey string

const identityContextKey contextKey = "github.com/stocksync/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// TenantFromContext returns the tenant of the authenticated identity.
func TenantFromContext(ctx context.Context) (string, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.TenantID == "" {
		return "", false
	}
	return identity.TenantID, true
}
