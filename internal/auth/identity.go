// Package auth resolves bearer tokens to identities and answers permission checks.
package auth

import (
	"context"
	"errors"
)

// PermBroadcastCreate allows creating broadcast conversations.
const PermBroadcastCreate = "broadcast:create"

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	UserID      int64
	Permissions []string
}

// Has reports whether the identity carries perm.
func (i Identity) Has(perm string) bool {
	for _, p := range i.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Authorizer answers role-dependent questions about a user.
type Authorizer interface {
	CanCreateBroadcast(ctx context.Context, userID int64) bool
}

// ContextAuthorizer reads permissions from the identity placed on the request context.
type ContextAuthorizer struct{}

func (ContextAuthorizer) CanCreateBroadcast(ctx context.Context, userID int64) bool {
	id, ok := FromContext(ctx)
	return ok && id.UserID == userID && id.Has(PermBroadcastCreate)
}
