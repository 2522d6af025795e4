package core

import (
	"context"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/types"
)

// RoleAdmin may act on every user's jobs and schedules
const RoleAdmin = "admin"

type principalKey struct{}

// WithPrincipal returns a context acting as p
func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	roles := append([]string(nil), p.Roles...)
	return context.WithValue(ctx, principalKey{}, types.Principal{UserID: p.UserID, Roles: roles})
}

// PrincipalFrom returns the principal the context acts as
func PrincipalFrom(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(types.Principal)
	if !ok || p.UserID == "" {
		return types.Principal{}, false
	}
	return p, true
}

func requirePrincipal(ctx context.Context) (types.Principal, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return types.Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// canActOn reports whether p owns the resource of owner or is an admin
func canActOn(p types.Principal, owner string) bool {
	return p.UserID == owner || p.HasRole(RoleAdmin)
}
