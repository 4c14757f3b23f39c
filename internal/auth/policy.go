package auth

import (
	"context"
	"strings"
)

type Principal struct {
	UserID string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// Policy decides who may act on an order. It is built once from
// configuration and handed to the handlers that need it.
type Policy struct {
	admins map[string]struct{}
}

func NewPolicy(adminUserIDs []string) *Policy {
	admins := make(map[string]struct{}, len(adminUserIDs))
	for _, id := range adminUserIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = struct{}{}
		}
	}
	return &Policy{admins: admins}
}

func (p *Policy) IsAdmin(userID string) bool {
	if p == nil {
		return false
	}
	_, ok := p.admins[userID]
	return ok
}

// CanActOn allows owners on their own orders and admins on any order.
func (p *Policy) CanActOn(principal Principal, ownerID string) bool {
	if principal.UserID == "" {
		return false
	}
	return principal.UserID == ownerID || p.IsAdmin(principal.UserID)
}
