package auth

import (
	"context"
	"strings"

	"marketcore.org/internal/domain"
)

type ctxKey string

const (
	userIDKey ctxKey = "auth_user_id"
	rolesKey  ctxKey = "auth_roles"
)

// ContextWithUser stores user identity in the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

// ActorFromContext maps the caller to the actor the order rules understand.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return domain.Actor{}, false
	}
	actor := domain.Actor{UserID: id, Role: domain.RoleUser}
	switch {
	case HasRole(ctx, RoleSystem):
		actor.Role = domain.RoleSystem
	case HasRole(ctx, RoleAdmin):
		actor.Role = domain.RoleAdmin
	}
	return actor, true
}
