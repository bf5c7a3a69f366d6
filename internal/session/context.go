package session

import (
	"context"
	"strings"

	"tirta.org/internal/billing"
)

type ctxKey string

const (
	uidKey  ctxKey = "session_uid"
	roleKey ctxKey = "session_role"
)

// ContextWithIdentity stores the verified caller identity in the context.
func ContextWithIdentity(ctx context.Context, uid string, role billing.Role) context.Context {
	ctx = context.WithValue(ctx, uidKey, strings.TrimSpace(uid))
	if role.Valid() {
		ctx = context.WithValue(ctx, roleKey, role)
	}
	return ctx
}

// UIDFromContext extracts the authenticated identity from context.
func UIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(uidKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RoleFromContext returns the caller's role, if resolved.
func RoleFromContext(ctx context.Context) (billing.Role, bool) {
	v, ok := ctx.Value(roleKey).(billing.Role)
	if !ok || !v.Valid() {
		return "", false
	}
	return v, true
}
