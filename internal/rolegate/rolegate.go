// Package rolegate is the single decision point for which query a binding
// may run. Every screen derives its queries here instead of re-implementing
// role checks, so a privileged collection is never subscribed to before the
// caller's role is confirmed.
package rolegate

import (
	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/store"
)

// resolved returns the profile role once the identity is fully resolved:
// the session exists and the profile binding has finished loading. Until
// then no privileged query may be issued.
func resolved(uid string, profile binding.DocState[billing.Profile]) (billing.Role, bool) {
	if uid == "" || profile.Loading || profile.Data == nil {
		return "", false
	}
	return profile.Data.Role, true
}

// UsersQuery selects the resident roster query. Admins and field operators
// read the full roster; residents never see it.
func UsersQuery(uid string, profile binding.DocState[billing.Profile]) *store.Query {
	role, ok := resolved(uid, profile)
	if !ok || !role.CanRecord() {
		return nil
	}
	return &store.Query{Collection: billing.CollectionUsers}
}

// ReadingsQuery selects the meter-reading history query, newest first.
// There is no resident self-service view; residents get no query.
func ReadingsQuery(uid string, profile binding.DocState[billing.Profile]) *store.Query {
	role, ok := resolved(uid, profile)
	if !ok || !role.CanRecord() {
		return nil
	}
	return &store.Query{
		Collection: billing.CollectionReadings,
		OrderBy:    "recordedAt",
		Descending: true,
	}
}

// PaymentsQuery selects the payments query. Admins and operators read the
// unscoped collection; residents are always scoped to their own identity.
func PaymentsQuery(uid string, profile binding.DocState[billing.Profile]) *store.Query {
	role, ok := resolved(uid, profile)
	if !ok {
		return nil
	}
	if role.CanRecord() {
		return &store.Query{Collection: billing.CollectionPayments}
	}
	return &store.Query{
		Collection: billing.CollectionPayments,
		Field:      "residentId",
		Equals:     uid,
	}
}

// ProfilePath selects the caller's own profile document path, or empty when
// not authenticated. Empty disables the binding entirely.
func ProfilePath(uid string) string {
	if uid == "" {
		return ""
	}
	return store.JoinPath(billing.CollectionUsers, uid)
}
