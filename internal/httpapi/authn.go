package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/session"
	"tirta.org/internal/store"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth verifies the bearer token, resolves the caller's profile and
// stores the identity in the request context. The profile carries the role;
// nothing downstream trusts the token alone.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		uid, err := a.auth.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		profile, err := a.loadProfile(r, uid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, r, http.StatusForbidden, "no profile for identity")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := session.ContextWithIdentity(r.Context(), uid, profile.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) loadProfile(r *http.Request, uid string) (billing.Profile, error) {
	doc, err := a.st.GetOne(r.Context(), store.JoinPath(billing.CollectionUsers, uid))
	if err != nil {
		return billing.Profile{}, err
	}
	return billing.DecodeProfile(doc)
}

// caller returns the request identity and the resolved profile state the
// query gate consumes. The profile is settled by construction: the identity
// middleware already loaded it.
func (a *API) caller(r *http.Request) (string, binding.DocState[billing.Profile], bool) {
	uid, ok := session.UIDFromContext(r.Context())
	if !ok {
		return "", binding.DocState[billing.Profile]{}, false
	}
	role, ok := session.RoleFromContext(r.Context())
	if !ok {
		return "", binding.DocState[billing.Profile]{}, false
	}
	profile := billing.Profile{ID: uid, Role: role}
	return uid, binding.DocState[billing.Profile]{Data: &profile}, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
