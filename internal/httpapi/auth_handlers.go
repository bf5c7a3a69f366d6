package httpapi

import (
	"errors"
	"net/http"
	"time"

	"tirta.org/internal/audit"
	"tirta.org/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	UID       string    `json:"uid"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := a.auth.SignIn(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	case errors.Is(err, session.ErrTooManyAttempts):
		writeError(w, r, http.StatusTooManyRequests, "too many sign-in attempts")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "sign-in failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "session.login", map[string]any{"uid": sess.UID})
	writeJSON(w, http.StatusOK, loginResponse{
		UID:       sess.UID,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.auth.SignOut(r.Context(), token); err != nil {
		writeError(w, r, http.StatusInternalServerError, "sign-out failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "session.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "signed_out"})
}
