// Package httpapi exposes the billing data layer over HTTP: authentication,
// role-gated collection reads, optimistic mutations and live event streams.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tirta.org/internal/billing"
	"tirta.org/internal/errbus"
	"tirta.org/internal/mutate"
	"tirta.org/internal/obs"
	"tirta.org/internal/ocr"
	"tirta.org/internal/session"
	"tirta.org/internal/store"
)

// ReadyProbe checks service readiness, pinging the database when one is
// configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the collaborators the API serves.
type Options struct {
	Store    store.Store
	Bus      *errbus.Bus
	Auth     *session.Service
	Readings *mutate.Readings
	Payments *mutate.Payments
	Prefill  *ocr.Prefill
	Ready    ReadyProbe
	Version  string

	MaxBodyBytes int64
	RateLimitRPS int
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	st       store.Store
	bus      *errbus.Bus
	auth     *session.Service
	readings *mutate.Readings
	payments *mutate.Payments
	prefill  *ocr.Prefill
	ready    ReadyProbe
	version  string

	maxBodyBytes int64
	rateLimitRPS int
}

func New(opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		st:           opts.Store,
		bus:          opts.Bus,
		auth:         opts.Auth,
		readings:     opts.Readings,
		payments:     opts.Payments,
		prefill:      opts.Prefill,
		ready:        opts.Ready,
		version:      opts.Version,
		maxBodyBytes: opts.MaxBodyBytes,
		rateLimitRPS: opts.RateLimitRPS,
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)

	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/readings", a.handleReadingsCollection)
	a.mux.HandleFunc("/v1/readings/ocr", a.handleOCRPrefill)
	a.mux.HandleFunc("/v1/readings/", a.handleReadingResource)
	a.mux.HandleFunc("/v1/payments", a.handlePaymentsCollection)
	a.mux.HandleFunc("/v1/payments/stream", a.streamPayments)
	a.mux.HandleFunc("/v1/payments/", a.handlePaymentResource)
	a.mux.HandleFunc("/v1/errors/stream", a.streamErrors)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	if a.rateLimitRPS > 0 {
		h = RateLimit(h, a.rateLimitRPS*2, a.rateLimitRPS)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tirta-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tirta-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps data-layer failures onto status codes.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case mutate.IsTransient(err):
		writeError(w, r, http.StatusBadGateway, "store temporarily unavailable, retry")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
