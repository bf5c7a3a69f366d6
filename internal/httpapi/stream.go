package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/errbus"
	"tirta.org/internal/rolegate"
	"tirta.org/internal/session"
)

func sseSetup(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()
	return flusher, true
}

func sseWrite(w http.ResponseWriter, flusher http.Flusher, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

// streamErrors pushes classified permission failures to admin dashboards as
// Server-Sent Events.
func (a *API) streamErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "only admins watch the error stream")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.bus.Stream(ctx, errbus.KindPermissionError)

	flusher, ok := sseSetup(w)
	if !ok {
		return
	}
	for pe := range ch {
		sseWrite(w, flusher, pe)
	}
}

// streamPayments delivers live payment snapshots for the caller's scope. Each
// event is the full result set, mirroring what a bound collection observes.
func (a *API) streamPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	uid, profile, ok := a.caller(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	q := rolegate.PaymentsQuery(uid, profile)
	if q == nil {
		writeError(w, r, http.StatusForbidden, "no payment view for this role")
		return
	}

	flusher, ok := sseSetup(w)
	if !ok {
		return
	}

	type snapshot struct {
		Items []billing.Payment `json:"items"`
		Err   string            `json:"error,omitempty"`
	}
	events := make(chan snapshot, 16)

	col := binding.NewCollection(a.st, a.bus, billing.DecodePayment)
	off := col.Watch(func(st binding.CollectionState[billing.Payment]) {
		if st.Loading {
			return
		}
		ev := snapshot{Items: st.Data}
		if st.Err != nil {
			ev.Err = st.Err.Error()
		}
		select {
		case events <- ev:
		default:
		}
	})
	col.Bind(q)
	defer func() {
		off()
		col.Close()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			sseWrite(w, flusher, ev)
		}
	}
}
