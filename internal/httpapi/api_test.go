package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/errbus"
	"tirta.org/internal/mutate"
	"tirta.org/internal/ocr"
	"tirta.org/internal/session"
	"tirta.org/internal/store"
)

const testPassword = "correct-horse"

type testEnv struct {
	t    *testing.T
	api  *API
	srv  *httptest.Server
	mem  *store.Memory
	bus  *errbus.Bus
	auth *session.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	bus := errbus.New()
	auth, err := session.NewService(mem, []byte("test-secret"), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	readings := mutate.NewReadings(mem, bus, binding.NewCollection(mem, bus, billing.DecodeMeterReading))
	payments := mutate.NewPayments(mem, bus, binding.NewCollection(mem, bus, billing.DecodePayment))

	api := New(Options{
		Store:    mem,
		Bus:      bus,
		Auth:     auth,
		Readings: readings,
		Payments: payments,
		Prefill:  ocr.NewPrefill(mem),
		Version:  "test",
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, api: api, srv: srv, mem: mem, bus: bus, auth: auth}
}

func (e *testEnv) register(email, name, meterID string, role billing.Role) string {
	e.t.Helper()
	uid, err := e.auth.Register(context.Background(), billing.Profile{
		Email:    email,
		FullName: name,
		MeterID:  meterID,
		Role:     role,
	}, testPassword)
	if err != nil {
		e.t.Fatalf("Register %s: %v", email, err)
	}
	return uid
}

func (e *testEnv) login(email string) string {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": testPassword,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		e.t.Fatalf("decode login response: %v", err)
	}
	return out.Token
}

func (e *testEnv) do(method, path, token string, body any) *http.Response {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
	resp.Body.Close()
}

func TestHealthAndInfoArePublic(t *testing.T) {
	env := newEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := env.do(http.MethodGet, path, "", nil)
		wantStatus(t, resp, http.StatusOK)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newEnv(t)
	env.register("admin@tirta.org", "Admin", "", billing.RoleAdmin)

	resp := env.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "admin@tirta.org",
		"password": "wrong-password",
	})
	wantStatus(t, resp, http.StatusUnauthorized)
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newEnv(t)
	resp := env.do(http.MethodGet, "/v1/users", "", nil)
	wantStatus(t, resp, http.StatusUnauthorized)
}

func TestUsersListIsRoleGated(t *testing.T) {
	env := newEnv(t)
	env.register("admin@tirta.org", "Admin", "", billing.RoleAdmin)
	env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	admin := env.login("admin@tirta.org")
	resident := env.login("warga@tirta.org")

	resp := env.do(http.MethodGet, "/v1/users", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin list status = %d", resp.StatusCode)
	}
	out := decodeBody[struct {
		Items []billing.Profile `json:"items"`
	}](t, resp)
	if len(out.Items) != 2 {
		t.Fatalf("admin sees %d profiles, want 2", len(out.Items))
	}

	resp = env.do(http.MethodGet, "/v1/users", resident, nil)
	wantStatus(t, resp, http.StatusForbidden)
}

func TestResidentPaymentViewIsScopedToSelf(t *testing.T) {
	env := newEnv(t)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)
	uidA := env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)
	uidB := env.register("lain@tirta.org", "Andi", "MTR002", billing.RoleResident)

	operator := env.login("petugas@tirta.org")
	for _, uid := range []string{uidA, uidB} {
		resp := env.do(http.MethodPost, "/v1/payments", operator, map[string]any{
			"residentId": uid,
			"amount":     50000,
			"month":      3,
			"year":       2024,
		})
		wantStatus(t, resp, http.StatusCreated)
	}

	resident := env.login("warga@tirta.org")
	resp := env.do(http.MethodGet, "/v1/payments", resident, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resident list status = %d", resp.StatusCode)
	}
	out := decodeBody[struct {
		Items []billing.Payment `json:"items"`
	}](t, resp)
	if len(out.Items) != 1 {
		t.Fatalf("resident sees %d payments, want 1", len(out.Items))
	}
	if out.Items[0].ResidentID != uidA {
		t.Fatalf("resident sees payment for %s", out.Items[0].ResidentID)
	}

	resp = env.do(http.MethodGet, "/v1/payments", operator, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator list status = %d", resp.StatusCode)
	}
	all := decodeBody[struct {
		Items []billing.Payment `json:"items"`
	}](t, resp)
	if len(all.Items) != 2 {
		t.Fatalf("operator sees %d payments, want 2", len(all.Items))
	}
}

func TestRecordReadingRequiresRecordingRole(t *testing.T) {
	env := newEnv(t)
	opUID := env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)
	resUID := env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	body := map[string]any{
		"residentId": resUID,
		"reading":    1250.5,
		"month":      3,
		"year":       2024,
	}

	resident := env.login("warga@tirta.org")
	resp := env.do(http.MethodPost, "/v1/readings", resident, body)
	wantStatus(t, resp, http.StatusForbidden)

	operator := env.login("petugas@tirta.org")
	resp = env.do(http.MethodPost, "/v1/readings", operator, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("operator record status = %d", resp.StatusCode)
	}
	created := decodeBody[billing.MeterReading](t, resp)
	if created.RecordedBy != opUID {
		t.Fatalf("recordedBy = %q, want the operator uid", created.RecordedBy)
	}
	if created.ID == "" || strings.HasPrefix(created.ID, "tmp-") {
		t.Fatalf("created reading kept id %q", created.ID)
	}
}

func TestTogglePaymentFlipsStatusAndDate(t *testing.T) {
	env := newEnv(t)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)
	resUID := env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/payments", operator, map[string]any{
		"residentId": resUID,
		"amount":     50000,
		"month":      3,
		"year":       2024,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create payment status = %d", resp.StatusCode)
	}
	created := decodeBody[billing.Payment](t, resp)
	if created.Status != billing.StatusUnpaid || created.PaymentDate != nil {
		t.Fatalf("new payment = %+v, want unpaid without a date", created)
	}

	resp = env.do(http.MethodPost, "/v1/payments/"+created.ID+"/toggle", operator, nil)
	wantStatus(t, resp, http.StatusOK)

	resp = env.do(http.MethodGet, "/v1/payments/"+created.ID, operator, nil)
	paid := decodeBody[billing.Payment](t, resp)
	if paid.Status != billing.StatusPaid {
		t.Fatalf("status after toggle = %q", paid.Status)
	}
	if paid.PaymentDate == nil {
		t.Fatal("paid payment has no payment date")
	}

	resp = env.do(http.MethodPost, "/v1/payments/"+created.ID+"/toggle", operator, nil)
	wantStatus(t, resp, http.StatusOK)

	resp = env.do(http.MethodGet, "/v1/payments/"+created.ID, operator, nil)
	unpaid := decodeBody[billing.Payment](t, resp)
	if unpaid.Status != billing.StatusUnpaid || unpaid.PaymentDate != nil {
		t.Fatalf("toggled-back payment = %+v, want unpaid without a date", unpaid)
	}
}

func TestTogglePaymentDeniedByStorePolicy(t *testing.T) {
	env := newEnv(t)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)
	resUID := env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/payments", operator, map[string]any{
		"residentId": resUID,
		"amount":     50000,
		"month":      3,
		"year":       2024,
	})
	created := decodeBody[billing.Payment](t, resp)

	env.mem.SetPolicy(func(op store.Op, path string, payload map[string]any) error {
		if op == store.OpUpdate && strings.HasPrefix(path, billing.CollectionPayments+"/") {
			return store.ErrPermissionDenied
		}
		return nil
	})

	resp = env.do(http.MethodPost, "/v1/payments/"+created.ID+"/toggle", operator, nil)
	wantStatus(t, resp, http.StatusForbidden)
}

func TestAdminRegistersAccountsOverHTTP(t *testing.T) {
	env := newEnv(t)
	env.register("admin@tirta.org", "Admin", "", billing.RoleAdmin)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)

	body := map[string]any{
		"email":    "baru@tirta.org",
		"password": testPassword,
		"fullName": "Dewi",
		"meterId":  "MTR007",
		"role":     "user",
	}

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/users", operator, body)
	wantStatus(t, resp, http.StatusForbidden)

	admin := env.login("admin@tirta.org")
	resp = env.do(http.MethodPost, "/v1/users", admin, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin register status = %d", resp.StatusCode)
	}
	out := decodeBody[struct {
		UID string `json:"uid"`
	}](t, resp)
	if out.UID == "" {
		t.Fatal("register returned no uid")
	}

	if _, err := env.auth.SignIn(context.Background(), "baru@tirta.org", testPassword); err != nil {
		t.Fatalf("new account cannot sign in: %v", err)
	}
}

func TestDeleteReadingIsAdminOnly(t *testing.T) {
	env := newEnv(t)
	env.register("admin@tirta.org", "Admin", "", billing.RoleAdmin)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)
	resUID := env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/readings", operator, map[string]any{
		"residentId": resUID,
		"reading":    1250.0,
		"month":      3,
		"year":       2024,
	})
	created := decodeBody[billing.MeterReading](t, resp)

	resp = env.do(http.MethodDelete, "/v1/readings/"+created.ID, operator, nil)
	wantStatus(t, resp, http.StatusForbidden)

	admin := env.login("admin@tirta.org")
	resp = env.do(http.MethodDelete, "/v1/readings/"+created.ID, admin, nil)
	wantStatus(t, resp, http.StatusOK)

	path := store.JoinPath(billing.CollectionReadings, created.ID)
	if _, err := env.mem.GetOne(context.Background(), path); err == nil {
		t.Fatal("reading still present after delete")
	}
}

func TestOCRPrefillResolvesResident(t *testing.T) {
	env := newEnv(t)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)
	resUID := env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/readings/ocr", operator, map[string]any{
		"text":       "MTR001 1250 m3",
		"confidence": 0.9,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prefill status = %d", resp.StatusCode)
	}
	intent := decodeBody[billing.MeterReading](t, resp)
	if intent.ResidentID != resUID {
		t.Fatalf("intent resident = %q, want %q", intent.ResidentID, resUID)
	}
	if intent.Reading != 1250 {
		t.Fatalf("intent reading = %v, want 1250", intent.Reading)
	}
}

func TestOCRPrefillRejectsLowConfidence(t *testing.T) {
	env := newEnv(t)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)
	env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/readings/ocr", operator, map[string]any{
		"text":       "MTR001 1250",
		"confidence": 0.2,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("prefill status = %d, want 422", resp.StatusCode)
	}
	out := decodeBody[struct {
		Suggestions []string `json:"suggestions"`
	}](t, resp)
	if len(out.Suggestions) == 0 {
		t.Fatal("rejection carries no suggestions")
	}
}

func TestOCRPrefillUnknownMeter(t *testing.T) {
	env := newEnv(t)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/readings/ocr", operator, map[string]any{
		"meterId":    "MTR999",
		"reading":    1250,
		"confidence": 0.9,
	})
	wantStatus(t, resp, http.StatusNotFound)
}

func TestErrorStreamIsAdminOnly(t *testing.T) {
	env := newEnv(t)
	env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	resident := env.login("warga@tirta.org")
	resp := env.do(http.MethodGet, "/v1/errors/stream", resident, nil)
	wantStatus(t, resp, http.StatusForbidden)
}

func TestErrorStreamDeliversPermissionEvents(t *testing.T) {
	env := newEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = session.ContextWithIdentity(ctx, "admin-1", billing.RoleAdmin)
	req := httptest.NewRequest(http.MethodGet, "/v1/errors/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		env.api.streamErrors(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	env.bus.EmitPermissionError(&errbus.PermissionError{
		Path:      "payments/p1",
		Operation: errbus.OpUpdate,
	})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, ": stream started") {
		t.Fatalf("missing stream preamble: %q", body)
	}
	if !strings.Contains(body, `"path":"payments/p1"`) {
		t.Fatalf("event not delivered: %q", body)
	}
}

func TestRejectsUnknownJSONFields(t *testing.T) {
	env := newEnv(t)
	env.register("petugas@tirta.org", "Siti", "", billing.RoleOperator)

	operator := env.login("petugas@tirta.org")
	resp := env.do(http.MethodPost, "/v1/readings", operator, map[string]any{
		"residentId": "r1",
		"reading":    1.0,
		"month":      3,
		"year":       2024,
		"surprise":   true,
	})
	wantStatus(t, resp, http.StatusBadRequest)
}

func TestUpdateUserIsAdminOnly(t *testing.T) {
	env := newEnv(t)
	env.register("admin@tirta.org", "Admin", "", billing.RoleAdmin)
	resUID := env.register("warga@tirta.org", "Budi", "MTR001", billing.RoleResident)

	admin := env.login("admin@tirta.org")
	resp := env.do(http.MethodPut, fmt.Sprintf("/v1/users/%s", resUID), admin, map[string]any{
		"houseNumber": "B-12",
	})
	wantStatus(t, resp, http.StatusOK)

	resp = env.do(http.MethodGet, "/v1/users/"+resUID, admin, nil)
	got := decodeBody[billing.Profile](t, resp)
	if got.HouseNumber != "B-12" {
		t.Fatalf("houseNumber = %q after update", got.HouseNumber)
	}

	resident := env.login("warga@tirta.org")
	resp = env.do(http.MethodPut, "/v1/users/"+resUID, resident, map[string]any{
		"role": "admin",
	})
	wantStatus(t, resp, http.StatusForbidden)
}
