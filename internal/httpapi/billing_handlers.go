package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tirta.org/internal/audit"
	"tirta.org/internal/billing"
	"tirta.org/internal/ocr"
	"tirta.org/internal/rolegate"
	"tirta.org/internal/session"
	"tirta.org/internal/store"
)

// --- users ---

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"fullName"`
	HouseNumber string `json:"houseNumber"`
	MeterID     string `json:"meterId"`
	Role        string `json:"role"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.registerUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	uid, profile, ok := a.caller(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	q := rolegate.UsersQuery(uid, profile)
	if q == nil {
		writeError(w, r, http.StatusForbidden, "role does not permit listing residents")
		return
	}
	docs, err := a.st.ListMany(r.Context(), *q)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	users := make([]billing.Profile, 0, len(docs))
	for _, doc := range docs {
		u, err := billing.DecodeProfile(doc)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		users = append(users, u)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) registerUser(w http.ResponseWriter, r *http.Request) {
	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "only admins register accounts")
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	uid, err := a.auth.Register(r.Context(), billing.Profile{
		Email:       req.Email,
		FullName:    req.FullName,
		HouseNumber: req.HouseNumber,
		MeterID:     req.MeterID,
		Role:        billing.Role(req.Role),
	}, req.Password)
	if errors.Is(err, session.ErrPartialProvisioning) {
		// The credential exists without a profile; surface the identity so
		// the account can be repaired instead of silently retried.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "account partially provisioned",
			"uid":   uid,
		})
		return
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "user.register", map[string]any{"uid": uid, "role": req.Role})
	writeJSON(w, http.StatusCreated, map[string]any{"uid": uid})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getUser(w, r, id)
	case http.MethodPut:
		a.updateUser(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	uid, ok := session.UIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	role, _ := session.RoleFromContext(r.Context())
	if uid != id && !role.CanRecord() {
		writeError(w, r, http.StatusForbidden, "profiles are private")
		return
	}
	doc, err := a.st.GetOne(r.Context(), store.JoinPath(billing.CollectionUsers, id))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	u, err := billing.DecodeProfile(doc)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type updateUserRequest struct {
	FullName    *string `json:"fullName"`
	HouseNumber *string `json:"houseNumber"`
	MeterID     *string `json:"meterId"`
	Role        *string `json:"role"`
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, id string) {
	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "only admins update profiles")
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fields := map[string]any{}
	if req.FullName != nil {
		fields["fullName"] = *req.FullName
	}
	if req.HouseNumber != nil {
		fields["houseNumber"] = *req.HouseNumber
	}
	if req.MeterID != nil {
		fields["meterId"] = *req.MeterID
	}
	if req.Role != nil {
		if !billing.Role(*req.Role).Valid() {
			writeError(w, r, http.StatusBadRequest, "unknown role")
			return
		}
		fields["role"] = *req.Role
	}
	if len(fields) == 0 {
		writeError(w, r, http.StatusBadRequest, "no fields to update")
		return
	}

	if _, err := a.st.Write(r.Context(), store.JoinPath(billing.CollectionUsers, id), store.OpUpdate, fields); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.update", map[string]any{"uid": id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// --- meter readings ---

type createReadingRequest struct {
	ResidentID string  `json:"residentId"`
	Reading    float64 `json:"reading"`
	Month      int     `json:"month"`
	Year       int     `json:"year"`
}

func (a *API) handleReadingsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listReadings(w, r)
	case http.MethodPost:
		a.recordReading(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listReadings(w http.ResponseWriter, r *http.Request) {
	uid, profile, ok := a.caller(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	q := rolegate.ReadingsQuery(uid, profile)
	if q == nil {
		writeError(w, r, http.StatusForbidden, "role does not permit the reading history")
		return
	}
	docs, err := a.st.ListMany(r.Context(), *q)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	readings := make([]billing.MeterReading, 0, len(docs))
	for _, doc := range docs {
		m, err := billing.DecodeMeterReading(doc)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		readings = append(readings, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": readings})
}

func (a *API) recordReading(w http.ResponseWriter, r *http.Request) {
	uid, ok := session.UIDFromContext(r.Context())
	role, roleOK := session.RoleFromContext(r.Context())
	if !ok || !roleOK {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	if !role.CanRecord() {
		writeError(w, r, http.StatusForbidden, "role does not permit recording readings")
		return
	}
	var req createReadingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.readings.Record(r.Context(), billing.MeterReading{
		ResidentID: req.ResidentID,
		Reading:    req.Reading,
		Month:      req.Month,
		Year:       req.Year,
		RecordedBy: uid,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "reading.record", map[string]any{
		"readingId":  created.ID,
		"residentId": created.ResidentID,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleReadingResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/readings/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}

	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "only admins delete readings")
		return
	}
	if err := a.readings.Delete(r.Context(), id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "reading.delete", map[string]any{"readingId": id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// --- payments ---

type createPaymentRequest struct {
	ResidentID     string `json:"residentId"`
	Amount         int64  `json:"amount"`
	Month          int    `json:"month"`
	Year           int    `json:"year"`
	MeterReadingID string `json:"meterReadingId"`
}

func (a *API) handlePaymentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listPayments(w, r)
	case http.MethodPost:
		a.createPayment(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
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
	docs, err := a.st.ListMany(r.Context(), *q)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	payments := make([]billing.Payment, 0, len(docs))
	for _, doc := range docs {
		p, err := billing.DecodePayment(doc)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		payments = append(payments, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payments})
}

func (a *API) createPayment(w http.ResponseWriter, r *http.Request) {
	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.CanRecord() {
		writeError(w, r, http.StatusForbidden, "role does not permit recording payments")
		return
	}
	var req createPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.payments.Record(r.Context(), billing.Payment{
		ResidentID:     req.ResidentID,
		Amount:         req.Amount,
		Month:          req.Month,
		Year:           req.Year,
		Status:         billing.StatusUnpaid,
		MeterReadingID: req.MeterReadingID,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "payment.create", map[string]any{
		"paymentId":  created.ID,
		"residentId": created.ResidentID,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handlePaymentResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if id, okSuffix := strings.CutSuffix(rest, "/toggle"); okSuffix {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.togglePayment(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getPayment(w, r, rest)
	case http.MethodDelete:
		a.deletePayment(w, r, rest)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) deletePayment(w http.ResponseWriter, r *http.Request, id string) {
	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "only admins delete payments")
		return
	}
	if err := a.payments.Delete(r.Context(), id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "payment.delete", map[string]any{"paymentId": id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request, id string) {
	uid, ok := session.UIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	doc, err := a.st.GetOne(r.Context(), store.JoinPath(billing.CollectionPayments, id))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	p, err := billing.DecodePayment(doc)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	role, _ := session.RoleFromContext(r.Context())
	if p.ResidentID != uid && !role.CanRecord() {
		writeError(w, r, http.StatusForbidden, "payment belongs to another resident")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) togglePayment(w http.ResponseWriter, r *http.Request, id string) {
	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.CanRecord() {
		writeError(w, r, http.StatusForbidden, "role does not permit toggling payments")
		return
	}
	doc, err := a.st.GetOne(r.Context(), store.JoinPath(billing.CollectionPayments, id))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	payment, err := billing.DecodePayment(doc)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	if err := a.payments.ToggleStatus(r.Context(), payment); err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "payment.toggle", map[string]any{
		"paymentId": id,
		"from":      string(payment.Status),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "toggled"})
}

// --- OCR prefill ---

type ocrPrefillRequest struct {
	Text       string  `json:"text"`
	MeterID    string  `json:"meterId"`
	Reading    float64 `json:"reading"`
	Confidence float64 `json:"confidence"`
}

func (a *API) handleOCRPrefill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	role, ok := session.RoleFromContext(r.Context())
	if !ok || !role.CanRecord() {
		writeError(w, r, http.StatusForbidden, "role does not permit recording readings")
		return
	}
	var req ocrPrefillRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result := ocr.Result{
		MeterID:    req.MeterID,
		Reading:    req.Reading,
		Confidence: req.Confidence,
	}
	if req.Text != "" {
		result.MeterID, result.Reading = ocr.ParseMeterText(req.Text)
	}

	intent, suggestions, err := a.prefill.Intent(r.Context(), result)
	switch {
	case errors.Is(err, ocr.ErrRejected):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       "recognition rejected",
			"suggestions": suggestions,
		})
		return
	case errors.Is(err, ocr.ErrNoMatch):
		writeError(w, r, http.StatusNotFound, "no resident matches the recognized meter id")
		return
	case err != nil:
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}
