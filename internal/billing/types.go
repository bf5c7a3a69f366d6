// Package billing holds the water-utility domain model: resident profiles,
// meter readings and monthly payments, wire-compatible with the documents
// the remote store keeps per collection.
package billing

import (
	"errors"
	"fmt"
	"time"
)

// Collection names in the remote store.
const (
	CollectionUsers    = "users"
	CollectionReadings = "meterReadings"
	CollectionPayments = "payments"
)

var (
	ErrInvalidInput      = errors.New("billing: invalid input")
	ErrMalformedDocument = errors.New("billing: malformed document")
)

// Role is the privilege level carried by a profile.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "petugas"
	RoleResident Role = "user"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleResident
}

// CanRecord reports whether the role may record readings and payments.
func (r Role) CanRecord() bool { return r == RoleAdmin || r == RoleOperator }

// IsAdmin reports whether the role carries full administrative privilege.
func (r Role) IsAdmin() bool { return r == RoleAdmin }

// Profile is the role-bearing document keyed by the authentication
// identity. Exactly one profile exists per identity.
type Profile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	FullName    string `json:"fullName"`
	HouseNumber string `json:"houseNumber"`
	MeterID     string `json:"meterId"`
	Role        Role   `json:"role"`
}

func (p Profile) EntityID() string { return p.ID }

func (p Profile) WithID(id string) Profile {
	p.ID = id
	return p
}

// Fields returns the document body written to the store. The identity is
// never part of the body; it is the document key.
func (p Profile) Fields() map[string]any {
	return map[string]any{
		"email":       p.Email,
		"fullName":    p.FullName,
		"houseNumber": p.HouseNumber,
		"meterId":     p.MeterID,
		"role":        string(p.Role),
	}
}

func (p Profile) Validate() error {
	if p.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if p.FullName == "" {
		return fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, p.Role)
	}
	return nil
}

// MeterReading records one water meter value for a resident in a billing
// period. Readings are never mutated after creation; admins may delete them.
type MeterReading struct {
	ID         string    `json:"id"`
	ResidentID string    `json:"residentId"`
	Reading    float64   `json:"reading"`
	Month      int       `json:"month"`
	Year       int       `json:"year"`
	RecordedBy string    `json:"recordedBy"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (r MeterReading) EntityID() string { return r.ID }

func (r MeterReading) WithID(id string) MeterReading {
	r.ID = id
	return r
}

func (r MeterReading) Fields() map[string]any {
	return map[string]any{
		"residentId": r.ResidentID,
		"reading":    r.Reading,
		"month":      r.Month,
		"year":       r.Year,
		"recordedBy": r.RecordedBy,
		"recordedAt": r.RecordedAt,
	}
}

func (r MeterReading) Validate() error {
	if r.ResidentID == "" {
		return fmt.Errorf("%w: resident is required", ErrInvalidInput)
	}
	if r.Reading < 0 {
		return fmt.Errorf("%w: reading must not be negative", ErrInvalidInput)
	}
	if err := validatePeriod(r.Month, r.Year); err != nil {
		return err
	}
	return nil
}

// PaymentStatus is the settlement state of a monthly bill.
type PaymentStatus string

const (
	StatusPaid   PaymentStatus = "Paid"
	StatusUnpaid PaymentStatus = "Unpaid"
)

// Payment is one monthly bill for a resident. Status is the only field
// ordinarily toggled after creation.
type Payment struct {
	ID             string        `json:"id"`
	ResidentID     string        `json:"residentId"`
	Amount         int64         `json:"amount"`
	Month          int           `json:"month"`
	Year           int           `json:"year"`
	Status         PaymentStatus `json:"status"`
	PaymentDate    *time.Time    `json:"paymentDate,omitempty"`
	MeterReadingID string        `json:"meterReadingId,omitempty"`
}

func (p Payment) EntityID() string { return p.ID }

func (p Payment) WithID(id string) Payment {
	p.ID = id
	return p
}

func (p Payment) Fields() map[string]any {
	fields := map[string]any{
		"residentId": p.ResidentID,
		"amount":     p.Amount,
		"month":      p.Month,
		"year":       p.Year,
		"status":     string(p.Status),
	}
	if p.PaymentDate != nil {
		fields["paymentDate"] = *p.PaymentDate
	}
	if p.MeterReadingID != "" {
		fields["meterReadingId"] = p.MeterReadingID
	}
	return fields
}

// Validate enforces the timestamp invariant: paymentDate is present exactly
// when the payment is settled.
func (p Payment) Validate() error {
	if p.ResidentID == "" {
		return fmt.Errorf("%w: resident is required", ErrInvalidInput)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if err := validatePeriod(p.Month, p.Year); err != nil {
		return err
	}
	switch p.Status {
	case StatusPaid:
		if p.PaymentDate == nil {
			return fmt.Errorf("%w: paid payment requires a payment date", ErrInvalidInput)
		}
	case StatusUnpaid:
		if p.PaymentDate != nil {
			return fmt.Errorf("%w: unpaid payment must not carry a payment date", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, p.Status)
	}
	return nil
}

const minBillingYear = 2020

func validatePeriod(month, year int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month must be within 1..12", ErrInvalidInput)
	}
	maxYear := time.Now().Year() + 5
	if year < minBillingYear || year > maxYear {
		return fmt.Errorf("%w: year must be within %d..%d", ErrInvalidInput, minBillingYear, maxYear)
	}
	return nil
}
