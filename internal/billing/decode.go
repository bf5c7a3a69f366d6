package billing

import (
	"fmt"
	"time"

	"tirta.org/internal/store"
)

// Decoding is the schema-validated boundary between raw store documents and
// the typed domain model. The document identity is merged in here and is
// authoritative even when the body carries a stale copy; malformed documents
// are rejected rather than passed through.

// DecodeProfile converts a raw user document.
func DecodeProfile(doc store.Document) (Profile, error) {
	if doc.ID == "" || doc.Data == nil {
		return Profile{}, fmt.Errorf("%w: empty user document", ErrMalformedDocument)
	}
	email, err := stringField(doc.Data, "email", true)
	if err != nil {
		return Profile{}, err
	}
	fullName, err := stringField(doc.Data, "fullName", true)
	if err != nil {
		return Profile{}, err
	}
	houseNumber, err := stringField(doc.Data, "houseNumber", false)
	if err != nil {
		return Profile{}, err
	}
	meterID, err := stringField(doc.Data, "meterId", false)
	if err != nil {
		return Profile{}, err
	}
	roleRaw, err := stringField(doc.Data, "role", true)
	if err != nil {
		return Profile{}, err
	}
	role := Role(roleRaw)
	if !role.Valid() {
		return Profile{}, fmt.Errorf("%w: unknown role %q", ErrMalformedDocument, roleRaw)
	}
	return Profile{
		ID:          doc.ID,
		Email:       email,
		FullName:    fullName,
		HouseNumber: houseNumber,
		MeterID:     meterID,
		Role:        role,
	}, nil
}

// DecodeMeterReading converts a raw meterReadings document.
func DecodeMeterReading(doc store.Document) (MeterReading, error) {
	if doc.ID == "" || doc.Data == nil {
		return MeterReading{}, fmt.Errorf("%w: empty reading document", ErrMalformedDocument)
	}
	residentID, err := stringField(doc.Data, "residentId", true)
	if err != nil {
		return MeterReading{}, err
	}
	reading, err := numberField(doc.Data, "reading")
	if err != nil {
		return MeterReading{}, err
	}
	month, err := intField(doc.Data, "month")
	if err != nil {
		return MeterReading{}, err
	}
	year, err := intField(doc.Data, "year")
	if err != nil {
		return MeterReading{}, err
	}
	recordedBy, err := stringField(doc.Data, "recordedBy", false)
	if err != nil {
		return MeterReading{}, err
	}
	recordedAt, err := timeField(doc.Data, "recordedAt", false)
	if err != nil {
		return MeterReading{}, err
	}
	return MeterReading{
		ID:         doc.ID,
		ResidentID: residentID,
		Reading:    reading,
		Month:      month,
		Year:       year,
		RecordedBy: recordedBy,
		RecordedAt: recordedAt,
	}, nil
}

// DecodePayment converts a raw payments document.
func DecodePayment(doc store.Document) (Payment, error) {
	if doc.ID == "" || doc.Data == nil {
		return Payment{}, fmt.Errorf("%w: empty payment document", ErrMalformedDocument)
	}
	residentID, err := stringField(doc.Data, "residentId", true)
	if err != nil {
		return Payment{}, err
	}
	amountF, err := numberField(doc.Data, "amount")
	if err != nil {
		return Payment{}, err
	}
	month, err := intField(doc.Data, "month")
	if err != nil {
		return Payment{}, err
	}
	year, err := intField(doc.Data, "year")
	if err != nil {
		return Payment{}, err
	}
	statusRaw, err := stringField(doc.Data, "status", true)
	if err != nil {
		return Payment{}, err
	}
	status := PaymentStatus(statusRaw)
	if status != StatusPaid && status != StatusUnpaid {
		return Payment{}, fmt.Errorf("%w: unknown payment status %q", ErrMalformedDocument, statusRaw)
	}
	var paymentDate *time.Time
	if v, ok := doc.Data["paymentDate"]; ok && v != nil {
		ts, err := timeField(doc.Data, "paymentDate", true)
		if err != nil {
			return Payment{}, err
		}
		paymentDate = &ts
	}
	meterReadingID, err := stringField(doc.Data, "meterReadingId", false)
	if err != nil {
		return Payment{}, err
	}
	return Payment{
		ID:             doc.ID,
		ResidentID:     residentID,
		Amount:         int64(amountF),
		Month:          month,
		Year:           year,
		Status:         status,
		PaymentDate:    paymentDate,
		MeterReadingID: meterReadingID,
	}, nil
}

func stringField(data map[string]any, key string, required bool) (string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%w: missing field %q", ErrMalformedDocument, key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is not a string", ErrMalformedDocument, key)
	}
	if required && s == "" {
		return "", fmt.Errorf("%w: missing field %q", ErrMalformedDocument, key)
	}
	return s, nil
}

func numberField(data map[string]any, key string) (float64, error) {
	v, ok := data[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ErrMalformedDocument, key)
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("%w: field %q is not numeric", ErrMalformedDocument, key)
}

func intField(data map[string]any, key string) (int, error) {
	f, err := numberField(data, key)
	if err != nil {
		return 0, err
	}
	n := int(f)
	if float64(n) != f {
		return 0, fmt.Errorf("%w: field %q is not an integer", ErrMalformedDocument, key)
	}
	return n, nil
}

func timeField(data map[string]any, key string, required bool) (time.Time, error) {
	v, ok := data[key]
	if !ok || v == nil {
		if required {
			return time.Time{}, fmt.Errorf("%w: missing field %q", ErrMalformedDocument, key)
		}
		return time.Time{}, nil
	}
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: field %q is not a timestamp", ErrMalformedDocument, key)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("%w: field %q is not a timestamp", ErrMalformedDocument, key)
}
