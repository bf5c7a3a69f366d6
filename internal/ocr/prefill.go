package ocr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tirta.org/internal/billing"
	"tirta.org/internal/store"
)

var (
	// ErrRejected indicates the result failed validation and must not
	// pre-fill anything.
	ErrRejected = errors.New("ocr: result rejected")
	// ErrNoMatch indicates no resident carries the recognized meter id.
	ErrNoMatch = errors.New("ocr: no resident matches meter id")
)

// Prefill turns a validated recognition result into a create-reading intent
// by matching the meter id against resident profiles. The billing period
// defaults to the current month.
type Prefill struct {
	st  store.Store
	now func() time.Time
}

func NewPrefill(st store.Store) *Prefill {
	return &Prefill{st: st, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source. Test use only.
func (p *Prefill) SetClock(now func() time.Time) { p.now = now }

// FromImage runs the recognizer on a raw meter photo and resolves the
// extraction into a create-reading intent.
func (p *Prefill) FromImage(ctx context.Context, ex Extractor, image []byte) (billing.MeterReading, []string, error) {
	result, err := ex.Extract(ctx, image)
	if err != nil {
		return billing.MeterReading{}, nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return p.Intent(ctx, result)
}

// Intent validates the result and resolves its meter id to a resident.
// On rejection the suggestions explain what to retake.
func (p *Prefill) Intent(ctx context.Context, r Result) (billing.MeterReading, []string, error) {
	ok, suggestions := Validate(r)
	if !ok {
		return billing.MeterReading{}, suggestions, ErrRejected
	}

	docs, err := p.st.ListMany(ctx, store.Query{
		Collection: billing.CollectionUsers,
		Field:      "meterId",
		Equals:     r.MeterID,
	})
	if err != nil {
		return billing.MeterReading{}, nil, fmt.Errorf("match meter id: %w", err)
	}
	if len(docs) == 0 {
		return billing.MeterReading{}, nil, ErrNoMatch
	}

	now := p.now()
	return billing.MeterReading{
		ResidentID: docs[0].ID,
		Reading:    r.Reading,
		Month:      int(now.Month()),
		Year:       now.Year(),
	}, nil, nil
}
