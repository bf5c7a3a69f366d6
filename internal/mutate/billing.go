package mutate

import (
	"context"

	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/errbus"
	"tirta.org/internal/store"
)

// Readings drives optimistic meter-reading mutations. Readings are
// append-only; only admins delete them.
type Readings struct {
	*Collection[billing.MeterReading]
}

// NewReadings wires the reading workflows to the live readings binding.
func NewReadings(st store.Store, bus *errbus.Bus, b *binding.Collection[billing.MeterReading]) *Readings {
	return &Readings{Collection: NewCollection[billing.MeterReading](st, bus, b, billing.CollectionReadings)}
}

// Record validates and creates a reading. The recording timestamp is the
// server's; the optimistic entry carries the local clock approximation until
// the authoritative snapshot arrives.
func (r *Readings) Record(ctx context.Context, reading billing.MeterReading) (billing.MeterReading, error) {
	if err := reading.Validate(); err != nil {
		return billing.MeterReading{}, err
	}
	reading.RecordedAt = r.Now()
	return r.Create(ctx, reading, map[string]any{
		"recordedAt": store.ServerTimestamp,
	})
}

// Payments drives optimistic payment mutations, including the status toggle.
type Payments struct {
	*Collection[billing.Payment]
}

// NewPayments wires the payment workflows to the live payments binding.
func NewPayments(st store.Store, bus *errbus.Bus, b *binding.Collection[billing.Payment]) *Payments {
	return &Payments{Collection: NewCollection[billing.Payment](st, bus, b, billing.CollectionPayments)}
}

// Record validates and creates a payment.
func (p *Payments) Record(ctx context.Context, payment billing.Payment) (billing.Payment, error) {
	if err := payment.Validate(); err != nil {
		return billing.Payment{}, err
	}
	return p.Create(ctx, payment, nil)
}

// ToggleStatus flips a payment between settled and outstanding. Settling
// stamps the server's payment date; unsettling clears it, keeping the
// date invariant intact in both directions. The toggle is anticipated
// locally and the exact prior value is restored if the write is rejected.
func (p *Payments) ToggleStatus(ctx context.Context, payment billing.Payment) error {
	var (
		fields map[string]any
		apply  func(billing.Payment) billing.Payment
	)
	if payment.Status == billing.StatusPaid {
		fields = map[string]any{
			"status":      string(billing.StatusUnpaid),
			"paymentDate": nil,
		}
		apply = func(cur billing.Payment) billing.Payment {
			cur.Status = billing.StatusUnpaid
			cur.PaymentDate = nil
			return cur
		}
	} else {
		localDate := p.Now()
		fields = map[string]any{
			"status":      string(billing.StatusPaid),
			"paymentDate": store.ServerTimestamp,
		}
		apply = func(cur billing.Payment) billing.Payment {
			cur.Status = billing.StatusPaid
			d := localDate
			cur.PaymentDate = &d
			return cur
		}
	}
	return p.UpdateReverting(ctx, payment.ID, apply, fields)
}
