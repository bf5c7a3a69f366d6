package mutate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/errbus"
	"tirta.org/internal/ids"
	"tirta.org/internal/store"
)

// fakeStore gives tests manual control over snapshot deliveries and write
// outcomes, so races between the optimistic protocol and the live binding
// can be staged deterministically.
type fakeStore struct {
	manyNext map[string]func([]store.Document)
	manyErr  map[string]func(error)

	writeID   string
	writeErr  error
	onWrite   func(path string, payload map[string]any)
	lastPath  string
	lastOp    store.Op
	lastWrite map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		manyNext: make(map[string]func([]store.Document)),
		manyErr:  make(map[string]func(error)),
	}
}

func (f *fakeStore) GetOne(context.Context, string) (store.Document, error) {
	return store.Document{}, store.ErrNotFound
}

func (f *fakeStore) ListMany(context.Context, store.Query) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeStore) SubscribeOne(string, func(store.Document, bool), func(error)) store.Unsubscribe {
	return func() {}
}

func (f *fakeStore) SubscribeMany(q store.Query, onNext func([]store.Document), onErr func(error)) store.Unsubscribe {
	f.manyNext[q.Collection] = onNext
	f.manyErr[q.Collection] = onErr
	return func() {}
}

func (f *fakeStore) Write(_ context.Context, path string, op store.Op, payload map[string]any) (string, error) {
	f.lastPath = path
	f.lastOp = op
	f.lastWrite = payload
	if f.onWrite != nil {
		f.onWrite(path, payload)
	}
	return f.writeID, f.writeErr
}

func readingsFixture(t *testing.T, fs *fakeStore) (*Readings, *binding.Collection[billing.MeterReading], *errbus.Bus) {
	t.Helper()
	bus := errbus.New()
	b := binding.NewCollection[billing.MeterReading](fs, bus, billing.DecodeMeterReading)
	b.Bind(&store.Query{Collection: billing.CollectionReadings})
	t.Cleanup(b.Close)
	fs.manyNext[billing.CollectionReadings]([]store.Document{})
	return NewReadings(fs, bus, b), b, bus
}

func sampleReading() billing.MeterReading {
	return billing.MeterReading{
		ResidentID: "r1",
		Reading:    123.5,
		Month:      6,
		Year:       2025,
		RecordedBy: "op-1",
	}
}

// The created entity appears at the head under a placeholder identity before
// the server acknowledges, and carries the server identity after. Never two
// entries.
func TestCreateAnticipatesThenReconciles(t *testing.T) {
	fs := newFakeStore()
	fs.writeID = "m99"

	var headDuringWrite string
	r, b, _ := readingsFixture(t, fs)
	fs.onWrite = func(string, map[string]any) {
		st := b.State()
		if len(st.Data) != 1 {
			t.Fatalf("expected one optimistic entry during write, got %+v", st.Data)
		}
		headDuringWrite = st.Data[0].ID
	}

	created, err := r.Record(context.Background(), sampleReading())
	if err != nil {
		t.Fatal(err)
	}
	if !ids.IsPlaceholder(headDuringWrite) {
		t.Fatalf("in-flight entry must carry a placeholder identity, got %q", headDuringWrite)
	}
	if created.ID != "m99" {
		t.Fatalf("expected server identity, got %q", created.ID)
	}

	st := b.State()
	if len(st.Data) != 1 || st.Data[0].ID != "m99" {
		t.Fatalf("expected exactly one reconciled entry, got %+v", st.Data)
	}
	if !ids.IsPlaceholder(headDuringWrite) || headDuringWrite == "m99" {
		t.Fatalf("placeholder must differ from the server identity")
	}
	if fs.lastWrite["recordedAt"] != store.ServerTimestamp {
		t.Fatalf("recordedAt must be the server timestamp sentinel, got %v", fs.lastWrite["recordedAt"])
	}
}

// The authoritative snapshot lands before reconciliation runs: the outcome
// must still be a single entry keyed by the server identity.
func TestCreateDeduplicatesWhenSnapshotArrivesFirst(t *testing.T) {
	fs := newFakeStore()
	fs.writeID = "m99"
	r, b, _ := readingsFixture(t, fs)

	fs.onWrite = func(_ string, payload map[string]any) {
		fs.manyNext[billing.CollectionReadings]([]store.Document{{
			ID: "m99",
			Data: map[string]any{
				"residentId": payload["residentId"],
				"reading":    payload["reading"],
				"month":      payload["month"],
				"year":       payload["year"],
				"recordedBy": payload["recordedBy"],
				"recordedAt": time.Now().UTC(),
			},
		}})
	}

	if _, err := r.Record(context.Background(), sampleReading()); err != nil {
		t.Fatal(err)
	}

	st := b.State()
	if len(st.Data) != 1 || st.Data[0].ID != "m99" {
		t.Fatalf("expected a single deduplicated entry, got %+v", st.Data)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	fs := newFakeStore()
	r, b, _ := readingsFixture(t, fs)

	bad := sampleReading()
	bad.Month = 13
	if _, err := r.Record(context.Background(), bad); !errors.Is(err, billing.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if st := b.State(); len(st.Data) != 0 {
		t.Fatalf("rejected input must not be anticipated, got %+v", st.Data)
	}
	if fs.lastOp != "" {
		t.Fatalf("rejected input must not reach the store, got %q", fs.lastOp)
	}
}

func TestTransientWriteFailureStaysAtCallSite(t *testing.T) {
	fs := newFakeStore()
	fs.writeErr = errors.New("connection reset")
	r, _, bus := readingsFixture(t, fs)

	var emitted int
	off := bus.On(errbus.KindPermissionError, func(any) { emitted++ })
	defer off()

	_, err := r.Record(context.Background(), sampleReading())
	if !IsTransient(err) {
		t.Fatalf("expected transient classification, got %v", err)
	}
	if emitted != 0 {
		t.Fatalf("transient failure must not reach the bus, got %d events", emitted)
	}
}

func paymentsFixture(t *testing.T) (*store.Memory, *Payments, *binding.Collection[billing.Payment], *errbus.Bus, billing.Payment) {
	t.Helper()
	mem := store.NewMemory()
	bus := errbus.New()
	ctx := context.Background()

	id, err := mem.Write(ctx, billing.CollectionPayments, store.OpCreate, map[string]any{
		"residentId": "r1",
		"amount":     50000,
		"month":      6,
		"year":       2025,
		"status":     string(billing.StatusUnpaid),
	})
	if err != nil {
		t.Fatal(err)
	}

	b := binding.NewCollection[billing.Payment](mem, bus, billing.DecodePayment)
	b.Bind(&store.Query{Collection: billing.CollectionPayments})
	t.Cleanup(b.Close)

	st := b.State()
	if len(st.Data) != 1 || st.Data[0].ID != id {
		t.Fatalf("fixture payment not delivered: %+v", st)
	}
	return mem, NewPayments(mem, bus, b), b, bus, st.Data[0]
}

func TestToggleSettlesWithServerDate(t *testing.T) {
	mem, p, b, _, payment := paymentsFixture(t)
	settled := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return settled })

	if err := p.ToggleStatus(context.Background(), payment); err != nil {
		t.Fatal(err)
	}

	st := b.State()
	got := st.Data[0]
	if got.Status != billing.StatusPaid {
		t.Fatalf("expected settled payment, got %+v", got)
	}
	if got.PaymentDate == nil || !got.PaymentDate.Equal(settled) {
		t.Fatalf("expected server payment date %v, got %v", settled, got.PaymentDate)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("settled payment violates the date invariant: %v", err)
	}
}

func TestToggleBackClearsDate(t *testing.T) {
	_, p, b, _, payment := paymentsFixture(t)
	ctx := context.Background()

	if err := p.ToggleStatus(ctx, payment); err != nil {
		t.Fatal(err)
	}
	paid := b.State().Data[0]
	if err := p.ToggleStatus(ctx, paid); err != nil {
		t.Fatal(err)
	}

	got := b.State().Data[0]
	if got.Status != billing.StatusUnpaid || got.PaymentDate != nil {
		t.Fatalf("expected outstanding payment without a date, got %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("reverted payment violates the date invariant: %v", err)
	}
}

// A resident toggling a payment is denied by store policy: the prior value
// is restored exactly and exactly one permission error reaches the bus.
func TestDeniedToggleRevertsAndEmitsOnce(t *testing.T) {
	mem, p, b, bus, payment := paymentsFixture(t)
	mem.SetPolicy(func(op store.Op, path string, _ map[string]any) error {
		if op == store.OpUpdate && strings.HasPrefix(path, billing.CollectionPayments+"/") {
			return store.ErrPermissionDenied
		}
		return nil
	})

	var emitted []*errbus.PermissionError
	off := bus.On(errbus.KindPermissionError, func(e any) {
		emitted = append(emitted, e.(*errbus.PermissionError))
	})
	defer off()

	err := p.ToggleStatus(context.Background(), payment)
	if !errors.Is(err, store.ErrPermissionDenied) {
		t.Fatalf("expected permission denial, got %v", err)
	}

	got := b.State().Data[0]
	if got.Status != payment.Status || got.PaymentDate != nil {
		t.Fatalf("denied toggle must restore the prior value, got %+v", got)
	}

	if len(emitted) != 1 {
		t.Fatalf("expected exactly one permission error, got %d", len(emitted))
	}
	e := emitted[0]
	if e.Path != store.JoinPath(billing.CollectionPayments, payment.ID) || e.Operation != errbus.OpUpdate {
		t.Fatalf("unexpected permission error %+v", e)
	}
	if e.Payload["status"] != string(billing.StatusPaid) {
		t.Fatalf("permission error must carry the rejected payload, got %+v", e.Payload)
	}
}

func TestDeleteRemovesLocallyThenWrites(t *testing.T) {
	fs := newFakeStore()
	r, b, _ := readingsFixture(t, fs)
	fs.manyNext[billing.CollectionReadings]([]store.Document{
		{ID: "m1", Data: map[string]any{"residentId": "r1", "reading": 10.0, "month": 5, "year": 2025}},
		{ID: "m2", Data: map[string]any{"residentId": "r2", "reading": 20.0, "month": 5, "year": 2025}},
	})

	if err := r.Delete(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	st := b.State()
	if len(st.Data) != 1 || st.Data[0].ID != "m2" {
		t.Fatalf("expected m1 removed locally, got %+v", st.Data)
	}
	if fs.lastPath != "meterReadings/m1" || fs.lastOp != store.OpDelete {
		t.Fatalf("unexpected delete write %q %q", fs.lastPath, fs.lastOp)
	}
}
