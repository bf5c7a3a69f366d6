package binding

import (
	"errors"
	"sync"

	"tirta.org/internal/errbus"
	"tirta.org/internal/obs"
	"tirta.org/internal/store"
)

// CollectionState is the observable state of a collection binding. Data is
// nil while unbound; a bound empty result set is a non-nil empty slice.
type CollectionState[T any] struct {
	Data    []T
	Loading bool
	Err     error
}

// Collection is a live binding over the result set of a nullable query.
// Every server snapshot replaces the local sequence wholesale, preserving
// store order, so local anticipation is always superseded by authority.
type Collection[T any] struct {
	st     store.Store
	bus    *errbus.Bus
	decode func(store.Document) (T, error)

	mu        sync.Mutex
	gen       int
	cancel    store.Unsubscribe
	query     *store.Query
	data      []T
	loading   bool
	err       error
	watchers  map[int]func(CollectionState[T])
	nextWatch int
}

// NewCollection creates an unbound collection binding.
func NewCollection[T any](st store.Store, bus *errbus.Bus, decode func(store.Document) (T, error)) *Collection[T] {
	return &Collection[T]{
		st:       st,
		bus:      bus,
		decode:   decode,
		watchers: make(map[int]func(CollectionState[T])),
	}
}

// State returns the current snapshot of the binding.
func (b *Collection[T]) State() CollectionState[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CollectionState[T]{Data: b.data, Loading: b.loading, Err: b.err}
}

// Watch registers an observer invoked on every state change.
func (b *Collection[T]) Watch(fn func(CollectionState[T])) func() {
	b.mu.Lock()
	key := b.nextWatch
	b.nextWatch++
	b.watchers[key] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, key)
			b.mu.Unlock()
		})
	}
}

// Bind points the binding at q. A nil query settles to {nil, false, nil}
// with no subscription; this is the primary role-gating mechanism for
// privileged collections.
func (b *Collection[T]) Bind(q *store.Query) {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	prior := b.cancel
	b.cancel = nil
	b.query = q

	if q == nil {
		b.data = nil
		b.loading = false
		b.err = nil
		state, watchers := b.snapshotLocked()
		b.mu.Unlock()
		release(prior)
		dispatch(watchers, state)
		return
	}

	b.loading = true
	b.err = nil
	state, watchers := b.snapshotLocked()
	b.mu.Unlock()
	release(prior)
	dispatch(watchers, state)

	query := *q
	cancel := b.st.SubscribeMany(query,
		func(docs []store.Document) { b.deliver(gen, docs) },
		func(err error) { b.fail(gen, query.Path(), err) },
	)
	obs.SubscriptionOpened()

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		cancel()
		obs.SubscriptionClosed()
		return
	}
	b.cancel = cancel
	b.mu.Unlock()
}

// Close tears the binding down and cancels the active subscription.
func (b *Collection[T]) Close() {
	b.mu.Lock()
	b.gen++
	prior := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	release(prior)
}

// ApplyLocal publishes an anticipated view of the bound collection before
// the server confirms it. The next authoritative snapshot replaces whatever
// the function produced. ApplyLocal on an unbound collection is a no-op.
func (b *Collection[T]) ApplyLocal(fn func(items []T) []T) {
	b.mu.Lock()
	if b.query == nil {
		b.mu.Unlock()
		return
	}
	current := make([]T, len(b.data))
	copy(current, b.data)
	b.data = fn(current)
	state, watchers := b.snapshotLocked()
	b.mu.Unlock()
	dispatch(watchers, state)
}

func (b *Collection[T]) deliver(gen int, docs []store.Document) {
	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		entity, err := b.decode(doc)
		if err != nil {
			b.mu.Lock()
			if gen != b.gen {
				b.mu.Unlock()
				return
			}
			b.err = err
			b.loading = false
			state, watchers := b.snapshotLocked()
			b.mu.Unlock()
			dispatch(watchers, state)
			return
		}
		items = append(items, entity)
	}

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.data = items
	b.loading = false
	b.err = nil
	state, watchers := b.snapshotLocked()
	b.mu.Unlock()
	obs.SnapshotDelivered("collection")
	dispatch(watchers, state)
}

func (b *Collection[T]) fail(gen int, path string, err error) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.err = err
	b.loading = false
	state, watchers := b.snapshotLocked()
	b.mu.Unlock()

	if errors.Is(err, store.ErrPermissionDenied) {
		b.bus.EmitPermissionError(&errbus.PermissionError{
			Path:      path,
			Operation: errbus.OpList,
			Err:       err,
		})
	}
	dispatch(watchers, state)
}

func (b *Collection[T]) snapshotLocked() (CollectionState[T], []func(CollectionState[T])) {
	state := CollectionState[T]{Data: b.data, Loading: b.loading, Err: b.err}
	watchers := make([]func(CollectionState[T]), 0, len(b.watchers))
	for _, fn := range b.watchers {
		watchers = append(watchers, fn)
	}
	return state, watchers
}
