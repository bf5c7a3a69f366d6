// Package binding implements the live data-binding primitives every screen
// of the app builds on: a single-document subscription and a collection
// subscription, each exposing {data, loading, error} and guaranteeing
// teardown of the underlying store subscription on every exit path.
package binding

import (
	"errors"
	"sync"

	"tirta.org/internal/errbus"
	"tirta.org/internal/obs"
	"tirta.org/internal/store"
)

// DocState is the observable state of a single-document binding. Data is nil
// while unbound, while the document is absent, and before the first snapshot.
type DocState[T any] struct {
	Data    *T
	Loading bool
	Err     error
}

// Doc is a live binding over one document identified by a nullable path.
// An empty path settles the binding immediately and holds no subscription;
// that is the mechanism role gating uses to disable fetching.
type Doc[T any] struct {
	st     store.Store
	bus    *errbus.Bus
	decode func(store.Document) (T, error)

	mu        sync.Mutex
	gen       int
	cancel    store.Unsubscribe
	path      string
	data      *T
	loading   bool
	err       error
	watchers  map[int]func(DocState[T])
	nextWatch int
}

// NewDoc creates an unbound document binding.
func NewDoc[T any](st store.Store, bus *errbus.Bus, decode func(store.Document) (T, error)) *Doc[T] {
	return &Doc[T]{
		st:       st,
		bus:      bus,
		decode:   decode,
		watchers: make(map[int]func(DocState[T])),
	}
}

// State returns the current snapshot of the binding.
func (b *Doc[T]) State() DocState[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return DocState[T]{Data: b.data, Loading: b.loading, Err: b.err}
}

// Watch registers an observer invoked on every state change, and returns a
// detach function.
func (b *Doc[T]) Watch(fn func(DocState[T])) func() {
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

// Bind points the binding at path. The prior subscription, if any, is
// cancelled before the new one is established; a delivery from a superseded
// subscription arriving late is discarded.
func (b *Doc[T]) Bind(path string) {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	prior := b.cancel
	b.cancel = nil
	b.path = path

	if path == "" {
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

	cancel := b.st.SubscribeOne(path,
		func(doc store.Document, exists bool) { b.deliver(gen, doc, exists) },
		func(err error) { b.fail(gen, path, err) },
	)
	obs.SubscriptionOpened()

	b.mu.Lock()
	if gen != b.gen {
		// Rebound while subscribing; the newer binding owns the state.
		b.mu.Unlock()
		cancel()
		obs.SubscriptionClosed()
		return
	}
	b.cancel = cancel
	b.mu.Unlock()
}

// Close tears the binding down and cancels the active subscription.
func (b *Doc[T]) Close() {
	b.mu.Lock()
	b.gen++
	prior := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	release(prior)
}

func (b *Doc[T]) deliver(gen int, doc store.Document, exists bool) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	if !exists {
		b.data = nil
	} else {
		entity, err := b.decode(doc)
		if err != nil {
			b.err = err
			b.loading = false
			state, watchers := b.snapshotLocked()
			b.mu.Unlock()
			dispatch(watchers, state)
			return
		}
		b.data = &entity
	}
	b.loading = false
	b.err = nil
	state, watchers := b.snapshotLocked()
	b.mu.Unlock()
	obs.SnapshotDelivered("doc")
	dispatch(watchers, state)
}

func (b *Doc[T]) fail(gen int, path string, err error) {
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
			Operation: errbus.OpGet,
			Err:       err,
		})
	}
	dispatch(watchers, state)
}

func (b *Doc[T]) snapshotLocked() (DocState[T], []func(DocState[T])) {
	state := DocState[T]{Data: b.data, Loading: b.loading, Err: b.err}
	watchers := make([]func(DocState[T]), 0, len(b.watchers))
	for _, fn := range b.watchers {
		watchers = append(watchers, fn)
	}
	return state, watchers
}

func dispatch[S any](watchers []func(S), state S) {
	for _, fn := range watchers {
		fn(state)
	}
}

func release(cancel store.Unsubscribe) {
	if cancel == nil {
		return
	}
	cancel()
	obs.SubscriptionClosed()
}
