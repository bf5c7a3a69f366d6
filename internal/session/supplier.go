// Package session supplies the caller's identity to the rest of the app:
// authentication (sign-in, sign-out, token verification) and the composed
// session state every screen consumes, pairing the raw session with the
// live profile document that carries the role.
package session

import (
	"sync"

	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/errbus"
	"tirta.org/internal/rolegate"
	"tirta.org/internal/store"
)

// State is the composed identity snapshot. Loading is true from the moment
// a session exists until its profile document has settled, so role checks
// never run against a half-resolved identity.
type State struct {
	UID     string
	Profile binding.DocState[billing.Profile]
	Loading bool
}

// Resolved reports whether the identity is fully usable: a session exists
// and its profile has arrived.
func (s State) Resolved() bool {
	return s.UID != "" && !s.Loading && s.Profile.Data != nil
}

// Supplier tracks the current session and keeps the profile binding pointed
// at the session owner's document. Session changes rebind the profile; the
// profile for a signed-out supplier is unbound and settled.
type Supplier struct {
	profile *binding.Doc[billing.Profile]

	mu        sync.Mutex
	uid       string
	watchers  map[int]func(State)
	nextWatch int
	offProf   func()
}

// NewSupplier creates a signed-out supplier over the given store.
func NewSupplier(st store.Store, bus *errbus.Bus) *Supplier {
	s := &Supplier{
		profile:  binding.NewDoc[billing.Profile](st, bus, billing.DecodeProfile),
		watchers: make(map[int]func(State)),
	}
	s.offProf = s.profile.Watch(func(binding.DocState[billing.Profile]) { s.notify() })
	return s
}

// SetSession replaces the current session identity. An empty uid signs the
// supplier out and settles the profile without a subscription.
func (s *Supplier) SetSession(uid string) {
	s.mu.Lock()
	if s.uid == uid {
		s.mu.Unlock()
		return
	}
	s.uid = uid
	s.mu.Unlock()

	s.profile.Bind(rolegate.ProfilePath(uid))
	s.notify()
}

// State returns the composed snapshot.
func (s *Supplier) State() State {
	s.mu.Lock()
	uid := s.uid
	s.mu.Unlock()
	prof := s.profile.State()
	return State{
		UID:     uid,
		Profile: prof,
		Loading: uid != "" && prof.Loading,
	}
}

// Watch registers an observer invoked whenever the session or the profile
// changes, and returns a detach function.
func (s *Supplier) Watch(fn func(State)) func() {
	s.mu.Lock()
	key := s.nextWatch
	s.nextWatch++
	s.watchers[key] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, key)
			s.mu.Unlock()
		})
	}
}

// Close tears down the profile subscription.
func (s *Supplier) Close() {
	s.offProf()
	s.profile.Close()
}

func (s *Supplier) notify() {
	state := s.State()
	s.mu.Lock()
	watchers := make([]func(State), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()
	for _, fn := range watchers {
		fn(state)
	}
}
