// Package errbus carries classified access-control failures from anywhere
// in the data layer to the single listener that surfaces them.
package errbus

import (
	"context"
	"fmt"
	"sync"
)

// KindPermissionError is the only event kind emitted in normal operation.
const KindPermissionError = "permission-error"

// Operation identifies the store operation that was rejected.
type Operation string

const (
	OpGet    Operation = "get"
	OpList   Operation = "list"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// PermissionError is a classified access-control rejection from the store.
type PermissionError struct {
	Path      string         `json:"path"`
	Operation Operation      `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
	Err       error          `json:"-"`
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s %s", e.Operation, e.Path)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Handler receives every payload emitted for its kind.
type Handler func(payload any)

type registration struct {
	kind    string
	handler Handler
}

// Bus is an injectable publish/subscribe channel. It is constructed once at
// process start (or per test for isolation) and never torn down. The bus does
// not deduplicate emissions; that is the listener's responsibility.
type Bus struct {
	mu   sync.RWMutex
	subs map[*registration]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*registration]struct{})}
}

// On registers a handler for the given kind and returns a detach function.
// Detaching is idempotent.
func (b *Bus) On(kind string, h Handler) func() {
	reg := &registration{kind: kind, handler: h}
	b.mu.Lock()
	b.subs[reg] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, reg)
			b.mu.Unlock()
		})
	}
}

// Emit delivers payload to every handler registered for kind, synchronously
// and in registration-independent order.
func (b *Bus) Emit(kind string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for reg := range b.subs {
		if reg.kind == kind {
			handlers = append(handlers, reg.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// EmitPermissionError publishes a classified access failure.
func (b *Bus) EmitPermissionError(pe *PermissionError) {
	b.Emit(KindPermissionError, pe)
}

// Stream adapts the bus to a channel for SSE-style consumers. The channel is
// closed when ctx ends. Slow consumers drop events rather than block emitters.
func (b *Bus) Stream(ctx context.Context, kind string) <-chan *PermissionError {
	ch := make(chan *PermissionError, 16)
	var mu sync.Mutex
	closed := false
	off := b.On(kind, func(payload any) {
		pe, ok := payload.(*PermissionError)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- pe:
		default:
			// Drop when the subscriber is slow to avoid blocking.
		}
	})
	go func() {
		<-ctx.Done()
		off()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}
