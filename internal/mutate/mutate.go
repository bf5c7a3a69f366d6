// Package mutate implements the optimistic write protocol: publish the
// anticipated post-mutation state to the live binding first, then issue the
// write, then reconcile with the authoritative value once the subscription
// delivers it. Access-control rejections are classified and published on the
// error bus exactly once; they never corrupt local state permanently.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tirta.org/internal/binding"
	"tirta.org/internal/errbus"
	"tirta.org/internal/ids"
	"tirta.org/internal/obs"
	"tirta.org/internal/store"
)

// Entity is the contract a domain type needs for optimistic mutations:
// a stable identity, identity replacement for create reconciliation, and
// its document body.
type Entity[T any] interface {
	EntityID() string
	WithID(id string) T
	Fields() map[string]any
}

// TransientError wraps a non-permission store failure. It is surfaced to the
// call site with a retry affordance and is never retried automatically.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient store failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Collection drives optimistic mutations against one bound collection.
type Collection[T Entity[T]] struct {
	st         store.Store
	bus        *errbus.Bus
	binding    *binding.Collection[T]
	collection string
	now        func() time.Time
}

// NewCollection wires the protocol to a store, an error bus and the live
// binding whose local state anticipates each write.
func NewCollection[T Entity[T]](st store.Store, bus *errbus.Bus, b *binding.Collection[T], collection string) *Collection[T] {
	return &Collection[T]{
		st:         st,
		bus:        bus,
		binding:    b,
		collection: collection,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the local clock approximation. Test use only.
func (c *Collection[T]) SetClock(now func() time.Time) { c.now = now }

// Now returns the local clock approximation used for optimistic timestamps.
func (c *Collection[T]) Now() time.Time { return c.now() }

// Create inserts entity optimistically at the head of the bound collection
// under a placeholder identity, issues the write, and reconciles the
// placeholder with the server-assigned identity. overrides are merged into
// the wire payload only (e.g. a server-timestamp sentinel); the local
// anticipation keeps the entity's own field values.
func (c *Collection[T]) Create(ctx context.Context, entity T, overrides map[string]any) (T, error) {
	placeholder := ids.Placeholder()
	local := entity.WithID(placeholder)
	c.binding.ApplyLocal(func(items []T) []T {
		return append([]T{local}, items...)
	})

	payload := entity.Fields()
	for k, v := range overrides {
		payload[k] = v
	}

	serverID, err := c.st.Write(ctx, c.collection, store.OpCreate, payload)
	if err != nil {
		// The optimistic entry is kept; the next authoritative snapshot
		// replaces local state wholesale.
		var zero T
		return zero, c.report(store.OpCreate, c.collection, payload, err)
	}

	c.reconcileCreate(placeholder, serverID)
	obs.MutationObserved(string(store.OpCreate), "ok")
	return entity.WithID(serverID), nil
}

// reconcileCreate replaces the placeholder identity with the server-assigned
// one. If the live binding already delivered the authoritative record, the
// placeholder is dropped instead. Deduplication is by identity, so applying
// the same outcome twice cannot duplicate the entity.
func (c *Collection[T]) reconcileCreate(placeholder, serverID string) {
	c.binding.ApplyLocal(func(items []T) []T {
		hasAuthoritative := false
		for _, item := range items {
			if item.EntityID() == serverID {
				hasAuthoritative = true
				break
			}
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			if item.EntityID() == placeholder {
				if hasAuthoritative {
					continue
				}
				out = append(out, item.WithID(serverID))
				continue
			}
			out = append(out, item)
		}
		return out
	})
}

// Update applies the field delta locally, then issues the write. The live
// binding confirms the change; a failed update is reported but the
// anticipated state is kept until the next authoritative snapshot.
func (c *Collection[T]) Update(ctx context.Context, id string, apply func(T) T, fields map[string]any) error {
	c.binding.ApplyLocal(func(items []T) []T {
		for i, item := range items {
			if item.EntityID() == id {
				items[i] = apply(item)
			}
		}
		return items
	})

	path := store.JoinPath(c.collection, id)
	if _, err := c.st.Write(ctx, path, store.OpUpdate, fields); err != nil {
		return c.report(store.OpUpdate, path, fields, err)
	}
	obs.MutationObserved(string(store.OpUpdate), "ok")
	return nil
}

// UpdateReverting behaves like Update but restores the exact pre-mutation
// value on failure. It is the variant status toggles use: a rejected toggle
// must be visually correct immediately.
func (c *Collection[T]) UpdateReverting(ctx context.Context, id string, apply func(T) T, fields map[string]any) error {
	var prior *T
	c.binding.ApplyLocal(func(items []T) []T {
		for i, item := range items {
			if item.EntityID() == id {
				captured := item
				prior = &captured
				items[i] = apply(item)
			}
		}
		return items
	})

	path := store.JoinPath(c.collection, id)
	if _, err := c.st.Write(ctx, path, store.OpUpdate, fields); err != nil {
		if prior != nil {
			c.binding.ApplyLocal(func(items []T) []T {
				for i, item := range items {
					if item.EntityID() == id {
						items[i] = *prior
					}
				}
				return items
			})
		}
		return c.report(store.OpUpdate, path, fields, err)
	}
	obs.MutationObserved(string(store.OpUpdate), "ok")
	return nil
}

// Delete removes the entity locally, then issues the write.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	c.binding.ApplyLocal(func(items []T) []T {
		out := items[:0]
		for _, item := range items {
			if item.EntityID() != id {
				out = append(out, item)
			}
		}
		return out
	})

	path := store.JoinPath(c.collection, id)
	if _, err := c.st.Write(ctx, path, store.OpDelete, nil); err != nil {
		return c.report(store.OpDelete, path, nil, err)
	}
	obs.MutationObserved(string(store.OpDelete), "ok")
	return nil
}

// report classifies a write failure. Access-control rejections become a
// PermissionError carrying the attempted path, operation and rejected
// payload, published on the bus exactly once. Anything else is transient
// and stays at the call site.
func (c *Collection[T]) report(op store.Op, path string, payload map[string]any, err error) error {
	if errors.Is(err, store.ErrPermissionDenied) {
		obs.MutationObserved(string(op), "denied")
		c.bus.EmitPermissionError(&errbus.PermissionError{
			Path:      path,
			Operation: errbus.Operation(op),
			Payload:   payload,
			Err:       err,
		})
		return err
	}
	obs.MutationObserved(string(op), "error")
	return &TransientError{Err: err}
}
