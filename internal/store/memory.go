package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"tirta.org/internal/ids"
)

// Policy decides whether an operation is allowed. It stands in for the
// remote store's server-side security rules; the default allows everything.
type Policy func(op Op, path string, payload map[string]any) error

type docSub struct {
	path   string
	onNext func(Document, bool)
	onErr  func(error)
}

type querySub struct {
	q      Query
	onNext func([]Document)
	onErr  func(error)
}

// Memory is an in-process Store with channel-free synchronous fan-out:
// every committed write re-delivers snapshots to the affected subscribers.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	docSubs     map[int]*docSub
	querySubs   map[int]*querySub
	next        int
	policy      Policy
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store that allows every operation.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]map[string]any),
		docSubs:     make(map[int]*docSub),
		querySubs:   make(map[int]*querySub),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetPolicy installs an access policy. Pass nil to allow everything.
func (m *Memory) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// SetClock overrides the server clock. Test use only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) allowed(op Op, path string, payload map[string]any) error {
	if m.policy == nil {
		return nil
	}
	return m.policy(op, path, payload)
}

func (m *Memory) GetOne(ctx context.Context, path string) (Document, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return Document{}, err
	}
	if id == "" {
		return Document{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.allowed(OpGet, path, nil); err != nil {
		return Document{}, err
	}
	data, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: cloneData(data)}, nil
}

func (m *Memory) ListMany(ctx context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.allowed(OpList, q.Path(), nil); err != nil {
		return nil, err
	}
	return m.evaluate(q), nil
}

func (m *Memory) SubscribeOne(path string, onNext func(Document, bool), onErr func(error)) Unsubscribe {
	collection, id, err := SplitPath(path)
	if err != nil || id == "" {
		onErr(ErrNotFound)
		return func() {}
	}

	m.mu.Lock()
	if err := m.allowed(OpGet, path, nil); err != nil {
		m.mu.Unlock()
		onErr(err)
		return func() {}
	}
	key := m.next
	m.next++
	sub := &docSub{path: path, onNext: onNext, onErr: onErr}
	m.docSubs[key] = sub
	data, exists := m.collections[collection][id]
	snapshot := Document{ID: id, Data: cloneData(data)}
	m.mu.Unlock()

	// Initial snapshot, delivered before the subscribe call returns.
	onNext(snapshot, exists)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.docSubs, key)
			m.mu.Unlock()
		})
	}
}

func (m *Memory) SubscribeMany(q Query, onNext func([]Document), onErr func(error)) Unsubscribe {
	m.mu.Lock()
	if err := m.allowed(OpList, q.Path(), nil); err != nil {
		m.mu.Unlock()
		onErr(err)
		return func() {}
	}
	key := m.next
	m.next++
	sub := &querySub{q: q, onNext: onNext, onErr: onErr}
	m.querySubs[key] = sub
	snapshot := m.evaluate(q)
	m.mu.Unlock()

	onNext(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.querySubs, key)
			m.mu.Unlock()
		})
	}
}

func (m *Memory) Write(ctx context.Context, path string, op Op, payload map[string]any) (string, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if err := m.allowed(op, path, payload); err != nil {
		m.mu.Unlock()
		return "", err
	}

	switch op {
	case OpCreate:
		if id == "" {
			id = ids.New()
		}
		if m.collections[collection] == nil {
			m.collections[collection] = make(map[string]map[string]any)
		}
		m.collections[collection][id] = m.resolve(payload)
	case OpUpdate:
		if id == "" {
			m.mu.Unlock()
			return "", ErrNotFound
		}
		current, ok := m.collections[collection][id]
		if !ok {
			m.mu.Unlock()
			return "", ErrNotFound
		}
		for k, v := range m.resolve(payload) {
			current[k] = v
		}
	case OpDelete:
		if id == "" {
			m.mu.Unlock()
			return "", ErrNotFound
		}
		if _, ok := m.collections[collection][id]; !ok {
			m.mu.Unlock()
			return "", ErrNotFound
		}
		delete(m.collections[collection], id)
	default:
		m.mu.Unlock()
		return "", ErrNotFound
	}

	notify := m.collectNotifications(collection, id)
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return id, nil
}

// resolve replaces ServerTimestamp sentinels and copies the payload so
// callers cannot alias stored state.
func (m *Memory) resolve(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	now := m.now()
	for k, v := range payload {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

// collectNotifications builds the snapshot deliveries for a committed write
// while the lock is held; they run after release so handlers may call back
// into the store.
func (m *Memory) collectNotifications(collection, id string) []func() {
	var notify []func()
	path := JoinPath(collection, id)
	for _, sub := range m.docSubs {
		if sub.path != path {
			continue
		}
		data, exists := m.collections[collection][id]
		doc := Document{ID: id, Data: cloneData(data)}
		fn := sub.onNext
		notify = append(notify, func() { fn(doc, exists) })
	}
	for _, sub := range m.querySubs {
		if sub.q.Collection != collection {
			continue
		}
		docs := m.evaluate(sub.q)
		fn := sub.onNext
		notify = append(notify, func() { fn(docs) })
	}
	return notify
}

// evaluate runs a query against current state. Caller holds the lock.
func (m *Memory) evaluate(q Query) []Document {
	var out []Document
	for id, data := range m.collections[q.Collection] {
		if q.Field != "" && !equalValue(data[q.Field], q.Equals) {
			continue
		}
		out = append(out, Document{ID: id, Data: cloneData(data)})
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
			if q.Descending {
				return lessValue(out[j].Data[q.OrderBy], out[i].Data[q.OrderBy])
			}
			return less
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func equalValue(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af < bf
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
