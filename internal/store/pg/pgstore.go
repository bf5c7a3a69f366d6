// Package pg implements the document store contract on PostgreSQL. Every
// document lives in a single jsonb table keyed by (collection, id); writes
// fan out to registered subscribers after commit, so live bindings behave
// the same over PostgreSQL as over the in-memory store.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tirta.org/internal/ids"
	"tirta.org/internal/store"
)

type docSub struct {
	onNext func(store.Document, bool)
	onErr  func(error)
}

type colSub struct {
	query  store.Query
	onNext func([]store.Document)
	onErr  func(error)
}

// Store is a PostgreSQL-backed document store.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu      sync.Mutex
	policy  store.Policy
	docSubs map[string]map[int]docSub
	colSubs map[string]map[int]colSub
	nextSub int
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		now:     func() time.Time { return time.Now().UTC() },
		docSubs: make(map[string]map[int]docSub),
		colSubs: make(map[string]map[int]colSub),
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// SetPolicy installs the access rule hook consulted before every operation.
func (s *Store) SetPolicy(p store.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// SetClock overrides the server timestamp source. Test use only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) check(op store.Op, path string, payload map[string]any) error {
	s.mu.Lock()
	p := s.policy
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p(op, path, payload)
}

func (s *Store) GetOne(ctx context.Context, path string) (store.Document, error) {
	if err := s.check(store.OpGet, path, nil); err != nil {
		return store.Document{}, err
	}
	collection, id, err := splitDocPath(path)
	if err != nil {
		return store.Document{}, err
	}
	var raw []byte
	err = s.db.QueryRowContext(ctx,
		`select data from documents where collection=$1 and id=$2`,
		collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, err
	}
	data, err := decodeData(raw)
	if err != nil {
		return store.Document{}, err
	}
	return store.Document{ID: id, Data: data}, nil
}

func (s *Store) ListMany(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := s.check(store.OpList, q.Path(), nil); err != nil {
		return nil, err
	}
	return s.list(ctx, q)
}

func (s *Store) list(ctx context.Context, q store.Query) ([]store.Document, error) {
	query := `select id, data from documents where collection=$1`
	args := []any{q.Collection}
	if q.Field != "" {
		query += fmt.Sprintf(` and data->>$%d = $%d`, len(args)+1, len(args)+2)
		args = append(args, q.Field, fmt.Sprint(q.Equals))
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		query += fmt.Sprintf(` order by data->>$%d %s nulls last, id`, len(args)+1, dir)
		args = append(args, q.OrderBy)
	} else {
		query += ` order by id`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []store.Document{}
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Document{ID: id, Data: data})
	}
	return docs, rows.Err()
}

func (s *Store) Write(ctx context.Context, path string, op store.Op, payload map[string]any) (string, error) {
	if err := s.check(op, path, payload); err != nil {
		return "", err
	}

	var collection, id string
	switch op {
	case store.OpCreate:
		var err error
		collection, id, err = createTarget(path)
		if err != nil {
			return "", err
		}
		body, err := encodeData(resolveSentinels(payload, s.now()))
		if err != nil {
			return "", err
		}
		if _, err := s.db.ExecContext(ctx,
			`insert into documents(collection, id, data, updated_at) values ($1,$2,$3,$4)`,
			collection, id, body, s.now()); err != nil {
			return "", err
		}

	case store.OpUpdate:
		var err error
		collection, id, err = splitDocPath(path)
		if err != nil {
			return "", err
		}
		body, err := encodeData(resolveSentinels(payload, s.now()))
		if err != nil {
			return "", err
		}
		res, err := s.db.ExecContext(ctx,
			`update documents set data = data || $3::jsonb, updated_at = $4 where collection=$1 and id=$2`,
			collection, id, body, s.now())
		if err != nil {
			return "", err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return "", store.ErrNotFound
		}

	case store.OpDelete:
		var err error
		collection, id, err = splitDocPath(path)
		if err != nil {
			return "", err
		}
		if _, err := s.db.ExecContext(ctx,
			`delete from documents where collection=$1 and id=$2`,
			collection, id); err != nil {
			return "", err
		}

	default:
		return "", fmt.Errorf("unsupported operation %q", op)
	}

	s.notify(ctx, collection, id)
	return id, nil
}

// SubscribeOne registers a live subscription on one document. The current
// state is delivered synchronously before registration.
func (s *Store) SubscribeOne(path string, onNext func(store.Document, bool), onErr func(error)) store.Unsubscribe {
	if err := s.check(store.OpGet, path, nil); err != nil {
		onErr(err)
		return func() {}
	}

	doc, err := s.GetOne(context.Background(), path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		onNext(store.Document{}, false)
	case err != nil:
		onErr(err)
		return func() {}
	default:
		onNext(doc, true)
	}

	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	if s.docSubs[path] == nil {
		s.docSubs[path] = make(map[int]docSub)
	}
	s.docSubs[path][key] = docSub{onNext: onNext, onErr: onErr}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.docSubs[path], key)
		s.mu.Unlock()
	}
}

// SubscribeMany registers a live subscription on a query result set. The
// current result is delivered synchronously before registration.
func (s *Store) SubscribeMany(q store.Query, onNext func([]store.Document), onErr func(error)) store.Unsubscribe {
	if err := s.check(store.OpList, q.Path(), nil); err != nil {
		onErr(err)
		return func() {}
	}

	docs, err := s.list(context.Background(), q)
	if err != nil {
		onErr(err)
		return func() {}
	}
	onNext(docs)

	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	if s.colSubs[q.Collection] == nil {
		s.colSubs[q.Collection] = make(map[int]colSub)
	}
	s.colSubs[q.Collection][key] = colSub{query: q, onNext: onNext, onErr: onErr}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.colSubs[q.Collection], key)
		s.mu.Unlock()
	}
}

// notify re-reads the affected document and collection queries and delivers
// fresh snapshots to every registered subscriber.
func (s *Store) notify(ctx context.Context, collection, id string) {
	path := store.JoinPath(collection, id)

	s.mu.Lock()
	docs := make([]docSub, 0, len(s.docSubs[path]))
	for _, sub := range s.docSubs[path] {
		docs = append(docs, sub)
	}
	cols := make([]colSub, 0, len(s.colSubs[collection]))
	for _, sub := range s.colSubs[collection] {
		cols = append(cols, sub)
	}
	s.mu.Unlock()

	if len(docs) > 0 {
		doc, err := s.GetOne(ctx, path)
		for _, sub := range docs {
			switch {
			case errors.Is(err, store.ErrNotFound):
				sub.onNext(store.Document{}, false)
			case err != nil:
				sub.onErr(err)
			default:
				sub.onNext(doc, true)
			}
		}
	}
	for _, sub := range cols {
		result, err := s.list(ctx, sub.query)
		if err != nil {
			sub.onErr(err)
			continue
		}
		sub.onNext(result)
	}
}

func splitDocPath(path string) (collection, id string, err error) {
	collection, id, err = store.SplitPath(path)
	if err != nil {
		return "", "", err
	}
	if id == "" {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return collection, id, nil
}

// createTarget accepts both a bare collection (server-assigned id) and a
// full document path (caller-assigned id).
func createTarget(path string) (collection, id string, err error) {
	collection, id, err = store.SplitPath(path)
	if err != nil {
		return "", "", err
	}
	if id == "" {
		id = ids.New()
	}
	return collection, id, nil
}

func resolveSentinels(payload map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == store.ServerTimestamp {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(data)
}

func decodeData(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	return data, nil
}
