// Package store defines the document database contract the data layer is
// built on: get-one, list-many, live subscriptions and writes, each reporting
// success or a classified failure.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports an absent document. Absence is not an error for
	// single-document bindings; they represent it as nil data.
	ErrNotFound = errors.New("store: not found")

	// ErrPermissionDenied reports an access-control rejection. It is the only
	// failure the binding/mutation layer classifies as a PermissionError.
	ErrPermissionDenied = errors.New("store: permission denied")
)

// Op is the operation kind attempted against the store.
type Op string

const (
	OpGet    Op = "get"
	OpList   Op = "list"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Document is an identity-tagged raw entity. Data never contains the
// identity; the identity travels separately and is authoritative.
type Document struct {
	ID   string
	Data map[string]any
}

// Query describes a collection read: an optional single-field equality
// filter and an optional sort.
type Query struct {
	Collection string
	Field      string // equality filter field, empty for unfiltered
	Equals     any
	OrderBy    string
	Descending bool
}

// Path returns the collection path the query reads.
func (q Query) Path() string { return q.Collection }

// Unsubscribe cancels a live subscription. It is safe to call more than once.
type Unsubscribe func()

// ServerTimestamp is a write-payload sentinel replaced with the store's
// clock at commit time.
type serverTimestamp struct{}

var ServerTimestamp = serverTimestamp{}

// Store is the remote document database boundary.
type Store interface {
	GetOne(ctx context.Context, path string) (Document, error)
	ListMany(ctx context.Context, q Query) ([]Document, error)

	// SubscribeOne delivers the current document synchronously on subscribe,
	// then again after every committed write to path. exists=false reports an
	// absent document.
	SubscribeOne(path string, onNext func(doc Document, exists bool), onErr func(error)) Unsubscribe

	// SubscribeMany delivers the current result set synchronously on
	// subscribe, then again after every committed write affecting the query.
	SubscribeMany(q Query, onNext func(docs []Document), onErr func(error)) Unsubscribe

	// Write applies a create (path = collection), update or delete
	// (path = collection/id). Create returns the server-assigned identity.
	Write(ctx context.Context, path string, op Op, payload map[string]any) (string, error)
}

// SplitPath separates "collection/id". An empty id is allowed for
// collection-level paths.
func SplitPath(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", "", fmt.Errorf("store: empty path")
	}
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 1 {
		return parts[0], "", nil
	}
	if parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", fmt.Errorf("store: malformed path %q", path)
	}
	return parts[0], parts[1], nil
}

// JoinPath builds "collection/id".
func JoinPath(collection, id string) string {
	return collection + "/" + id
}
