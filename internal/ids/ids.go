package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

const placeholderPrefix = "tmp-"

// Placeholder returns a client-generated identity for an optimistic create.
// It is replaced by the server-assigned identity during reconciliation.
func Placeholder() string {
	return placeholderPrefix + uuid.NewString()
}

// IsPlaceholder reports whether id was generated by Placeholder.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}
