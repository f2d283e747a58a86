package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Batch returns a collection batch identifier.
func Batch() string { return "bat_" + New() }

// Usage returns a mandate usage record identifier.
func Usage() string { return "use_" + New() }

// Mandate returns a mandate identifier for mandates registered without one.
func Mandate() string { return "mdt_" + New() }
