package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

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

// NewRequestNumber returns a human-readable approval request number such as
// APR-20260828-01HX4F. The suffix is the tail of a fresh ULID; the full ULID
// remains the storage key, the number is for operator-facing references.
func NewRequestNumber(now time.Time) string {
	id := New()
	return "APR-" + now.UTC().Format("20060102") + "-" + strings.ToUpper(id[len(id)-6:])
}
