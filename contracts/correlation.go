package contracts

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// CorrelationTracker generates the identifiers that thread a logical
// operation across service boundaries. IDs are ULIDs: a monotonically
// non-decreasing time component followed by a random component, so they
// sort by creation time in logs. Uniqueness is advisory (tracing and log
// correlation), not an identity key enforced by the broker.
type CorrelationTracker struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// DefaultTracker is used by NewEnvelope when no correlation ID is supplied.
var DefaultTracker = NewCorrelationTracker()

// NewCorrelationTracker creates a tracker with a monotonic entropy source.
func NewCorrelationTracker() *CorrelationTracker {
	return &CorrelationTracker{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewID produces a fresh correlation ID. The monotonic entropy source is
// not safe for concurrent use, hence the lock.
func (t *CorrelationTracker) NewID() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), t.entropy)
	if err != nil {
		// Entropy exhaustion is effectively unreachable with crypto/rand,
		// but a correlation ID must always be produced.
		return uuid.NewString()
	}
	return id.String()
}

// IsGenerated reports whether id has the shape of a tracker-generated ID.
// Caller-supplied correlation IDs are opaque and always propagated as-is;
// this is only useful for diagnostics.
func IsGenerated(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
