package pinsync

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces identifiers for queued operations. Implementations
// must be safe for concurrent use. It is injected so tests can produce
// deterministic ids.
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to the IDGenerator interface.
type IDGeneratorFunc func() string

func (f IDGeneratorFunc) NewID() string { return f() }

// ulidGenerator issues monotonic ULIDs. ULIDs sort lexically by creation
// time, which is what gives persisted queue keys their enqueue order.
type ulidGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULIDGenerator returns the default id generator.
func NewULIDGenerator() IDGenerator {
	return &ulidGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ulidGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
