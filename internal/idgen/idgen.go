// Package idgen produces the monotonic task identifier described in the
// data model: a ULID string that sorts lexicographically in creation
// order. Within one Generator ids are strictly increasing; across
// processes they are ordered only to the millisecond.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonic ULIDs. A single Generator must be shared by
// all callers on one process so the monotonic entropy source is effective;
// it is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates a task id Generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// TaskID returns a new, strictly-increasing (within this process) task id.
func (g *Generator) TaskID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return id.String()
}

// defaultGenerator backs the package-level TaskID helper used by callers
// that don't need to inject a Generator (e.g. one-off scripts, tests).
var defaultGenerator = NewGenerator()

// TaskID returns a new task id from the package default generator.
func TaskID() string {
	return defaultGenerator.TaskID()
}
