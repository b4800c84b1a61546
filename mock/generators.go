package mock

import (
	"sync"

	"github.com/tenantdb/tenantdb/kit/platform"
)

// IDGenerator is a mock implementation of platform.IDGenerator.
type IDGenerator struct {
	IDFn func() platform.ID
}

var _ platform.IDGenerator = (*IDGenerator)(nil)

// NewIDGenerator returns a generator producing the fixed id.
func NewIDGenerator(id platform.ID) *IDGenerator {
	return &IDGenerator{IDFn: func() platform.ID { return id }}
}

// ID returns the next id via IDFn.
func (g *IDGenerator) ID() platform.ID { return g.IDFn() }

// IncrementingIDGenerator yields sequential ids from a starting value.
// Generated ids are deterministic and ordered, which keeps bucket scans in
// tests stable.
type IncrementingIDGenerator struct {
	mu sync.Mutex
	id platform.ID
}

var _ platform.IDGenerator = (*IncrementingIDGenerator)(nil)

// NewIncrementingIDGenerator starts the sequence at start.
func NewIncrementingIDGenerator(start platform.ID) *IncrementingIDGenerator {
	return &IncrementingIDGenerator{id: start}
}

// ID returns the next id in the sequence.
func (g *IncrementingIDGenerator) ID() platform.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.id
	g.id++
	return id
}
