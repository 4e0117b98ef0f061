package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable message ids ("msg-0001", "msg-0002",
// ...) in place of random UUIDs, so command output can be compared against
// golden files.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "msg".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "msg"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
