package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable identifiers: prefix-1, prefix-2, ...
//
// This enables golden comparison of envelopes and workflow rows that would
// otherwise carry random UUIDs.
//
// Thread-safety: Safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Next returns the next identifier.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
