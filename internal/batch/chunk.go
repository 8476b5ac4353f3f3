// Package batch drives unprocessed slide inputs through the stage pipeline, one chunk at a time.
package batch

import (
	"sync"
	"time"

	"github.com/pathomics/slidebatch/internal/tracker"
)

// TokenFormat is the layout of chunk tokens, an ISO-8601 UTC timestamp with milliseconds.
const TokenFormat = "2006-01-02T15:04:05.000Z"

// Chunk is one group of inputs processed together through every stage.
type Chunk struct {
	Index        int
	Items        []tracker.Item
	Token        string // Namespaces this chunk's output so reruns never collide
	SourcePrefix string
	OutputPrefix string
}

// IDs returns the ids of the chunk's items.
func (c Chunk) IDs() []string {
	ids := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

// Partition splits items into consecutive groups of size; the last group may be shorter.
// It neither reorders nor filters. Partition panics if size is not positive.
func Partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		panic("batch: partition size must be positive")
	}
	groups := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		groups = append(groups, items[start:end:end])
	}
	return groups
}

// TokenSource hands out chunk tokens that increase strictly within a process,
// even when the clock does not advance between calls.
type TokenSource struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewTokenSource returns a TokenSource reading now (nil uses time.Now).
func NewTokenSource(now func() time.Time) *TokenSource {
	if now == nil {
		now = time.Now
	}
	return &TokenSource{now: now}
}

// Next returns a new token.
func (s *TokenSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t.Format(TokenFormat)
}
