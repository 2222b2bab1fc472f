// Package progress keeps per-request byte and chunk bookkeeping for progress
// reporting. It is a cache: the persisted queue stays the source of truth and
// a cold counter reports zero.
package progress

import (
	"slices"
	"sync"
)

type entry struct {
	sent  int64
	total int64
	acked map[int]struct{}
}

// Counter is safe for concurrent use.
type Counter struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewCounter() *Counter {
	return &Counter{entries: make(map[string]*entry)}
}

func (c *Counter) get(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{acked: make(map[int]struct{})}
		c.entries[id] = e
	}
	return e
}

// Start records the expected size of id, creating the entry if needed.
func (c *Counter) Start(id string, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(id).total = total
}

// Restore rebuilds an entry from persisted acked chunk indices. chunkLen
// reports the byte length of a chunk.
func (c *Counter) Restore(id string, total int64, acked []int, chunkLen func(int) int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{total: total, acked: make(map[int]struct{}, len(acked))}
	for _, i := range acked {
		if _, dup := e.acked[i]; dup {
			continue
		}
		e.acked[i] = struct{}{}
		e.sent += chunkLen(i)
	}
	c.entries[id] = e
}

// AddBytes adds n sent bytes to id. Negative values are ignored.
func (c *Counter) AddBytes(id string, n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(id).sent += n
}

// AddChunk marks a chunk index as acknowledged. It returns true only the first
// time an index is added, so callers can account its bytes exactly once.
func (c *Counter) AddChunk(id string, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.get(id)
	if _, ok := e.acked[index]; ok {
		return false
	}
	e.acked[index] = struct{}{}
	return true
}

// Progress returns sent/total clamped to [0, 1]. Unknown ids report zero.
func (c *Counter) Progress(id string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.total <= 0 || e.sent <= 0 {
		return 0
	}
	return min(float64(e.sent)/float64(e.total), 1.0)
}

// Acked returns the acknowledged chunk indices in ascending order.
func (c *Counter) Acked(id string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(e.acked))
	for i := range e.acked {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

// Remove forgets id.
func (c *Counter) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
