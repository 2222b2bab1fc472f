// Package destcache remembers which destinations already hold a piece of
// server content, so repeated attaches can be skipped.
package destcache

import (
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache maps content ids to destination ids. Entries expire after ttl.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, []string]
}

func New(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, []string](size, nil, ttl)}
}

// RecordNewContent notes that destination now contains contentID.
func (c *Cache) RecordNewContent(contentID, destination string) {
	if contentID == "" || destination == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dests, _ := c.lru.Get(contentID)
	if slices.Contains(dests, destination) {
		return
	}
	c.lru.Add(contentID, append(slices.Clone(dests), destination))
}

// Contains reports whether destination is known to hold contentID.
func (c *Cache) Contains(contentID, destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	dests, ok := c.lru.Get(contentID)
	return ok && slices.Contains(dests, destination)
}

// Destinations returns the known destinations of contentID.
func (c *Cache) Destinations(contentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	dests, _ := c.lru.Get(contentID)
	return slices.Clone(dests)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
