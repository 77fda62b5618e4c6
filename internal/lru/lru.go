// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lru provides the bounded caches used by the chunk fetcher's
// on-demand and prefetch tiers. It wraps
// github.com/hashicorp/golang-lru/v2/simplelru for the intrusive
// list-plus-hashmap mechanics (the dependency lives in the retrieved
// example pack via seiflotfy/onpair's go.mod) and layers on the
// statistics and eviction-preview operations the spec requires.
//
// Cache is not safe for concurrent use: per spec.md §4.9, the chunk
// fetcher serializes all cache operations from its single owner thread.
package lru

import (
	lruv2 "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Stats tracks cheap cumulative counters over a Cache's lifetime.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Inserts uint64
	Evicts  uint64
	MaxFill int
}

// Cache is a fixed-capacity LRU cache with hit/miss/eviction statistics
// and the ability to preview upcoming evictions without mutating state.
type Cache[K comparable, V any] struct {
	inner *lruv2.LRU[K, V]
	stats Stats
}

// New creates a Cache with the given capacity (must be positive).
func New[K comparable, V any](capacity int) *Cache[K, V] {
	c := &Cache[K, V]{}

	inner, err := lruv2.NewLRU[K, V](capacity, func(_ K, _ V) {
		c.stats.Evicts++
	})
	if err != nil {
		// capacity <= 0: programmer error, mirrors the teacher's
		// fail-fast validation in options.go's WithXxx functions, just
		// surfaced at construction instead of via an OptionFunc error.
		panic("lru: " + err.Error())
	}

	c.inner = inner

	return c
}

// Get returns the value for key and marks it most-recently-used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}

	return v, ok
}

// Test reports whether key is present without affecting recency.
func (c *Cache[K, V]) Test(key K) bool {
	_, ok := c.inner.Peek(key)

	return ok
}

// Touch marks key as most-recently-used without returning its value.
// It is a no-op if key is not present.
func (c *Cache[K, V]) Touch(key K) {
	c.inner.Get(key) //nolint:errcheck
}

// Insert adds or updates key, evicting the least-recently-used entry if
// the cache is at capacity. It returns whether an eviction happened.
func (c *Cache[K, V]) Insert(key K, value V) (evicted bool) {
	c.stats.Inserts++

	evicted = c.inner.Add(key, value)

	if n := c.inner.Len(); n > c.stats.MaxFill {
		c.stats.MaxFill = n
	}

	return evicted
}

// Evict removes key if present, returning whether it was.
func (c *Cache[K, V]) Evict(key K) bool {
	return c.inner.Remove(key)
}

// Clear empties the cache. Each removed entry is counted in Stats.Evicts;
// the other statistics are unchanged.
func (c *Cache[K, V]) Clear() {
	c.inner.Purge()
}

// ShrinkTo evicts least-recently-used entries until at most n remain.
func (c *Cache[K, V]) ShrinkTo(n int) {
	for c.inner.Len() > n {
		c.inner.RemoveOldest()
	}
}

// Len returns the number of entries currently cached.
func (c *Cache[K, V]) Len() int {
	return c.inner.Len()
}

// NextNthEviction returns the n-th least-recently-used key (n=0 is the LRU
// entry), without mutating the cache: the key that the (n+1)-th insertion
// of a new key evicts when the cache is full. It does not account for free
// capacity, and returns ok=false if there are fewer than n+1 entries.
func (c *Cache[K, V]) NextNthEviction(n int) (key K, ok bool) {
	keys := c.inner.Keys() // oldest first

	if n < 0 || n >= len(keys) {
		var zero K

		return zero, false
	}

	return keys[n], true
}

// Stats returns a snapshot of the cache's cumulative statistics.
func (c *Cache[K, V]) Stats() Stats {
	return c.stats
}
