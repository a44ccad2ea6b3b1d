// Copyright (C) 2023 olix3001

// Package cache is the bounded write-back page cache of the device. It holds
// the most recently touched pages with their dirty state and hands evicted
// entries back to the caller, which routes dirty ones to the sync queue.
// Eviction never silently drops dirty data.
//
// The cache should not be used directly because it does not support
// concurrent access. The block store serializes all access under its lock.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// One cached page. Dirty means the content differs from what is durable in
// the channel and must eventually reach it.
type Entry struct {
	Page  uint64
	Data  []byte
	Dirty bool
}

// Cache is a fixed-capacity LRU of page entries. Reads and writes both count
// as access for the eviction order.
type Cache struct {
	lru *lru.LRU[uint64, *Entry]
	cap int

	// Captures the victim of the most recent Add.
	evicted *Entry
}

// New returns a cache holding at most capacity pages.
func New(capacity int) *Cache {
	c := &Cache{cap: capacity}

	l, err := lru.NewLRU[uint64, *Entry](capacity, c.onEvict)
	if err != nil {
		// Only fails for capacity < 1, which config never produces.
		panic(err)
	}
	c.lru = l

	return c
}

func (c *Cache) onEvict(_ uint64, e *Entry) {
	c.evicted = e
}

// Get returns the entry for page and bumps its recency.
func (c *Cache) Get(page uint64) (*Entry, bool) {
	return c.lru.Get(page)
}

// Peek returns the entry for page without touching the eviction order.
func (c *Cache) Peek(page uint64) (*Entry, bool) {
	return c.lru.Peek(page)
}

// Contains reports whether page is cached, without touching the eviction
// order.
func (c *Cache) Contains(page uint64) bool {
	return c.lru.Contains(page)
}

// Put inserts or overwrites the entry for page and bumps its recency. If the
// insert pushes the cache beyond capacity the least recently used entry is
// evicted and returned; the caller owns its routing.
func (c *Cache) Put(page uint64, data []byte, dirty bool) *Entry {
	c.evicted = nil
	c.lru.Add(page, &Entry{Page: page, Data: data, Dirty: dirty})

	ev := c.evicted
	c.evicted = nil

	return ev
}

// MarkDirty flags a cached page as dirty without touching the eviction
// order. Marking an absent page is a no-op.
func (c *Cache) MarkDirty(page uint64) {
	if e, ok := c.lru.Peek(page); ok {
		e.Dirty = true
	}
}

// PeekOldest returns the eviction candidate without removing it.
func (c *Cache) PeekOldest() (*Entry, bool) {
	_, e, ok := c.lru.GetOldest()
	return e, ok
}

// PopOldest removes and returns the least recently used entry.
func (c *Cache) PopOldest() (*Entry, bool) {
	_, e, ok := c.lru.RemoveOldest()
	return e, ok
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Cap returns the configured capacity.
func (c *Cache) Cap() int {
	return c.cap
}
