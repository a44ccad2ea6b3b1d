// Copyright (C) 2023 olix3001

// Package syncqueue is the bounded FIFO of dirty pages awaiting write-back
// to the channel. Pages leave in eviction order, which preserves the causal
// write order per page, or sideways through Take when a page is rescued back
// into the cache before it became durable.
//
// The queue should not be used directly because it does not support
// concurrent access. The block store serializes all access under its lock
// and implements the blocking enqueue on top of Full.
package syncqueue

// One page staged for write-back. Membership implies definitely dirty and
// not yet durable.
type Entry struct {
	Page uint64
	Data []byte
}

// Queue is a plain bounded FIFO.
type Queue struct {
	entries []Entry
	cap     int
}

// New returns a queue holding at most capacity pages.
func New(capacity int) *Queue {
	return &Queue{
		entries: make([]Entry, 0, capacity),
		cap:     capacity,
	}
}

// Push appends a page. The caller must have checked Full first; pushing into
// a full queue panics because it would mean the capacity invariant is
// already broken upstream.
func (q *Queue) Push(page uint64, data []byte) {
	if q.Full() {
		panic("syncqueue: push into full queue")
	}

	q.entries = append(q.entries, Entry{Page: page, Data: data})
}

// PushFront returns a page to the head of the queue, used when a persist
// attempt failed and has to be retried in order.
func (q *Queue) PushFront(page uint64, data []byte) {
	q.entries = append([]Entry{{Page: page, Data: data}}, q.entries...)
}

// PopHead removes and returns the oldest page.
func (q *Queue) PopHead() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}

	e := q.entries[0]
	q.entries = q.entries[1:]

	return e, true
}

// Take removes the entry for page regardless of its position and returns its
// bytes. This is the rescue path: a queued page accessed again moves back to
// the cache instead of being read stale from the channel.
func (q *Queue) Take(page uint64) ([]byte, bool) {
	for i, e := range q.entries {
		if e.Page == page {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e.Data, true
		}
	}

	return nil, false
}

// Contains reports whether page is queued.
func (q *Queue) Contains(page uint64) bool {
	for _, e := range q.entries {
		if e.Page == page {
			return true
		}
	}

	return false
}

// Len returns the number of queued pages.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.cap
}

// Full reports whether the queue is at capacity.
func (q *Queue) Full() bool {
	return len(q.entries) >= q.cap
}

// Empty reports whether the queue holds no pages.
func (q *Queue) Empty() bool {
	return len(q.entries) == 0
}
