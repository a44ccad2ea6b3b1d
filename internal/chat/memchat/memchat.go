// Copyright (C) 2023 olix3001

// Package memchat is an in-memory message channel. It is the backend used by
// the test suite and by `backend = "mem"` runs for benchmarking the engine
// without network traffic. Everything is kept in process memory and lost on
// exit.
package memchat

import (
	"sync"

	"github.com/olix3001/DAAFS/internal/chat"
)

const defaultPayloadLimit = 8 * 1024 * 1024

// Mem keeps messages in channel order, oldest first.
type Mem struct {
	mu     sync.Mutex
	msgs   []chat.Message
	nextID uint64
	limit  int

	// Failure injection for tests. While failSends > 0 every Send fails
	// with failErr.
	failSends int
	failErr   error

	sendCount int
}

// New returns an empty channel with the default payload limit.
func New() *Mem {
	return &Mem{nextID: 1, limit: defaultPayloadLimit}
}

// NewWithLimit returns an empty channel accepting at most limit bytes per
// message.
func NewWithLimit(limit int) *Mem {
	return &Mem{nextID: 1, limit: limit}
}

func (m *Mem) Send(body []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendCount++
	if m.failSends > 0 {
		m.failSends--
		return 0, m.failErr
	}

	if len(body) > m.limit {
		return 0, chat.ErrPayloadTooLarge
	}

	id := m.nextID
	m.nextID++

	b := make([]byte, len(body))
	copy(b, body)
	m.msgs = append(m.msgs, chat.Message{ID: id, Body: b})

	return id, nil
}

func (m *Mem) Fetch(id uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.msgs {
		if msg.ID == id {
			b := make([]byte, len(msg.Body))
			copy(b, msg.Body)
			return b, nil
		}
	}

	return nil, chat.ErrNotFound
}

func (m *Mem) Delete(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, msg := range m.msgs {
		if msg.ID == id {
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			return nil
		}
	}

	return nil
}

func (m *Mem) MoveToEnd(id uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, msg := range m.msgs {
		if msg.ID == id {
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			m.msgs = append(m.msgs, msg)
			return msg.ID, nil
		}
	}

	return 0, chat.ErrNotFound
}

func (m *Mem) Recent(limit int) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > len(m.msgs) {
		limit = len(m.msgs)
	}

	out := make([]chat.Message, 0, limit)
	for i := len(m.msgs) - 1; i >= len(m.msgs)-limit; i-- {
		b := make([]byte, len(m.msgs[i].Body))
		copy(b, m.msgs[i].Body)
		out = append(out, chat.Message{ID: m.msgs[i].ID, Body: b})
	}

	return out, nil
}

func (m *Mem) PayloadLimit() int {
	return m.limit
}

// Len returns the number of messages currently in the channel.
func (m *Mem) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.msgs)
}

// SendCount returns how many Send calls the channel has seen, including
// injected failures.
func (m *Mem) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sendCount
}

// FailSends makes the next n Send calls fail with err.
func (m *Mem) FailSends(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failSends = n
	m.failErr = err
}

// Snapshot returns the ids of all messages in channel order, oldest first.
func (m *Mem) Snapshot() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint64, len(m.msgs))
	for i, msg := range m.msgs {
		ids[i] = msg.ID
	}

	return ids
}
