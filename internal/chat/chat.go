// Copyright (C) 2023 olix3001

// Package chat defines the interface to the remote message channel holding
// the device contents and a proxy which serializes, prioritizes and retries
// requests going to it. Everything implementing the Channel interface can be
// used as a backend.
package chat

import (
	"errors"
)

// A message as stored in the channel. Bodies are opaque to the channel: they
// hold either raw page bytes or a serialized metablock.
type Message struct {
	ID   uint64
	Body []byte
}

// Interface for the remote message channel. All calls are synchronous and may
// be slow; implementations classify recoverable failures with Transient so
// the proxy can retry them.
type Channel interface {
	// Sends body as a new message at the end of the channel and returns
	// the id assigned by the channel. Messages are immutable once sent.
	Send(body []byte) (uint64, error)

	// Fetches the body of the message identified by id.
	Fetch(id uint64) ([]byte, error)

	// Deletes the message identified by id. Deleting an unknown id is not
	// an error.
	Delete(id uint64) error

	// Relocates the message to the newest position in the channel
	// ordering. The channel may assign a fresh id during the move, which
	// is returned.
	MoveToEnd(id uint64) (uint64, error)

	// Returns up to limit messages, newest first. Used at startup to
	// rebuild the metablock index.
	Recent(limit int) ([]Message, error)

	// Largest body the channel accepts in one message.
	PayloadLimit() int
}

var (
	// The requested message does not exist in the channel.
	ErrNotFound = errors.New("chat: message not found")

	// The body exceeds the channel's message size limit. This is a fatal
	// configuration error, the device cannot store a page.
	ErrPayloadTooLarge = errors.New("chat: payload exceeds channel limit")
)

// transientError marks a channel failure as retryable, e.g. rate limiting or
// a network hiccup. Everything not marked transient is treated as fatal by
// the proxy and surfaced immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return "chat: transient: " + e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient wraps err as a retryable channel error. Wrapping nil returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
