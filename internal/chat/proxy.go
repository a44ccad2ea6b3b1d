// Copyright (C) 2023 olix3001

package chat

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Proxy for the message channel which prioritizes requests. Requests coming
// to the priority channels are handled first, so maintenance traffic like
// index compaction does not slow down foreground reads and write-back.
//
// Every backend call is retried with exponential backoff as long as the error
// is transient. Fatal errors are returned to the caller immediately.
type Proxy struct {
	Instance Channel

	// Number of go routines to spawn for handling send requests and fetch
	// requests.
	senders  int
	fetchers int

	// Upper bound on the total time spent retrying one transient failure.
	retryLimit time.Duration

	// Internal channels.
	sends       chan request
	fetches     chan request
	sendsPrio   chan request
	fetchesPrio chan request
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	id   uint64
	body []byte
	done chan result
}

type result struct {
	id   uint64
	body []byte
	err  error
}

// Returns a new instance of the proxy which can be directly used. It
// immediately spawns go routines for send and fetch workers.
func NewProxy(instance Channel, senders, fetchers int, retryLimit time.Duration) *Proxy {
	p := &Proxy{
		Instance:    instance,
		senders:     senders,
		fetchers:    fetchers,
		retryLimit:  retryLimit,
		sends:       make(chan request),
		fetches:     make(chan request),
		sendsPrio:   make(chan request),
		fetchesPrio: make(chan request),
	}

	for i := 0; i < p.senders; i++ {
		go p.sendWorker()
	}

	for i := 0; i < p.fetchers; i++ {
		go p.fetchWorker()
	}

	return p
}

// Proxy function for sending a message body. It selects the right channel
// according to prio and waits for the reply.
func (p *Proxy) Send(body []byte, prio bool) (uint64, error) {
	c := p.sends
	if prio {
		c = p.sendsPrio
	}

	done := make(chan result)
	c <- request{body: body, done: done}
	r := <-done

	return r.id, r.err
}

// Proxy function for fetching the message with id. It selects the right
// channel according to prio and waits for the reply.
func (p *Proxy) Fetch(id uint64, prio bool) ([]byte, error) {
	c := p.fetches
	if prio {
		c = p.fetchesPrio
	}

	done := make(chan result)
	c <- request{id: id, done: done}
	r := <-done

	return r.body, r.err
}

// Delete goes past the worker pools. Deletions are cleanup of superseded
// messages and never block the data path.
func (p *Proxy) Delete(id uint64) error {
	return p.retry(func() error {
		return p.Instance.Delete(id)
	})
}

// MoveToEnd relocates a message and returns its possibly fresh id.
func (p *Proxy) MoveToEnd(id uint64) (uint64, error) {
	var newID uint64
	err := p.retry(func() error {
		var err error
		newID, err = p.Instance.MoveToEnd(id)
		return err
	})

	return newID, err
}

// Recent returns up to limit messages, newest first.
func (p *Proxy) Recent(limit int) ([]Message, error) {
	var msgs []Message
	err := p.retry(func() error {
		var err error
		msgs, err = p.Instance.Recent(limit)
		return err
	})

	return msgs, err
}

// PayloadLimit of the underlying channel.
func (p *Proxy) PayloadLimit() int {
	return p.Instance.PayloadLimit()
}

// Retries op with exponential backoff while it keeps failing transiently.
// Non-transient errors abort the retry loop and are returned as they are.
func (p *Proxy) retry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = p.retryLimit

	return backoff.Retry(func() error {
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}

		return backoff.Permanent(err)
	}, bo)
}

// Generic function for prioritization used by both, sender and fetcher
// workers.
func (p *Proxy) receiveRequest(prio chan request, normal chan request) request {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		}
	}

	return r
}

// Send worker just calls Send() on the instance provided in NewProxy().
func (p *Proxy) sendWorker() {
	for {
		r := p.receiveRequest(p.sendsPrio, p.sends)
		var res result
		res.err = p.retry(func() error {
			var err error
			res.id, err = p.Instance.Send(r.body)
			return err
		})
		r.done <- res
	}
}

// Fetch worker just calls Fetch() on the instance provided in NewProxy().
func (p *Proxy) fetchWorker() {
	for {
		r := p.receiveRequest(p.fetchesPrio, p.fetches)
		var res result
		res.err = p.retry(func() error {
			var err error
			res.body, err = p.Instance.Fetch(r.id)
			return err
		})
		r.done <- res
	}
}
