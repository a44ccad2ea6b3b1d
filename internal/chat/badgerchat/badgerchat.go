// Copyright (C) 2023 olix3001

// Package badgerchat keeps messages in a local Badger database. It exists for
// offline testing and as a local-disk backend, the key sequence plays the
// role of channel order.
package badgerchat

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/olix3001/DAAFS/internal/chat"
)

// Local Badger keys can carry anything the proxy can buffer.
const payloadLimit = 64 << 20

// Badger implements chat.Channel on a local database. Message ids are the
// sequence numbers used as keys, so iteration order is channel order.
type Badger struct {
	db *badger.DB

	mu      sync.Mutex
	nextSeq uint64
}

func New(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerchat: open: %w", err)
	}

	b := &Badger{db: db, nextSeq: 1}

	// Resume the sequence after the highest stored key.
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()

		it.Seek(seqKey(^uint64(0)))
		if it.Valid() {
			b.nextSeq = decodeSeq(it.Item().Key()) + 1
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badgerchat: scanning keys: %w", err)
	}

	return b, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Send(body []byte) (uint64, error) {
	if len(body) > payloadLimit {
		return 0, chat.ErrPayloadTooLarge
	}

	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	b.mu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(seq), body)
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

func (b *Badger) Fetch(id uint64) ([]byte, error) {
	var body []byte

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(id))
		if err == badger.ErrKeyNotFound {
			return chat.ErrNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			body = make([]byte, len(val))
			copy(body, val)
			return nil
		})
	})

	return body, err
}

func (b *Badger) Delete(id uint64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(seqKey(id))
	})
}

// MoveToEnd rewrites the body under a fresh sequence number.
func (b *Badger) MoveToEnd(id uint64) (uint64, error) {
	body, err := b.Fetch(id)
	if err != nil {
		return 0, err
	}

	newID, err := b.Send(body)
	if err != nil {
		return 0, err
	}

	if err := b.Delete(id); err != nil {
		return 0, err
	}

	return newID, nil
}

func (b *Badger) Recent(limit int) ([]chat.Message, error) {
	out := make([]chat.Message, 0, limit)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse:        true,
			PrefetchValues: true,
			PrefetchSize:   limit,
		})
		defer it.Close()

		for it.Seek(seqKey(^uint64(0))); it.Valid() && len(out) < limit; it.Next() {
			item := it.Item()
			id := decodeSeq(item.Key())

			body, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			out = append(out, chat.Message{ID: id, Body: body})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (b *Badger) PayloadLimit() int {
	return payloadLimit
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func decodeSeq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
