// Copyright (C) 2023 olix3001

package metablock

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/olix3001/DAAFS/internal/chat"
)

// A page has no covering metablock slot. The device cannot serve the
// affected region.
var ErrIndexCorrupt = errors.New("metablock: no slot covers page")

// Channel is the slice of the chat proxy the index needs for loading and
// relocating its messages.
type Channel interface {
	Send(body []byte, prio bool) (uint64, error)
	Delete(id uint64) error
	MoveToEnd(id uint64) (uint64, error)
	Recent(limit int) ([]chat.Message, error)
}

// Index is the authoritative mapping from pages to channel messages. It is
// the union of all metablocks of the device.
//
// The index does not lock anything. Mutations and lookups are serialized by
// the block store's lock, persist operations by the single drain worker and
// the flush path.
type Index struct {
	blocks []*Metablock
	pages  uint64
}

// New returns the index of a freshly created device: every metablock present
// and every page zero-masked.
func New(pages uint64) *Index {
	ix := &Index{pages: pages}

	for start := uint64(0); start < pages; start += SlotsPerMetablock {
		count := uint64(SlotsPerMetablock)
		if start+count > pages {
			count = pages - start
		}
		ix.blocks = append(ix.blocks, newEmpty(start, count))
	}

	return ix
}

// Load rebuilds the index from the channel by scanning the most recent
// messages for metablocks. Because compaction relocates metablocks to the
// newest positions, a bounded window suffices in the steady state. A channel
// with no metablocks at all is a first boot and yields a fresh all-zero
// index. A channel with partial coverage is corrupt.
func Load(ch Channel, pages uint64, scanLimit int) (*Index, error) {
	msgs, err := ch.Recent(scanLimit)
	if err != nil {
		return nil, fmt.Errorf("metablock: scanning channel: %w", err)
	}

	found := make(map[uint64]*Metablock)
	for _, msg := range msgs {
		if !IsMetablock(msg.Body) {
			continue
		}
		m, err := Parse(msg.ID, msg.Body)
		if err != nil {
			return nil, err
		}
		// Newest first: the first metablock seen for a run wins,
		// older incarnations are superseded.
		if _, ok := found[m.Start]; !ok {
			found[m.Start] = m
		}
	}

	if len(found) == 0 {
		log.Info().Uint64("pages", pages).Msg("No metablocks found, bootstrapping empty device")
		return New(pages), nil
	}

	ix := &Index{pages: pages}
	for start := uint64(0); start < pages; start += SlotsPerMetablock {
		m, ok := found[start]
		if !ok {
			return nil, fmt.Errorf("%w: no metablock for run starting at page %d", ErrIndexCorrupt, start)
		}
		ix.blocks = append(ix.blocks, m)
	}

	log.Info().Int("metablocks", len(ix.blocks)).Msg("Index restored from channel")

	return ix, nil
}

// owner returns the metablock covering page.
func (ix *Index) owner(page uint64) (*Metablock, error) {
	i := int(page / SlotsPerMetablock)
	if page >= ix.pages || i >= len(ix.blocks) {
		return nil, fmt.Errorf("%w: page %d", ErrIndexCorrupt, page)
	}

	return ix.blocks[i], nil
}

// Lookup resolves a page to its message id or zero flag.
func (ix *Index) Lookup(page uint64) (msgID uint64, zero bool, err error) {
	m, err := ix.owner(page)
	if err != nil {
		return 0, false, err
	}

	if m.Zero.Get(int(page - m.Start)) {
		return 0, true, nil
	}

	id, ok := m.Messages[page]
	if !ok {
		return 0, false, fmt.Errorf("%w: page %d", ErrIndexCorrupt, page)
	}

	return id, false, nil
}

// SetMessage points page at the message msgID and returns the id of the
// superseded page message, 0 if there was none. The owning metablock becomes
// dirty.
func (ix *Index) SetMessage(page, msgID uint64) (old uint64) {
	m, err := ix.owner(page)
	if err != nil {
		log.Error().Err(err).Msg("Update for uncovered page dropped")
		return 0
	}

	old = m.Messages[page]
	m.Messages[page] = msgID
	m.Zero.Set(int(page-m.Start), false)
	m.dirty = true

	return old
}

// SetZero flags page as all-zero and returns the id of the superseded page
// message, 0 if there was none. The owning metablock becomes dirty.
func (ix *Index) SetZero(page uint64) (old uint64) {
	m, err := ix.owner(page)
	if err != nil {
		log.Error().Err(err).Msg("Update for uncovered page dropped")
		return 0
	}

	old = m.Messages[page]
	delete(m.Messages, page)
	m.Zero.Set(int(page-m.Start), true)
	m.dirty = true

	return old
}

// EncodeOwner serializes the metablock covering page for persisting. It
// returns the body, the metablock itself for the later Commit and the id of
// the superseded directory message, 0 when the metablock was never sent.
func (ix *Index) EncodeOwner(page uint64) (body []byte, m *Metablock, old uint64, err error) {
	m, err = ix.owner(page)
	if err != nil {
		return nil, nil, 0, err
	}

	return m.Encode(), m, m.MessageID, nil
}

// Commit records that the metablock now lives in the channel as message
// msgID. The dirty flag is cleared; mutations racing with the send are
// impossible since update and persist are serialized by the caller.
func (ix *Index) Commit(m *Metablock, msgID uint64) {
	m.MessageID = msgID
	m.dirty = false
}

// Compact re-sends every metablock so all directory messages occupy the most
// recent positions in the channel ordering. After a compaction a cold-start
// scan of the last few messages finds the whole directory. Must not run
// concurrently with SetMessage or SetZero; the flush path guarantees that by
// parking the drain worker first.
func (ix *Index) Compact(ch Channel) error {
	for _, m := range ix.blocks {
		if m.dirty || m.MessageID == 0 {
			old := m.MessageID
			id, err := ch.Send(m.Encode(), false)
			if err != nil {
				return fmt.Errorf("metablock: compacting run at %d: %w", m.Start, err)
			}
			m.MessageID = id
			m.dirty = false
			if old != 0 {
				if err := ch.Delete(old); err != nil {
					log.Warn().Err(err).Uint64("message", old).Msg("Superseded metablock left orphaned")
				}
			}
			continue
		}

		id, err := ch.MoveToEnd(m.MessageID)
		if err != nil {
			return fmt.Errorf("metablock: relocating run at %d: %w", m.Start, err)
		}
		m.MessageID = id
	}

	return nil
}

// Pages returns the size of the covered page space.
func (ix *Index) Pages() uint64 {
	return ix.pages
}
