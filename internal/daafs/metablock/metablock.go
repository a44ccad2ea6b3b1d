// Copyright (C) 2023 olix3001

// Package metablock implements the persistent directory of the device. The
// full page space is partitioned into fixed runs of pages, each described by
// one metablock. A metablock lives in the channel as a text message and maps
// every page of its run either to the message holding its bytes or to the
// zero mask.
//
// The serialized form is:
//
//	METABLOCK
//	<start>:<count>
//	<zero mask>
//	<page>:<message id>
//	...
//
// Numbers are base32, the zero mask is one character per mask byte. One line
// per message-backed page; pages appearing in neither the mask nor a mapping
// line are unknown and make the region unreadable.
package metablock

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/olix3001/DAAFS/internal/daafs/zeromask"
)

const (
	// Pages covered by one metablock. With the 4k page size one metablock
	// describes 8MB of the device and its mask occupies 256 bytes.
	SlotsPerMetablock = 2048

	// First line of every serialized metablock. Startup scans use it to
	// tell directory messages from page messages.
	magic = "METABLOCK"
)

// Metablock describes one run of pages. Mutations go through the Index; the
// struct is exported only so the index can hand it back to the caller for
// the persist step.
type Metablock struct {
	// Id of the channel message currently holding this metablock, 0 when
	// it has never been sent.
	MessageID uint64

	// First page of the covered run.
	Start uint64

	// Pages covered.
	Count uint64

	// Zero flags, indexed relative to Start.
	Zero *zeromask.Mask

	// Message id per message-backed page, keyed by absolute page number.
	Messages map[uint64]uint64

	// The in-memory state differs from the copy in the channel.
	dirty bool
}

// newEmpty returns a metablock with every covered page zero-masked, the state
// of a freshly created device.
func newEmpty(start, count uint64) *Metablock {
	zero := zeromask.New(int(count))
	for i := 0; i < int(count); i++ {
		zero.Set(i, true)
	}

	return &Metablock{
		Start:    start,
		Count:    count,
		Zero:     zero,
		Messages: make(map[uint64]uint64),
		dirty:    true,
	}
}

// Encode serializes the metablock into the body of a channel message.
func (m *Metablock) Encode() []byte {
	var b strings.Builder

	b.WriteString(magic)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatUint(m.Start, 32))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(m.Count, 32))
	b.WriteByte('\n')
	b.WriteString(m.Zero.Encode())
	b.WriteByte('\n')

	for page := m.Start; page < m.Start+m.Count; page++ {
		id, ok := m.Messages[page]
		if !ok {
			continue
		}
		b.WriteString(strconv.FormatUint(page, 32))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(id, 32))
		b.WriteByte('\n')
	}

	return []byte(b.String())
}

// IsMetablock reports whether a message body holds a serialized metablock.
func IsMetablock(body []byte) bool {
	return bytes.HasPrefix(body, []byte(magic))
}

// Parse decodes a metablock from the body of the channel message msgID.
func Parse(msgID uint64, body []byte) (*Metablock, error) {
	lines := strings.Split(string(body), "\n")
	if len(lines) < 3 || lines[0] != magic {
		return nil, fmt.Errorf("metablock %d: missing %s header", msgID, magic)
	}

	start, count, err := parseRange(lines[1])
	if err != nil {
		return nil, fmt.Errorf("metablock %d: %w", msgID, err)
	}

	zero, err := zeromask.Decode(lines[2], int(count))
	if err != nil {
		return nil, fmt.Errorf("metablock %d: %w", msgID, err)
	}

	m := &Metablock{
		MessageID: msgID,
		Start:     start,
		Count:     count,
		Zero:      zero,
		Messages:  make(map[uint64]uint64),
	}

	for _, line := range lines[3:] {
		if line == "" {
			continue
		}
		page, id, err := parseRange(line)
		if err != nil {
			return nil, fmt.Errorf("metablock %d: %w", msgID, err)
		}
		if page < start || page >= start+count {
			return nil, fmt.Errorf("metablock %d: page %d outside covered run", msgID, page)
		}
		m.Messages[page] = id
	}

	return m, nil
}

// parseRange splits one "<a>:<b>" line of base32 numbers.
func parseRange(line string) (uint64, uint64, error) {
	left, right, ok := strings.Cut(line, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed line %q", line)
	}

	a, err := strconv.ParseUint(left, 32, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed line %q: %w", line, err)
	}

	b, err := strconv.ParseUint(right, 32, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed line %q: %w", line, err)
	}

	return a, b, nil
}
