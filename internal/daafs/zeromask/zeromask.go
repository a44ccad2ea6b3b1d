// Copyright (C) 2023 olix3001

// Package zeromask provides the per-page sparse bitmask bundled with every
// metablock. A set bit marks the page as logically all-zero, so neither the
// channel nor the page cache ever has to carry its bytes.
package zeromask

import (
	"fmt"
)

// Alphabet used for the textual encoding of the mask inside a metablock
// message. One printable character per mask byte. The alphabet is part of the
// persisted format and must never change.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz!\"#$%&'()+,-./:;<=>?@[]^{}~‰£¤¥¦§«¬²³µÀÁÂÃÄÅÆÇÈÉÊËÌÍÎÏÐÑÒØßàáâãäåæçèéêëìþÿǷǾǿɅɆɄɃȽȾȺȸȹɎʘʗʖʕʔʓʒʑʊʇʆʁʂϠϡϢϭϱϺϻϿϾϼ◔◍◎◐◑◒◓◚◛◳◲◱◰◯◿◜◝◞◟◠◡◉◊▣▤▥▦▧▨▩▚▙▜▛▝▞▟▂▃▄▅▆▇█▉▊▋▌▍░▒▓①②③④⑤⑥⑦⑧⑨⑩⑪⑫⑬⑭⑮ⒶⒷⒸⒹⒺⒻⒼⒽⒾⒿ⑴⑵⑶⑷⑸⑹‹"

var (
	byteToRune [256]rune
	runeToByte map[rune]byte
)

func init() {
	runes := []rune(alphabet)
	runeToByte = make(map[rune]byte, len(runes))
	for i, r := range runes {
		byteToRune[i] = r
		runeToByte[r] = byte(i)
	}
}

// Mask is a bitmask over the pages of one metablock range. It is not safe for
// concurrent use; the owning index is responsible for synchronization.
type Mask struct {
	bits []byte
}

// New returns a mask covering pages bits, all cleared.
func New(pages int) *Mask {
	return &Mask{bits: make([]byte, (pages+7)/8)}
}

// Set marks or clears the zero bit of one page.
func (m *Mask) Set(index int, value bool) {
	byt := index / 8
	bit := uint(index % 8)

	if value {
		m.bits[byt] |= 1 << bit
	} else {
		m.bits[byt] &^= 1 << bit
	}
}

// Get reports whether the page at index is flagged as all-zero.
func (m *Mask) Get(index int) bool {
	return m.bits[index/8]&(1<<uint(index%8)) != 0
}

// Bytes returns the raw mask. The slice aliases the mask's storage.
func (m *Mask) Bytes() []byte {
	return m.bits
}

// Encode returns the textual form of the mask, one alphabet character per
// mask byte.
func (m *Mask) Encode() string {
	runes := make([]rune, len(m.bits))
	for i, b := range m.bits {
		runes[i] = byteToRune[b]
	}

	return string(runes)
}

// Decode parses a mask previously produced by Encode. The expected number of
// covered pages has to be supplied since the textual form carries no length.
func Decode(text string, pages int) (*Mask, error) {
	m := New(pages)

	i := 0
	for _, r := range text {
		b, ok := runeToByte[r]
		if !ok {
			return nil, fmt.Errorf("zeromask: invalid character %q", r)
		}
		if i >= len(m.bits) {
			return nil, fmt.Errorf("zeromask: mask longer than %d pages", pages)
		}
		m.bits[i] = b
		i++
	}

	if i != len(m.bits) {
		return nil, fmt.Errorf("zeromask: mask covers %d bytes, want %d", i, len(m.bits))
	}

	return m, nil
}
