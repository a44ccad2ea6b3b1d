// Copyright (C) 2023 olix3001

package daafs

import (
	"fmt"
)

// The methods in this file make BlockStore satisfy the backend interface of
// the go-nbd server. Offsets are expected page-aligned for the common case;
// unaligned head and tail spans fall back to read-modify-write since the
// export layer is free to issue finer-grained requests.

// ReadAt fills p with device contents starting at off.
func (s *BlockStore) ReadAt(p []byte, off int64) (int, error) {
	if err := s.checkRange(off, len(p)); err != nil {
		return 0, err
	}

	ps := int64(s.opts.PageSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		data, err := s.ReadPage(uint64(pos / ps))
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[pos%ps:])
	}

	return n, nil
}

// WriteAt stores p at off. Whole-page spans overwrite directly, partial
// spans read the page first.
func (s *BlockStore) WriteAt(p []byte, off int64) (int, error) {
	if err := s.checkRange(off, len(p)); err != nil {
		return 0, err
	}

	ps := int64(s.opts.PageSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		page := uint64(pos / ps)
		within := int(pos % ps)

		if within == 0 && len(p)-n >= int(ps) {
			if err := s.WritePage(page, p[n:n+int(ps)]); err != nil {
				return n, err
			}
			n += int(ps)
			continue
		}

		data, err := s.ReadPage(page)
		if err != nil {
			return n, err
		}
		c := copy(data[within:], p[n:])
		if err := s.WritePage(page, data); err != nil {
			return n, err
		}
		n += c
	}

	return n, nil
}

// Size returns the device size in bytes.
func (s *BlockStore) Size() (int64, error) {
	return s.opts.Size, nil
}

// Sync flushes all outstanding writes to the channel.
func (s *BlockStore) Sync() error {
	return s.Flush()
}

// Trim discards a range by writing zero pages, which the zero mask turns
// into pure metadata updates once they reach the worker.
func (s *BlockStore) Trim(off, length int64) error {
	if err := s.checkRange(off, int(length)); err != nil {
		return err
	}

	zeros := make([]byte, s.opts.PageSize)
	ps := int64(s.opts.PageSize)

	for pos := off; pos < off+length; {
		within := pos % ps
		if within == 0 && off+length-pos >= ps {
			if err := s.WritePage(uint64(pos/ps), zeros); err != nil {
				return err
			}
			pos += ps
			continue
		}

		// Partial page: zero only the trimmed span.
		span := ps - within
		if remaining := off + length - pos; remaining < span {
			span = remaining
		}
		if _, err := s.WriteAt(zeros[:span], pos); err != nil {
			return err
		}
		pos += span
	}

	return nil
}

func (s *BlockStore) checkRange(off int64, length int) error {
	if off < 0 || length < 0 || off+int64(length) > s.opts.Size {
		return fmt.Errorf("daafs: range [%d, %d) outside device of %d bytes", off, off+int64(length), s.opts.Size)
	}

	return nil
}
