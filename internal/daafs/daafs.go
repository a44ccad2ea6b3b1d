// Copyright (C) 2023 olix3001

package daafs

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/olix3001/DAAFS/internal/chat"
	"github.com/olix3001/DAAFS/internal/daafs/cache"
	"github.com/olix3001/DAAFS/internal/daafs/metablock"
	"github.com/olix3001/DAAFS/internal/daafs/syncqueue"
)

// Flush could not drain the sync queue because the channel failed with a
// non-retryable error. Cache and queue state stay consistent for a retry.
var ErrFlushIncomplete = errors.New("daafs: flush incomplete")

// How long the drain worker pauses after exhausting the proxy's retries on a
// transient failure before attempting the head of the queue again.
const retryPause = time.Second

// Every page message starts with this prefix. Page content is arbitrary user
// bytes, so without the frame a page that happens to begin like a directory
// message would confuse the startup scan.
const pageMagic = "PAGE\n"

// pageBody frames raw page bytes as a channel message body.
func pageBody(data []byte) []byte {
	body := make([]byte, 0, len(pageMagic)+len(data))
	body = append(body, pageMagic...)

	return append(body, data...)
}

// pagePayload strips the frame from a fetched page message.
func pagePayload(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, []byte(pageMagic)) {
		return nil, errors.New("message does not hold a page")
	}

	return body[len(pageMagic):], nil
}

// Options for opening a block store. Capacities come from configuration and
// default to 4 pages for both cache and queue.
type Options struct {
	// Device size in bytes, a multiple of PageSize.
	Size int64

	// Page size in bytes. One page maps to one channel message.
	PageSize int

	// Page cache capacity in pages.
	CacheSize int

	// Sync queue capacity in pages.
	QueueSize int

	// How many recent messages to scan for metablocks on startup.
	BootScan int
}

// BlockStore is the storage engine facade. It composes the page cache, the
// sync queue and the metablock index and is the only component exposed to
// the block-export adapter.
//
// Cache, queue, index and the in-flight slot form a single mutual-exclusion
// domain under mu, so the check-cache/check-queue/mutate-either sequence is
// one atomic step. Channel calls are issued with the lock released.
type BlockStore struct {
	chat  *chat.Proxy
	index *metablock.Index
	opts  Options

	mu    sync.Mutex
	cache *cache.Cache
	queue *syncqueue.Queue

	// The page popped from the queue and currently being persisted. Its
	// bytes are retained until the index update commits, so readers never
	// fall through to a stale index while the persist is in progress. The
	// page keeps counting against the queue capacity until durable.
	inflight *syncqueue.Entry

	// notFull: a queue slot became durable and free. notEmpty: the queue
	// gained a page or the worker must re-check its predicate. drained:
	// queue empty and nothing in flight, or the store failed. admit:
	// flush finished quiescing foreground requests.
	notFull  *sync.Cond
	notEmpty *sync.Cond
	drained  *sync.Cond
	admit    *sync.Cond

	// Flush in progress: new foreground requests wait on admit so the
	// cache sweep terminates.
	flushing bool

	// Index compaction in progress: the worker parks so compaction never
	// runs concurrently with index updates.
	compacting bool

	// Latched on the first non-retryable channel error. The device stays
	// readable, writes and flushes fail.
	failed error

	closed     bool
	workerDone chan struct{}

	stats counters
}

type counters struct {
	cacheHits     uint64
	rescues       uint64
	inflightReads uint64
	zeroReads     uint64
	fetches       uint64
	evictions     uint64
	cleanDrops    uint64
	persists      uint64
	zeroPersists  uint64
	flushes       uint64
}

// Open validates the configuration, rebuilds the index from the channel and
// starts the drain worker.
func Open(ch *chat.Proxy, opts Options) (*BlockStore, error) {
	if opts.PageSize <= 0 || opts.Size <= 0 || opts.Size%int64(opts.PageSize) != 0 {
		return nil, fmt.Errorf("daafs: device size %d is not a multiple of page size %d", opts.Size, opts.PageSize)
	}
	if opts.CacheSize < 1 || opts.QueueSize < 1 {
		return nil, fmt.Errorf("daafs: cache and queue capacities must be at least 1")
	}
	if opts.PageSize+len(pageMagic) > ch.PayloadLimit() {
		return nil, fmt.Errorf("%w: page size %d, channel limit %d",
			chat.ErrPayloadTooLarge, opts.PageSize, ch.PayloadLimit())
	}

	pages := uint64(opts.Size / int64(opts.PageSize))
	index, err := metablock.Load(ch, pages, opts.BootScan)
	if err != nil {
		return nil, err
	}

	s := &BlockStore{
		chat:       ch,
		index:      index,
		opts:       opts,
		cache:      cache.New(opts.CacheSize),
		queue:      syncqueue.New(opts.QueueSize),
		workerDone: make(chan struct{}),
	}
	s.notFull = sync.NewCond(&s.mu)
	s.notEmpty = sync.NewCond(&s.mu)
	s.drained = sync.NewCond(&s.mu)
	s.admit = sync.NewCond(&s.mu)

	go s.drainLoop()

	log.Info().
		Int64("size", opts.Size).
		Int("page_size", opts.PageSize).
		Uint64("pages", pages).
		Msg("Block store opened")

	return s, nil
}

// Close flushes outstanding writes and stops the drain worker. The flush
// error, if any, is returned after the worker has stopped.
func (s *BlockStore) Close() error {
	err := s.Flush()

	s.mu.Lock()
	s.closed = true
	s.notEmpty.Broadcast()
	s.admit.Broadcast()
	s.mu.Unlock()

	<-s.workerDone

	return err
}

// ReadPage returns the current bytes of page. The result is the caller's
// copy.
func (s *BlockStore) ReadPage(page uint64) ([]byte, error) {
	if page >= s.index.Pages() {
		return nil, fmt.Errorf("daafs: page %d beyond device end", page)
	}

	for {
		s.mu.Lock()
		s.admitLocked()

		if out, ok := s.resolveLocked(page); ok {
			s.mu.Unlock()
			return out, nil
		}

		id, zero, err := s.index.Lookup(page)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}

		if zero {
			data := make([]byte, s.opts.PageSize)
			s.stats.zeroReads++
			if err := s.insertLocked(page, data, false); err != nil {
				s.mu.Unlock()
				return nil, err
			}
			s.mu.Unlock()
			return copyBytes(data), nil
		}

		s.mu.Unlock()

		body, err := s.chat.Fetch(id, true)
		if errors.Is(err, chat.ErrNotFound) {
			// A concurrent write superseded the message while the
			// fetch ran and its cleanup won the race. The current
			// version is in the cache or behind an updated index
			// slot, so resolve again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("daafs: fetching page %d: %w", page, err)
		}

		data, err := pagePayload(body)
		if err != nil {
			return nil, fmt.Errorf("daafs: page %d: %w", page, err)
		}
		if len(data) != s.opts.PageSize {
			return nil, fmt.Errorf("daafs: page %d message holds %d bytes, want %d", page, len(data), s.opts.PageSize)
		}

		s.mu.Lock()
		// The fetch ran unlocked, a concurrent writer may have raced us.
		if out, ok := s.resolveLocked(page); ok {
			s.mu.Unlock()
			return out, nil
		}
		s.stats.fetches++
		if err := s.insertLocked(page, data, false); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		return copyBytes(data), nil
	}
}

// WritePage replaces the bytes of page. No channel fetch is needed for a
// full-page overwrite; the page simply becomes a dirty cache entry.
func (s *BlockStore) WritePage(page uint64, data []byte) error {
	if page >= s.index.Pages() {
		return fmt.Errorf("daafs: page %d beyond device end", page)
	}
	if len(data) != s.opts.PageSize {
		return fmt.Errorf("daafs: write of %d bytes, want full page of %d", len(data), s.opts.PageSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitLocked()

	if s.failed != nil {
		return fmt.Errorf("daafs: device failed: %w", s.failed)
	}

	if e, ok := s.cache.Get(page); ok {
		e.Data = copyBytes(data)
		e.Dirty = true
		return nil
	}

	if _, ok := s.queue.Take(page); ok {
		// The queued version is superseded before it ever became
		// durable; the fresh bytes take its place in the cache.
		s.stats.rescues++
		if err := s.insertLocked(page, copyBytes(data), true); err != nil {
			return err
		}
		return nil
	}

	// Not cached, or mid-persist. Either way the write creates a dirty
	// entry; an in-flight older version persists first, preserving write
	// order for the page.
	return s.insertLocked(page, copyBytes(data), true)
}

// Flush empties the cache into the sync queue, waits until everything is
// durable and compacts the index so directory messages sit at the channel
// tail. Foreground requests are quiesced for the duration, which bounds the
// flush at cache plus queue capacity pages.
func (s *BlockStore) Flush() error {
	s.mu.Lock()
	s.admitLocked()

	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
	}

	s.flushing = true
	s.stats.flushes++

	for s.failed == nil {
		for s.cache.Len() > 0 && s.failed == nil {
			oldest, _ := s.cache.PeekOldest()
			if !oldest.Dirty {
				s.cache.PopOldest()
				s.stats.cleanDrops++
				continue
			}
			if s.queueFullLocked() {
				s.notFull.Wait()
				continue
			}
			e, _ := s.cache.PopOldest()
			s.queue.Push(e.Page, e.Data)
			s.stats.evictions++
			s.notEmpty.Signal()
		}

		for !(s.queue.Empty() && s.inflight == nil) && s.failed == nil {
			s.drained.Wait()
		}

		// A writer admitted before the flush may have slipped a page
		// in while this goroutine waited. Only a simultaneously empty
		// cache, queue and in-flight slot end the flush.
		if s.cache.Len() == 0 && s.queue.Empty() && s.inflight == nil {
			break
		}
	}

	if s.failed != nil {
		err := s.failed
		s.flushing = false
		s.admit.Broadcast()
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
	}

	// The queue is drained and the worker parks while compacting, so the
	// index is quiescent as Compact requires.
	s.compacting = true
	s.mu.Unlock()

	err := s.index.Compact(s.chat)

	s.mu.Lock()
	s.compacting = false
	s.flushing = false
	s.notEmpty.Broadcast()
	s.admit.Broadcast()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
	}

	return nil
}

// admitLocked blocks the caller while a flush is quiescing the store.
func (s *BlockStore) admitLocked() {
	for s.flushing && !s.closed {
		s.admit.Wait()
	}
}

// resolveLocked serves page from the cache, the sync queue or the in-flight
// slot. A queued page is promoted back into the cache on the way.
func (s *BlockStore) resolveLocked(page uint64) ([]byte, bool) {
	if e, ok := s.cache.Get(page); ok {
		s.stats.cacheHits++
		return copyBytes(e.Data), true
	}

	if data, ok := s.queue.Take(page); ok {
		s.stats.rescues++
		if err := s.insertLocked(page, data, true); err != nil {
			// Do not lose the dirty page over a failed promotion;
			// taking it out freed a slot, so this cannot overflow.
			s.queue.PushFront(page, data)
		}
		return copyBytes(data), true
	}

	if s.inflight != nil && s.inflight.Page == page {
		s.stats.inflightReads++
		return copyBytes(s.inflight.Data), true
	}

	return nil, false
}

// insertLocked places a page into the cache, routing a dirty eviction to the
// sync queue. It blocks while the queue has no room for the victim and fails
// only when the store failed while waiting.
func (s *BlockStore) insertLocked(page uint64, data []byte, dirty bool) error {
	for s.cache.Len() >= s.cache.Cap() && !s.cache.Contains(page) {
		oldest, ok := s.cache.PeekOldest()
		if !ok || !oldest.Dirty || !s.queueFullLocked() {
			break
		}
		if s.failed != nil {
			return fmt.Errorf("daafs: device failed: %w", s.failed)
		}
		s.notFull.Wait()
		// A flush may have started while the lock was released;
		// rejoin behind it so the swept cache stays empty.
		s.admitLocked()
	}

	ev := s.cache.Put(page, data, dirty)
	if ev == nil {
		return nil
	}

	if ev.Dirty {
		s.queue.Push(ev.Page, ev.Data)
		s.stats.evictions++
		s.notEmpty.Signal()
	} else {
		s.stats.cleanDrops++
	}

	return nil
}

// queueFullLocked counts the in-flight page against the queue capacity: it
// is not durable yet, so its slot is not free.
func (s *BlockStore) queueFullLocked() bool {
	n := s.queue.Len()
	if s.inflight != nil {
		n++
	}

	return n >= s.queue.Cap()
}

// drainLoop is the single background worker. It pops the head of the queue,
// persists it to the channel and updates the index, holding the page in the
// in-flight slot for the whole window.
func (s *BlockStore) drainLoop() {
	defer close(s.workerDone)

	for {
		s.mu.Lock()
		for (s.queue.Empty() || s.compacting || s.failed != nil) && !s.closed {
			s.notEmpty.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}

		e, _ := s.queue.PopHead()
		s.inflight = &e
		s.mu.Unlock()

		err := s.persist(e.Page, e.Data)

		s.mu.Lock()
		s.inflight = nil
		if err != nil {
			// A write racing the persist supersedes the in-flight
			// copy. Only an unsuperseded page returns to the queue
			// head; re-queueing stale bytes ahead of a newer entry
			// would persist them out of order.
			if s.cache.Contains(e.Page) || s.queue.Contains(e.Page) {
				s.notFull.Broadcast()
				if s.queue.Empty() {
					s.drained.Broadcast()
				}
			} else {
				s.queue.PushFront(e.Page, e.Data)
			}

			if chat.IsTransient(err) {
				log.Warn().Err(err).Uint64("page", e.Page).Msg("Write-back failed, will retry")
				s.mu.Unlock()
				time.Sleep(retryPause)
				continue
			}

			s.failed = err
			log.Error().Err(err).Uint64("page", e.Page).Msg("Channel failed, device is now read-only")
			s.drained.Broadcast()
			s.notFull.Broadcast()
			s.admit.Broadcast()
			s.mu.Unlock()
			continue
		}

		s.stats.persists++
		s.notFull.Broadcast()
		if s.queue.Empty() {
			s.drained.Broadcast()
		}
		s.mu.Unlock()
	}
}

// persist makes one page durable: its bytes go to the channel unless they
// are all zero, the index slot is updated and the owning metablock is
// re-sent. Superseded messages are deleted afterwards, best effort.
func (s *BlockStore) persist(page uint64, data []byte) error {
	var msgID uint64
	zero := allZero(data)

	if !zero {
		var err error
		msgID, err = s.chat.Send(pageBody(data), true)
		if err != nil {
			return fmt.Errorf("daafs: sending page %d: %w", page, err)
		}
	}

	s.mu.Lock()
	var oldPage uint64
	if zero {
		oldPage = s.index.SetZero(page)
		s.stats.zeroPersists++
	} else {
		oldPage = s.index.SetMessage(page, msgID)
	}
	body, mb, oldMeta, err := s.index.EncodeOwner(page)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	metaID, err := s.chat.Send(body, true)
	if err != nil {
		return fmt.Errorf("daafs: persisting metablock for page %d: %w", page, err)
	}

	if oldMeta != 0 {
		if err := s.chat.Delete(oldMeta); err != nil {
			log.Warn().Err(err).Uint64("message", oldMeta).Msg("Superseded metablock left orphaned")
		}
	}
	if oldPage != 0 {
		if err := s.chat.Delete(oldPage); err != nil {
			log.Warn().Err(err).Uint64("message", oldPage).Msg("Superseded page message left orphaned")
		}
	}

	s.mu.Lock()
	s.index.Commit(mb, metaID)
	s.mu.Unlock()

	log.Trace().Uint64("page", page).Bool("zero", zero).Msg("Page synced")

	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)

	return out
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}
