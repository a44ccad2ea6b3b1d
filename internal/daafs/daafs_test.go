package daafs

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/olix3001/DAAFS/internal/chat"
	"github.com/olix3001/DAAFS/internal/chat/memchat"
)

const testPageSize = 4096

func testOptions(pages int64) Options {
	return Options{
		Size:      pages * testPageSize,
		PageSize:  testPageSize,
		CacheSize: 4,
		QueueSize: 4,
		BootScan:  64,
	}
}

func openTestStore(t *testing.T, ch chat.Channel, pages int64) *BlockStore {
	t.Helper()

	s, err := Open(chat.NewProxy(ch, 1, 1, time.Second), testOptions(pages))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return s
}

// pagePattern fills a page with a value derived from its number.
func pagePattern(page uint64, version byte) []byte {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = byte(page)*7 + version
	}

	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// gatedChannel blocks every Send until the gate is released, keeping the
// drain worker stalled so tests can observe pages in the queue and in
// flight.
type gatedChannel struct {
	*memchat.Mem
	gate chan struct{}
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{Mem: memchat.New(), gate: make(chan struct{})}
}

func (g *gatedChannel) release() {
	close(g.gate)
}

func (g *gatedChannel) Send(body []byte) (uint64, error) {
	<-g.gate
	return g.Mem.Send(body)
}

func TestReadAfterWrite(t *testing.T) {
	s := openTestStore(t, memchat.New(), 16)
	defer s.Close()

	want := pagePattern(3, 1)
	if err := s.WritePage(3, want); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := s.ReadPage(3)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read returned different bytes than written")
	}
}

func TestFreshDeviceReadsZero(t *testing.T) {
	s := openTestStore(t, memchat.New(), 16)
	defer s.Close()

	got, err := s.ReadPage(7)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !allZero(got) {
		t.Error("fresh page is not all zero")
	}
	if f := s.Stats().Fetches; f != 0 {
		t.Errorf("zero read caused %d message fetches", f)
	}
}

// The concrete scenario from the design: with capacities 4/4, six writes push
// pages 0 and 1 out of the cache; reading them before the worker persists
// them must return the written bytes via the queue rescue or the in-flight
// copy, not zeros and not a fetch.
func TestEvictedPageRescue(t *testing.T) {
	g := newGatedChannel()
	s := openTestStore(t, g, 16)

	for page := uint64(0); page < 6; page++ {
		if err := s.WritePage(page, pagePattern(page, 1)); err != nil {
			t.Fatalf("WritePage(%d): %v", page, err)
		}
	}

	for _, page := range []uint64{0, 1} {
		got, err := s.ReadPage(page)
		if err != nil {
			t.Fatalf("ReadPage(%d): %v", page, err)
		}
		if !bytes.Equal(got, pagePattern(page, 1)) {
			t.Errorf("page %d lost its bytes after eviction", page)
		}
	}

	st := s.Stats()
	if st.Fetches != 0 {
		t.Errorf("rescue reads caused %d channel fetches", st.Fetches)
	}
	if st.Rescues+st.InflightReads < 2 {
		t.Errorf("rescues=%d inflight_reads=%d, want the evicted pages served locally", st.Rescues, st.InflightReads)
	}
	if st.CachedPages > 4 || st.QueuedPages > 4 {
		t.Errorf("capacity invariant broken: cache=%d queue=%d", st.CachedPages, st.QueuedPages)
	}

	g.release()
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Cold restart: the channel alone must reproduce every page.
	s2 := openTestStore(t, g.Mem, 16)
	defer s2.Close()
	for page := uint64(0); page < 6; page++ {
		got, err := s2.ReadPage(page)
		if err != nil {
			t.Fatalf("ReadPage(%d) after restart: %v", page, err)
		}
		if !bytes.Equal(got, pagePattern(page, 1)) {
			t.Errorf("page %d differs after restart", page)
		}
	}
}

func TestFlushEmptiesEngine(t *testing.T) {
	s := openTestStore(t, memchat.New(), 16)
	defer s.Close()

	for page := uint64(0); page < 6; page++ {
		if err := s.WritePage(page, pagePattern(page, 1)); err != nil {
			t.Fatalf("WritePage(%d): %v", page, err)
		}
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	st := s.Stats()
	if st.CachedPages != 0 || st.QueuedPages != 0 || st.InFlight {
		t.Errorf("engine not empty after flush: %+v", st)
	}
}

// Writing the same page twice before it becomes durable must persist the
// second version, never the first.
func TestDoubleWriteKeepsNewest(t *testing.T) {
	g := newGatedChannel()
	s := openTestStore(t, g, 16)

	if err := s.WritePage(0, pagePattern(0, 1)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	// Push page 0 out of the cache so the first version sits in the
	// queue or in flight.
	for page := uint64(1); page < 5; page++ {
		if err := s.WritePage(page, pagePattern(page, 1)); err != nil {
			t.Fatalf("WritePage(%d): %v", page, err)
		}
	}
	if err := s.WritePage(0, pagePattern(0, 2)); err != nil {
		t.Fatalf("second WritePage(0): %v", err)
	}

	g.release()
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, g.Mem, 16)
	defer s2.Close()
	got, err := s2.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage after restart: %v", err)
	}
	if !bytes.Equal(got, pagePattern(0, 2)) {
		t.Error("backend holds the first write, want the second")
	}
}

// Writing an all-zero page must end up as a zero-mask entry with no message
// allocated, and survive an index rebuild.
func TestZeroMaskRoundTrip(t *testing.T) {
	mem := memchat.New()
	s := openTestStore(t, mem, 16)

	if err := s.WritePage(3, pagePattern(3, 1)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	if err := s.WritePage(3, make([]byte, testPageSize)); err != nil {
		t.Fatalf("zero WritePage: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// One metablock, no page messages: the zero write superseded and
	// deleted the old message.
	if mem.Len() != 1 {
		t.Errorf("channel holds %d messages, want only the metablock", mem.Len())
	}

	s2 := openTestStore(t, mem, 16)
	defer s2.Close()
	got, err := s2.ReadPage(3)
	if err != nil {
		t.Fatalf("ReadPage after restart: %v", err)
	}
	if !allZero(got) {
		t.Error("zero-masked page read back non-zero")
	}
	if f := s2.Stats().Fetches; f != 0 {
		t.Errorf("zero-masked read caused %d fetches", f)
	}
}

func TestUnalignedReadWrite(t *testing.T) {
	s := openTestStore(t, memchat.New(), 16)
	defer s.Close()

	span := []byte("written across a page boundary")
	off := int64(testPageSize) - 10

	if _, err := s.WriteAt(span, off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(span))
	if _, err := s.ReadAt(got, off); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, span) {
		t.Errorf("ReadAt = %q, want %q", got, span)
	}

	// The bytes around the span stay untouched.
	page0, _ := s.ReadPage(0)
	if !allZero(page0[:off]) {
		t.Error("bytes before the span were clobbered")
	}
}

func TestTrimZeroesRange(t *testing.T) {
	s := openTestStore(t, memchat.New(), 16)
	defer s.Close()

	if err := s.WritePage(2, pagePattern(2, 1)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := s.Trim(2*testPageSize, testPageSize); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	got, _ := s.ReadPage(2)
	if !allZero(got) {
		t.Error("trimmed page reads non-zero")
	}
}

func TestOpenRejectsOversizedPage(t *testing.T) {
	ch := chat.NewProxy(memchat.NewWithLimit(1024), 1, 1, time.Second)

	if _, err := Open(ch, testOptions(16)); !errors.Is(err, chat.ErrPayloadTooLarge) {
		t.Errorf("Open = %v, want ErrPayloadTooLarge", err)
	}
}

func TestFatalChannelErrorLatchesReadOnly(t *testing.T) {
	mem := memchat.New()
	s := openTestStore(t, mem, 16)
	defer s.Close()

	if err := s.WritePage(0, pagePattern(0, 1)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	fatal := errors.New("channel deleted")
	mem.FailSends(1000, fatal)

	// Force an eviction so the worker hits the failing channel.
	for page := uint64(1); page < 5; page++ {
		if err := s.WritePage(page, pagePattern(page, 1)); err != nil {
			t.Fatalf("WritePage(%d): %v", page, err)
		}
	}

	waitFor(t, "failure latch", func() bool { return s.Stats().Failed })

	if err := s.WritePage(9, pagePattern(9, 1)); err == nil {
		t.Error("write accepted on a failed device")
	}
	if err := s.Flush(); !errors.Is(err, ErrFlushIncomplete) {
		t.Errorf("Flush = %v, want ErrFlushIncomplete", err)
	}

	// Cached pages stay readable.
	if _, err := s.ReadPage(4); err != nil {
		t.Errorf("read on a failed device: %v", err)
	}
}

// stallFailChannel stalls the first Send until released and then fails it
// with a transient error, keeping an older page version in flight long
// enough for a newer write to supersede it.
type stallFailChannel struct {
	*memchat.Mem
	mu    sync.Mutex
	fails int
	gate  chan struct{}
}

func newStallFailChannel() *stallFailChannel {
	return &stallFailChannel{Mem: memchat.New(), fails: 1, gate: make(chan struct{})}
}

func (c *stallFailChannel) release() {
	close(c.gate)
}

func (c *stallFailChannel) Send(body []byte) (uint64, error) {
	c.mu.Lock()
	if c.fails > 0 {
		c.fails--
		c.mu.Unlock()
		<-c.gate
		return 0, chat.Transient(errors.New("rate limited"))
	}
	c.mu.Unlock()

	return c.Mem.Send(body)
}

// A page rewritten while its older version is failing to persist must come
// back as the newer version, both hot and after a restart. The failed
// in-flight copy is superseded and may not shadow the rewrite.
func TestPersistFailureKeepsNewestWrite(t *testing.T) {
	ch := newStallFailChannel()
	opts := testOptions(16)
	opts.QueueSize = 8

	// A tiny retry limit surfaces the transient failure to the worker
	// instead of absorbing it in the proxy.
	s, err := Open(chat.NewProxy(ch, 1, 1, 10*time.Millisecond), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.WritePage(0, pagePattern(0, 1)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	// Evict page 0 so the worker picks it up and stalls in the channel.
	for page := uint64(1); page <= 4; page++ {
		if err := s.WritePage(page, pagePattern(page, 1)); err != nil {
			t.Fatalf("WritePage(%d): %v", page, err)
		}
	}
	waitFor(t, "first version in flight", func() bool { return s.Stats().InFlight })

	// Rewrite page 0 and push the new version into the queue behind the
	// failing persist.
	if err := s.WritePage(0, pagePattern(0, 2)); err != nil {
		t.Fatalf("second WritePage(0): %v", err)
	}
	for page := uint64(5); page <= 8; page++ {
		if err := s.WritePage(page, pagePattern(page, 1)); err != nil {
			t.Fatalf("WritePage(%d): %v", page, err)
		}
	}
	waitFor(t, "second version queued", func() bool { return s.Stats().QueuedPages == 5 })

	ch.release()
	waitFor(t, "failed persist resolved", func() bool { return !s.Stats().InFlight })

	got, err := s.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, pagePattern(0, 2)) {
		t.Error("read returned the superseded first write")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(chat.NewProxy(ch.Mem, 1, 1, time.Second), opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err = s2.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage after restart: %v", err)
	}
	if !bytes.Equal(got, pagePattern(0, 2)) {
		t.Error("backend durably holds the superseded first write")
	}
	for page := uint64(1); page <= 8; page++ {
		got, err := s2.ReadPage(page)
		if err != nil {
			t.Fatalf("ReadPage(%d) after restart: %v", page, err)
		}
		if !bytes.Equal(got, pagePattern(page, 1)) {
			t.Errorf("page %d differs after restart", page)
		}
	}
}

// Page content is arbitrary user bytes; a page that happens to begin like a
// directory message must not derail the startup scan.
func TestBootSurvivesDirectoryLookalikePage(t *testing.T) {
	mem := memchat.New()
	s := openTestStore(t, mem, 16)

	data := make([]byte, testPageSize)
	copy(data, "METABLOCK\nuser data, not a directory")
	if err := s.WritePage(2, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(chat.NewProxy(mem, 1, 1, time.Second), testOptions(16))
	if err != nil {
		t.Fatalf("device no longer boots after storing that page: %v", err)
	}
	defer s2.Close()

	got, err := s2.ReadPage(2)
	if err != nil {
		t.Fatalf("ReadPage after restart: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("page content differs after restart")
	}
}

// supersedeOnFetch rewrites and flushes the page the first time it is
// fetched, so the message the reader asked for is deleted under it.
type supersedeOnFetch struct {
	*memchat.Mem
	store *BlockStore
	data  []byte
	once  sync.Once
}

func (c *supersedeOnFetch) Fetch(id uint64) ([]byte, error) {
	c.once.Do(func() {
		if err := c.store.WritePage(0, c.data); err == nil {
			c.store.Flush()
		}
	})

	return c.Mem.Fetch(id)
}

// A fetch losing the race against a supersede-and-delete must retry against
// the updated index instead of failing the read.
func TestReadRetriesSupersededMessage(t *testing.T) {
	ch := &supersedeOnFetch{Mem: memchat.New(), data: pagePattern(0, 2)}

	s, err := Open(chat.NewProxy(ch, 1, 1, time.Second), testOptions(16))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.store = s
	defer s.Close()

	if err := s.WritePage(0, pagePattern(0, 1)); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := s.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage during supersede: %v", err)
	}
	if !bytes.Equal(got, pagePattern(0, 2)) {
		t.Error("read returned stale bytes")
	}
}

// A writer stuck on a full queue while a flush runs rejoins behind the
// flush; nothing deadlocks and every page ends up durable.
func TestFlushWithBlockedWriter(t *testing.T) {
	g := newGatedChannel()
	s := openTestStore(t, g, 16)

	for page := uint64(0); page < 8; page++ {
		if err := s.WritePage(page, pagePattern(page, 1)); err != nil {
			t.Fatalf("WritePage(%d): %v", page, err)
		}
	}
	waitFor(t, "queue saturation", func() bool {
		st := s.Stats()
		return st.InFlight && st.QueuedPages == 3
	})

	writeDone := make(chan error, 1)
	go func() { writeDone <- s.WritePage(8, pagePattern(8, 1)) }()
	// Give the writer time to block on the full queue.
	time.Sleep(50 * time.Millisecond)

	flushDone := make(chan error, 1)
	go func() { flushDone <- s.Flush() }()
	time.Sleep(50 * time.Millisecond)

	g.release()

	if err := <-flushDone; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	st := s.Stats()
	if st.CachedPages != 0 || st.QueuedPages != 0 || st.InFlight {
		t.Errorf("engine not empty after flush: %+v", st)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2 := openTestStore(t, g.Mem, 16)
	defer s2.Close()
	for page := uint64(0); page <= 8; page++ {
		got, err := s2.ReadPage(page)
		if err != nil {
			t.Fatalf("ReadPage(%d) after restart: %v", page, err)
		}
		if !bytes.Equal(got, pagePattern(page, 1)) {
			t.Errorf("page %d differs after restart", page)
		}
	}
}

// Hammer the engine from several goroutines, then verify every page both hot
// and after a cold restart.
func TestConcurrentWritersAndReaders(t *testing.T) {
	const (
		writers        = 4
		pagesPerWriter = 8
	)

	mem := memchat.New()
	s := openTestStore(t, mem, writers*pagesPerWriter)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for round := byte(1); round <= 3; round++ {
				for i := 0; i < pagesPerWriter; i++ {
					page := uint64(w*pagesPerWriter + i)
					if err := s.WritePage(page, pagePattern(page, round)); err != nil {
						errs <- fmt.Errorf("write %d: %w", page, err)
						return
					}
					if got, err := s.ReadPage(page); err != nil {
						errs <- fmt.Errorf("read %d: %w", page, err)
						return
					} else if !bytes.Equal(got, pagePattern(page, round)) {
						errs <- fmt.Errorf("page %d: stale read in round %d", page, round)
						return
					}
				}
			}
			errs <- nil
		}(w)
	}
	wg.Wait()
	for w := 0; w < writers; w++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, mem, writers*pagesPerWriter)
	defer s2.Close()
	for page := uint64(0); page < writers*pagesPerWriter; page++ {
		got, err := s2.ReadPage(page)
		if err != nil {
			t.Fatalf("ReadPage(%d) after restart: %v", page, err)
		}
		if !bytes.Equal(got, pagePattern(page, 3)) {
			t.Errorf("page %d differs after restart", page)
		}
	}
}
