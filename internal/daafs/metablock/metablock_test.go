package metablock

import (
	"testing"
	"time"

	"github.com/olix3001/DAAFS/internal/chat"
	"github.com/olix3001/DAAFS/internal/chat/memchat"
)

func testProxy(m *memchat.Mem) *chat.Proxy {
	return chat.NewProxy(m, 1, 1, time.Second)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	m := newEmpty(2048, 2048)
	m.Zero.Set(0, false)
	m.Messages[2048] = 1234567891
	m.Zero.Set(5, false)
	m.Messages[2053] = 42

	parsed, err := Parse(777, m.Encode())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.MessageID != 777 {
		t.Errorf("MessageID = %d, want 777", parsed.MessageID)
	}
	if parsed.Start != 2048 || parsed.Count != 2048 {
		t.Errorf("run = %d+%d, want 2048+2048", parsed.Start, parsed.Count)
	}
	if parsed.Messages[2048] != 1234567891 || parsed.Messages[2053] != 42 {
		t.Errorf("message mappings = %v", parsed.Messages)
	}
	if parsed.Zero.Get(0) || parsed.Zero.Get(5) {
		t.Error("mapped pages still zero-flagged")
	}
	if !parsed.Zero.Get(1) {
		t.Error("untouched page lost its zero flag")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, body := range []string{
		"",
		"DATA PAGE",
		"METABLOCK\nnot-a-range\nmask",
		"METABLOCK\n0:10",
	} {
		if _, err := Parse(1, []byte(body)); err == nil {
			t.Errorf("Parse(%q) accepted", body)
		}
	}
}

func TestNewIndexAllZero(t *testing.T) {
	ix := New(3 * SlotsPerMetablock)

	for _, page := range []uint64{0, 2048, 4096, 3*SlotsPerMetablock - 1} {
		id, zero, err := ix.Lookup(page)
		if err != nil {
			t.Fatalf("Lookup(%d): %v", page, err)
		}
		if !zero || id != 0 {
			t.Errorf("Lookup(%d) = (%d, %v), want zero-masked", page, id, zero)
		}
	}

	if _, _, err := ix.Lookup(3 * SlotsPerMetablock); err == nil {
		t.Error("Lookup past device end accepted")
	}
}

func TestSetMessageSupersedes(t *testing.T) {
	ix := New(SlotsPerMetablock)

	if old := ix.SetMessage(7, 100); old != 0 {
		t.Errorf("first SetMessage superseded %d", old)
	}
	if old := ix.SetMessage(7, 200); old != 100 {
		t.Errorf("second SetMessage superseded %d, want 100", old)
	}

	id, zero, err := ix.Lookup(7)
	if err != nil || zero || id != 200 {
		t.Errorf("Lookup = (%d, %v, %v), want message 200", id, zero, err)
	}

	if old := ix.SetZero(7); old != 200 {
		t.Errorf("SetZero superseded %d, want 200", old)
	}
	if _, zero, _ := ix.Lookup(7); !zero {
		t.Error("page not zero-masked after SetZero")
	}
}

func TestCompactAndReload(t *testing.T) {
	mem := memchat.New()
	ch := testProxy(mem)

	ix := New(2 * SlotsPerMetablock)
	ix.SetMessage(3, 99)

	if err := ix.Compact(ch); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if mem.Len() != 2 {
		t.Fatalf("channel holds %d messages after compact, want 2", mem.Len())
	}

	loaded, err := Load(ch, 2*SlotsPerMetablock, 16)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	id, zero, err := loaded.Lookup(3)
	if err != nil || zero || id != 99 {
		t.Errorf("reloaded Lookup(3) = (%d, %v, %v), want message 99", id, zero, err)
	}
	if _, zero, _ := loaded.Lookup(SlotsPerMetablock + 1); !zero {
		t.Error("reloaded page lost its zero flag")
	}
}

func TestCompactRelocatesCleanBlocks(t *testing.T) {
	mem := memchat.New()
	ch := testProxy(mem)

	ix := New(SlotsPerMetablock)
	if err := ix.Compact(ch); err != nil {
		t.Fatalf("first Compact: %v", err)
	}

	// Bury the metablock under newer traffic, then compact again.
	mem.Send([]byte("DATA PAGE 1"))
	mem.Send([]byte("DATA PAGE 2"))
	if err := ix.Compact(ch); err != nil {
		t.Fatalf("second Compact: %v", err)
	}

	msgs, _ := mem.Recent(1)
	if !IsMetablock(msgs[0].Body) {
		t.Error("metablock is not the newest message after compact")
	}
}

func TestLoadFirstBoot(t *testing.T) {
	mem := memchat.New()
	mem.Send([]byte("unrelated chatter"))

	ix, err := Load(testProxy(mem), SlotsPerMetablock, 16)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, zero, err := ix.Lookup(0); err != nil || !zero {
		t.Errorf("first-boot Lookup(0) zero=%v err=%v, want zero-masked", zero, err)
	}
}

func TestLoadPartialCoverageIsCorrupt(t *testing.T) {
	mem := memchat.New()
	ch := testProxy(mem)

	// Only the first of two required metablocks is present.
	ix := New(SlotsPerMetablock)
	if err := ix.Compact(ch); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if _, err := Load(ch, 2*SlotsPerMetablock, 16); err == nil {
		t.Error("partial metablock coverage accepted")
	}
}
