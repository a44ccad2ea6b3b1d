package cache

import (
	"testing"
)

func TestPutEvictsLRU(t *testing.T) {
	c := New(4)

	for page := uint64(0); page < 4; page++ {
		if ev := c.Put(page, []byte{byte(page)}, false); ev != nil {
			t.Fatalf("Put(%d) evicted %d while under capacity", page, ev.Page)
		}
	}
	if c.Len() != 4 {
		t.Fatalf("Len = %d, want 4", c.Len())
	}

	ev := c.Put(4, []byte{4}, false)
	if ev == nil || ev.Page != 0 {
		t.Fatalf("evicted %+v, want page 0", ev)
	}
	if c.Len() != 4 {
		t.Errorf("Len = %d after eviction, want 4", c.Len())
	}
}

func TestGetBumpsRecency(t *testing.T) {
	c := New(2)

	c.Put(1, nil, false)
	c.Put(2, nil, false)

	// Touch 1 so 2 becomes the LRU.
	if _, ok := c.Get(1); !ok {
		t.Fatal("page 1 missing")
	}

	ev := c.Put(3, nil, false)
	if ev == nil || ev.Page != 2 {
		t.Errorf("evicted %+v, want page 2", ev)
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := New(2)

	c.Put(1, []byte("old"), false)
	c.Put(2, nil, false)

	if ev := c.Put(1, []byte("new"), true); ev != nil {
		t.Fatalf("overwrite evicted page %d", ev.Page)
	}

	e, ok := c.Peek(1)
	if !ok || string(e.Data) != "new" || !e.Dirty {
		t.Errorf("entry after overwrite = %+v", e)
	}
}

func TestMarkDirty(t *testing.T) {
	c := New(2)

	c.Put(1, nil, false)
	c.MarkDirty(1)

	if e, _ := c.Peek(1); !e.Dirty {
		t.Error("page 1 not dirty after MarkDirty")
	}

	// Absent page is a no-op.
	c.MarkDirty(9)
}

func TestPopOldest(t *testing.T) {
	c := New(4)

	c.Put(1, nil, true)
	c.Put(2, nil, false)

	e, ok := c.PopOldest()
	if !ok || e.Page != 1 {
		t.Fatalf("PopOldest = %+v, want page 1", e)
	}
	if c.Contains(1) {
		t.Error("popped page still cached")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
