package badgerchat

import (
	"bytes"
	"errors"
	"testing"

	"github.com/olix3001/DAAFS/internal/chat"
)

func openTestDB(t *testing.T, dir string) *Badger {
	t.Helper()

	b, err := New(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	return b
}

func TestSendFetchDelete(t *testing.T) {
	b := openTestDB(t, t.TempDir())

	id, err := b.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	body, err := b.Fetch(id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(body, []byte("hello")) {
		t.Fatalf("fetch returned %q", body)
	}

	if err := b.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Fetch(id); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("fetch after delete: %v", err)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	b := openTestDB(t, t.TempDir())

	for _, s := range []string{"a", "b", "c"} {
		if _, err := b.Send([]byte(s)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	msgs, err := b.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("recent returned %d messages", len(msgs))
	}
	if string(msgs[0].Body) != "c" || string(msgs[1].Body) != "b" {
		t.Fatalf("recent order wrong: %q %q", msgs[0].Body, msgs[1].Body)
	}
}

func TestMoveToEndAssignsNewID(t *testing.T) {
	b := openTestDB(t, t.TempDir())

	first, err := b.Send([]byte("old"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.Send([]byte("new")); err != nil {
		t.Fatalf("send: %v", err)
	}

	moved, err := b.MoveToEnd(first)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved == first {
		t.Fatalf("move kept id %d", moved)
	}

	msgs, err := b.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if string(msgs[0].Body) != "old" {
		t.Fatalf("moved message not at end, got %q", msgs[0].Body)
	}
	if _, err := b.Fetch(first); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("original still present: %v", err)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	b, err := New(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id1, err := b.Send([]byte("x"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b = openTestDB(t, dir)
	id2, err := b.Send([]byte("y"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("sequence did not resume: %d then %d", id1, id2)
	}
}
