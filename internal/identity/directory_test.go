package identity

import (
	"testing"

	"github.com/you/lampbot/internal/core"
)

func TestObserveAndResolve(t *testing.T) {
	d := New()
	d.Observe(core.User{ID: 7, Username: "Alice"})

	id, ok := d.Resolve("@alice")
	if !ok || id != 7 {
		t.Fatalf("resolve @alice = %d,%v", id, ok)
	}
	if id, ok := d.Resolve("ALICE"); !ok || id != 7 {
		t.Fatalf("resolve ALICE = %d,%v", id, ok)
	}
	if got := d.Display(7); got != "@Alice" {
		t.Fatalf("display = %q", got)
	}
}

func TestObserveRenamedHandle(t *testing.T) {
	d := New()
	d.Observe(core.User{ID: 7, Username: "old"})
	d.Observe(core.User{ID: 7, Username: "new"})

	if _, ok := d.Resolve("old"); ok {
		t.Fatalf("expected old handle released")
	}
	if id, ok := d.Resolve("new"); !ok || id != 7 {
		t.Fatalf("resolve new = %d,%v", id, ok)
	}
}

func TestDisplayFallbacks(t *testing.T) {
	if got := DisplayName(core.User{ID: 3, FullName: "Bob Stone"}); got != "Bob Stone" {
		t.Fatalf("full name fallback = %q", got)
	}
	if got := DisplayName(core.User{ID: 3}); got != "id3" {
		t.Fatalf("id fallback = %q", got)
	}
	d := New()
	if got := d.Display(99); got != "id99" {
		t.Fatalf("unknown display = %q", got)
	}
}

func TestMergeKeepsLiveEntries(t *testing.T) {
	d := New()
	d.Observe(core.User{ID: 1, Username: "live"})
	added := d.Merge(map[core.UserID]Entry{
		1: {Handle: "imported", Display: "@imported"},
		2: {Handle: "other", Display: "@other"},
	})
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if d.Display(1) != "@live" {
		t.Fatalf("live entry overwritten: %q", d.Display(1))
	}
	if id, ok := d.Resolve("other"); !ok || id != 2 {
		t.Fatalf("merged handle not resolvable")
	}
}
