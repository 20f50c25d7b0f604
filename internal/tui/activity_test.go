package tui

import (
	"strings"
	"testing"
	"time"
)

func TestActivityFeed_AddAndLen(t *testing.T) {
	f := NewActivityFeed()
	if f.Len() != 0 {
		t.Fatal("new feed should be empty")
	}
	f.Add(ActivityItem{ID: "1", Icon: "…", Message: "clear caches", StartedAt: time.Now()})
	if f.Len() != 1 {
		t.Fatal("len should be 1")
	}
}

func TestActivityFeed_MaxItems(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	for i := 0; i < 5; i++ {
		f.Add(ActivityItem{ID: string(rune('a' + i)), StartedAt: time.Now()})
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
}

func TestActivityFeed_Complete(t *testing.T) {
	f := NewActivityFeed()
	f.Add(ActivityItem{ID: "t1", Icon: "…", Message: "apply update", StartedAt: time.Now()})
	if !f.HasActive() {
		t.Fatal("should have active")
	}
	f.Complete("t1", "✗", "no update is waiting")
	if f.HasActive() {
		t.Fatal("should have no active")
	}
	if view := f.View(); !strings.Contains(view, "no update is waiting") || !strings.Contains(view, "✗") {
		t.Fatalf("view = %q", view)
	}
}

func TestActivityFeed_CompleteNonExistent(t *testing.T) {
	f := NewActivityFeed()
	f.Add(ActivityItem{ID: "t1", StartedAt: time.Now()})
	f.Complete("nope", "✓", "")
	if !f.HasActive() {
		t.Fatal("original should still be active")
	}
}

func TestActivityFeed_CleanupOld(t *testing.T) {
	f := NewActivityFeed()
	past := time.Now().Add(-2 * time.Minute)
	done := past.Add(10 * time.Second)
	f.Add(ActivityItem{ID: "old", StartedAt: past, DoneAt: &done})
	f.Add(ActivityItem{ID: "active", StartedAt: time.Now()})
	if removed := f.CleanupOld(30 * time.Second); removed != 1 {
		t.Fatalf("removed %d", removed)
	}
	if f.Len() != 1 {
		t.Fatal("should have 1 remaining")
	}
}

func TestActivityFeed_ToggleCollapses(t *testing.T) {
	f := NewActivityFeed()
	f.Add(ActivityItem{ID: "1", Icon: "…", Message: "check for update", StartedAt: time.Now()})
	if !strings.Contains(f.View(), "check for update") {
		t.Fatal("feed should start expanded")
	}
	f.Toggle()
	view := f.View()
	if strings.Contains(view, "check for update") || !strings.Contains(view, "1 recent") {
		t.Fatalf("collapsed view = %q", view)
	}
}

func TestActivityFeed_ViewEmpty(t *testing.T) {
	if NewActivityFeed().View() != "" {
		t.Fatal("empty view should be empty string")
	}
}
