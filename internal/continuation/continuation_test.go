package continuation

import (
	"testing"
)

func TestMarkIncrementsRounds(t *testing.T) {
	s := New(t.TempDir())

	if _, ok := s.Get("blog"); ok {
		t.Fatal("expected no record initially")
	}
	if !s.ShouldContinue("blog") {
		t.Fatal("untracked task must be allowed to continue")
	}

	for i := 1; i <= 3; i++ {
		if err := s.Mark("blog", "sess-1", 10, 10, "001_blog.md"); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}
	rec, ok := s.Get("blog")
	if !ok || rec.Count != 3 {
		t.Fatalf("Count = %d ok=%v, want 3", rec.Count, ok)
	}
	if rec.SessionID != "sess-1" || rec.TurnsUsed != 10 || rec.File != "001_blog.md" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestShouldContinueLimit(t *testing.T) {
	s := New(t.TempDir())
	for i := 0; i < MaxRounds; i++ {
		if !s.ShouldContinue("blog") {
			t.Fatalf("round %d blocked before the limit", i)
		}
		if err := s.Mark("blog", "sess-1", 10, 10, "001_blog.md"); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	if s.ShouldContinue("blog") {
		t.Fatalf("expected continuation blocked after %d rounds", MaxRounds)
	}
}

func TestClearResetsCounter(t *testing.T) {
	s := New(t.TempDir())
	for i := 0; i < MaxRounds; i++ {
		_ = s.Mark("blog", "sess-1", 10, 10, "001_blog.md")
	}
	if err := s.Clear("blog"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !s.ShouldContinue("blog") {
		t.Fatal("clear must reset the round budget")
	}
	// Idempotent.
	if err := s.Clear("blog"); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestSessionID(t *testing.T) {
	s := New(t.TempDir())
	if _, ok := s.SessionID("blog"); ok {
		t.Fatal("expected no session for untracked task")
	}
	_ = s.Mark("blog", "sess-9", 10, 10, "001_blog.md")
	id, ok := s.SessionID("blog")
	if !ok || id != "sess-9" {
		t.Fatalf("SessionID = %q ok=%v", id, ok)
	}
}
