package runid

import "testing"

func TestPromoteOnlyOnce(t *testing.T) {
	s := New("provisional-1")
	if s.Promoted() {
		t.Fatalf("fresh slot must not be promoted")
	}
	if !s.Promote("S-42") {
		t.Fatalf("first promotion should succeed")
	}
	if got := s.Current(); got != "S-42" {
		t.Fatalf("Current() = %q, want S-42", got)
	}
	if s.Promote("S-99") {
		t.Fatalf("second promotion must be a no-op")
	}
	if got := s.Current(); got != "S-42" {
		t.Fatalf("Current() changed after second promotion attempt: %q", got)
	}
}

func TestPromoteIgnoresEmpty(t *testing.T) {
	s := New("provisional-1")
	if s.Promote("") {
		t.Fatalf("promoting an empty identifier must not succeed")
	}
	if got := s.Current(); got != "provisional-1" {
		t.Fatalf("Current() = %q, want provisional-1", got)
	}
}
