package segment

import "testing"

func TestOrdered(t *testing.T) {
	urls := []string{"http://h/a.ts", "http://h/b.ts", "http://h/c.ts"}

	segments := Ordered(urls)
	if len(segments) != 3 {
		t.Fatalf("Expected 3 segments, got %d", len(segments))
	}
	for i, seg := range segments {
		if seg.Order != i {
			t.Errorf("Expected order %d, got %d", i, seg.Order)
		}
		if seg.URL != urls[i] || seg.ResolvedURL != urls[i] {
			t.Errorf("Expected URL %q, got %q / %q", urls[i], seg.URL, seg.ResolvedURL)
		}
		if seg.State != Pending {
			t.Errorf("Expected state pending, got %s", seg.State)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Pending:   "pending",
		InFlight:  "in_flight",
		Done:      "done",
		Failed:    "failed",
		State(42): "state(42)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
