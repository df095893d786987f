package window_test

import (
	"testing"
	"time"

	"github.com/duskwarden/aegis/internal/window"
)

func Test_IncrAndGet_CountsWithinWindow(t *testing.T) {
	s := window.New(4, 0) // ttl<=0: no janitor goroutine, nothing to Close
	if got := s.IncrAndGet("id-1", time.Minute); got != 1 {
		t.Fatalf("first increment: want 1, got %d", got)
	}
	if got := s.IncrAndGet("id-1", time.Minute); got != 2 {
		t.Fatalf("second increment: want 2, got %d", got)
	}
	if got := s.PeekCount("id-1"); got != 2 {
		t.Fatalf("peek: want 2, got %d", got)
	}
	if got := s.PeekCount("never-seen"); got != 0 {
		t.Fatalf("peek of unknown key: want 0, got %d", got)
	}
}

func Test_PushTimestamp_BoundedRingBuffer(t *testing.T) {
	s := window.New(4, 0)
	var last []time.Time
	for i := 0; i < 15; i++ {
		last = s.PushTimestamp("id-1")
	}
	if len(last) != 10 {
		t.Fatalf("want ring buffer capped at 10, got %d", len(last))
	}
	if got := s.Timings("id-1"); len(got) != 10 {
		t.Fatalf("Timings(): want 10, got %d", len(got))
	}
}

func Test_AddPath_FIFOEvictionAndNewDetection(t *testing.T) {
	s := window.New(4, 0)
	if isNew := s.AddPath("id-1", "/a", 3); !isNew {
		t.Fatal("first reference to /a should be new")
	}
	if isNew := s.AddPath("id-1", "/a", 3); isNew {
		t.Fatal("repeat reference to /a should not be new")
	}
	s.AddPath("id-1", "/b", 3)
	s.AddPath("id-1", "/c", 3)
	s.AddPath("id-1", "/d", 3) // exceeds max=3, evicts /a

	paths := s.SeenPaths("id-1")
	if len(paths) != 3 {
		t.Fatalf("want 3 paths after eviction, got %d: %v", len(paths), paths)
	}
	if isNew := s.AddPath("id-1", "/a", 3); !isNew {
		t.Fatal("/a was evicted and should be reported as new again")
	}
}

func Test_GetOrCreateProfile_MaterializesOnce(t *testing.T) {
	s := window.New(4, 0)
	p1 := s.GetOrCreateProfile("id-1", nil)
	p2 := s.GetOrCreateProfile("id-1", nil)
	if p1 != p2 {
		t.Fatal("want the same BehaviorProfile instance across calls")
	}
	if p2.RequestCount != 2 {
		t.Fatalf("want RequestCount=2 after two references, got %d", p2.RequestCount)
	}
	if p1.FirstSeen.IsZero() {
		t.Fatal("want FirstSeen populated")
	}
}

func Test_IncrPageAndGet_IndependentFromTotalCounter(t *testing.T) {
	s := window.New(4, 0)
	s.IncrAndGet("id-1", time.Minute)
	s.IncrAndGet("id-1", time.Minute)
	s.IncrPageAndGet("id-1", time.Minute)

	if got := s.PeekCount("id-1"); got != 2 {
		t.Fatalf("total counter: want 2, got %d", got)
	}
	if got := s.PeekPageCount("id-1"); got != 1 {
		t.Fatalf("page counter: want 1, got %d", got)
	}
}
