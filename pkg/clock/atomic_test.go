package clock

import (
	"sync"
	"testing"
)

func TestSequenceNext(t *testing.T) {
	s := NewSequence(5)
	if got := s.Next(); got != 6 {
		t.Fatalf("Expected 6, got %d", got)
	}
	if got := s.Val(); got != 6 {
		t.Fatalf("Expected 6, got %d", got)
	}
}

func TestSequenceObserveIsMonotonic(t *testing.T) {
	s := NewSequence(10)

	s.Observe(3)
	if got := s.Val(); got != 10 {
		t.Fatalf("Observe lowered the sequence: got %d", got)
	}

	s.Observe(42)
	if got := s.Val(); got != 42 {
		t.Fatalf("Expected 42, got %d", got)
	}
}

func TestSequenceConcurrentNext(t *testing.T) {
	s := NewSequence(0)

	var wg sync.WaitGroup
	seen := make([]uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = s.Next()
		}(i)
	}
	wg.Wait()

	uniq := make(map[uint64]struct{}, len(seen))
	for _, v := range seen {
		uniq[v] = struct{}{}
	}
	if len(uniq) != 100 {
		t.Fatalf("Expected 100 distinct values, got %d", len(uniq))
	}
	if s.Val() != 100 {
		t.Fatalf("Expected final value 100, got %d", s.Val())
	}
}
