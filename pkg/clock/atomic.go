package clock

import (
	"sync/atomic"

	"caskdb/pkg/types"
)

// Sequence is a monotonic counter shared by concurrent writers.
type Sequence struct {
	atomic.Uint64
}

func NewSequence(init types.SequenceNumber) *Sequence {
	var s Sequence
	s.Store(init)
	return &s
}

func (s *Sequence) Val() types.SequenceNumber {
	return s.Load()
}

// Next reserves and returns the next value.
func (s *Sequence) Next() types.SequenceNumber {
	return s.Add(1)
}

// Observe raises the counter to n if n is larger. Values never go backwards.
func (s *Sequence) Observe(n types.SequenceNumber) {
	for {
		cur := s.Load()
		if n <= cur || s.CompareAndSwap(cur, n) {
			return
		}
	}
}
