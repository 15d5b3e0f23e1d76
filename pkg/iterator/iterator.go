package iterator

import "caskdb/pkg/types"

// Cursor walks an ordered key space. It is a finite, restartable sequence:
// Rewind always returns to the first entry in iteration order.
type Cursor interface {
	// Rewind moves the cursor to the first key in iteration order.
	Rewind()
	// Seek moves the cursor to the first key >= target
	// (<= target for reverse cursors).
	Seek(target types.Key)
	// Next advances to the next key.
	Next()
	// Valid reports whether the cursor points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Close releases resources.
	Close()
}
