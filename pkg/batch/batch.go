package batch

import "caskdb/pkg/types"

// WriteBatch groups multiple mutations and commits them atomically.
type WriteBatch interface {
	Put(key types.Key, value types.Value) error
	Delete(key types.Key) error
	Commit() error
	Count() int
}
