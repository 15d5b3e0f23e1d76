package index

import (
	"bytes"

	"caskdb/pkg/config"
	"caskdb/pkg/data"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/iterator"
)

// Indexer maps keys to the position of their latest record.
// Implementations must be safe for concurrent use.
type Indexer interface {
	// Put inserts or overwrites key. It returns the previous position, if
	// any, and false when the index could not be updated.
	Put(key []byte, pos *data.LogRecordPos) (*data.LogRecordPos, bool)

	// Get returns the position of key or nil.
	Get(key []byte) *data.LogRecordPos

	// Delete removes key and returns its previous position and whether it
	// was present.
	Delete(key []byte) (*data.LogRecordPos, bool)

	// Apply performs all mutations as one step: concurrent readers observe
	// either none or all of them. It returns the previous position of every
	// mutated key, in order.
	Apply(mutations []Mutation) ([]*data.LogRecordPos, bool)

	// Size returns the number of keys.
	Size() int

	// ListKeys returns all keys in ascending order.
	ListKeys() [][]byte

	// Iterator returns a cursor over a snapshot of the index.
	Iterator(opts config.IteratorOptions) Iterator

	Close() error
}

// Mutation is one change applied by Indexer.Apply. A nil Pos deletes Key.
type Mutation struct {
	Key []byte
	Pos *data.LogRecordPos
}

// Iterator walks index entries in key order.
type Iterator interface {
	iterator.Cursor

	// Value returns the position of the current key.
	Value() *data.LogRecordPos
}

// NewIndexer builds the index variant selected by typ. dirPath is only used
// by variants persisted on disk.
func NewIndexer(typ config.IndexType, dirPath string, sync bool) (Indexer, error) {
	switch typ {
	case config.BTree:
		return NewBTree(), nil
	case config.SkipList:
		return NewSkipList(), nil
	case config.SQLite:
		return NewSQLite(dirPath, sync)
	default:
		return nil, dberrors.ErrInvalidIndexType
	}
}

type item struct {
	key []byte
	pos *data.LogRecordPos
}

func lessItem(a, b *item) bool {
	return bytes.Compare(a.key, b.key) < 0
}
