package store

import (
	"errors"

	"caskdb/pkg/config"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/index"
	"caskdb/pkg/iterator"
	"caskdb/pkg/types"
)

var _ iterator.Cursor = (*Iterator)(nil)

// Iterator walks keys in order over a snapshot of the index. Values are read
// when asked for, so Value reflects writes made after the snapshot.
type Iterator struct {
	indexIter index.Iterator
	store     *Store
}

func (s *Store) NewIterator(opts config.IteratorOptions) *Iterator {
	return &Iterator{
		indexIter: s.index.Iterator(opts),
		store:     s,
	}
}

func (it *Iterator) Rewind() {
	it.indexIter.Rewind()
}

func (it *Iterator) Seek(key types.Key) {
	it.indexIter.Seek(key)
}

func (it *Iterator) Next() {
	it.indexIter.Next()
}

func (it *Iterator) Valid() bool {
	return it.indexIter.Valid()
}

func (it *Iterator) Key() types.Key {
	return it.indexIter.Key()
}

// Value returns the current value of the key under the cursor, or
// dberrors.ErrKeyNotFound when it was deleted after the snapshot.
func (it *Iterator) Value() (types.Value, error) {
	return it.store.Get(it.Key())
}

func (it *Iterator) Close() {
	it.indexIter.Close()
}

// ListKeys returns every key in ascending order.
func (s *Store) ListKeys() [][]byte {
	return s.index.ListKeys()
}

// Fold calls fn for every key/value pair in key order until fn returns false.
func (s *Store) Fold(fn func(key []byte, value []byte) bool) error {
	it := s.index.Iterator(config.DefaultIteratorOptions())
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		value, err := s.Get(it.Key())
		if errors.Is(err, dberrors.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(it.Key(), value) {
			break
		}
	}
	return nil
}
