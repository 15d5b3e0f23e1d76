package index

import (
	"bytes"
	"slices"
	"sort"

	"caskdb/pkg/config"
	"caskdb/pkg/data"
	"caskdb/pkg/types"
)

// snapshotIterator iterates over entries copied out of an index, so it never
// holds index locks while the caller walks it.
type snapshotIterator struct {
	items   []*item
	cur     int
	reverse bool
}

// newSnapshotIterator takes entries in ascending key order. Entries not
// matching the prefix are dropped here, so every position the cursor can
// reach matches it.
func newSnapshotIterator(items []*item, opts config.IteratorOptions) *snapshotIterator {
	if len(opts.Prefix) > 0 {
		items = slices.DeleteFunc(items, func(it *item) bool {
			return !bytes.HasPrefix(it.key, opts.Prefix)
		})
	}
	if opts.Reverse {
		slices.Reverse(items)
	}
	return &snapshotIterator{
		items:   items,
		reverse: opts.Reverse,
	}
}

func (it *snapshotIterator) Rewind() {
	it.cur = 0
}

func (it *snapshotIterator) Seek(key types.Key) {
	if it.reverse {
		it.cur = sort.Search(len(it.items), func(i int) bool {
			return bytes.Compare(it.items[i].key, key) <= 0
		})
	} else {
		it.cur = sort.Search(len(it.items), func(i int) bool {
			return bytes.Compare(it.items[i].key, key) >= 0
		})
	}
}

func (it *snapshotIterator) Next() {
	it.cur++
}

func (it *snapshotIterator) Valid() bool {
	return it.cur < len(it.items)
}

func (it *snapshotIterator) Key() types.Key {
	return it.items[it.cur].key
}

func (it *snapshotIterator) Value() *data.LogRecordPos {
	return it.items[it.cur].pos
}

func (it *snapshotIterator) Close() {
	it.items = nil
}
