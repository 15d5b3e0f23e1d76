package index

import (
	"bytes"
	"sync"

	"caskdb/pkg/config"
	"caskdb/pkg/data"

	"github.com/google/btree"
)

const btreeDegree = 32

// BTree is an ordered index backed by a B-tree behind a single RWMutex.
type BTree struct {
	tree *btree.BTreeG[*item]
	lock *sync.RWMutex
}

func NewBTree() *BTree {
	return &BTree{
		tree: btree.NewG[*item](btreeDegree, lessItem),
		lock: new(sync.RWMutex),
	}
}

func (bt *BTree) Put(key []byte, pos *data.LogRecordPos) (*data.LogRecordPos, bool) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	return bt.put(key, pos), true
}

func (bt *BTree) put(key []byte, pos *data.LogRecordPos) *data.LogRecordPos {
	old, ok := bt.tree.ReplaceOrInsert(&item{key: bytes.Clone(key), pos: pos})
	if !ok {
		return nil
	}
	return old.pos
}

func (bt *BTree) Get(key []byte) *data.LogRecordPos {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	it, ok := bt.tree.Get(&item{key: key})
	if !ok {
		return nil
	}
	return it.pos
}

func (bt *BTree) Delete(key []byte) (*data.LogRecordPos, bool) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	return bt.delete(key)
}

func (bt *BTree) delete(key []byte) (*data.LogRecordPos, bool) {
	old, ok := bt.tree.Delete(&item{key: key})
	if !ok {
		return nil, false
	}
	return old.pos, true
}

func (bt *BTree) Apply(mutations []Mutation) ([]*data.LogRecordPos, bool) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	olds := make([]*data.LogRecordPos, len(mutations))
	for i, m := range mutations {
		if m.Pos == nil {
			olds[i], _ = bt.delete(m.Key)
			continue
		}
		olds[i] = bt.put(m.Key, m.Pos)
	}
	return olds, true
}

func (bt *BTree) Size() int {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	return bt.tree.Len()
}

func (bt *BTree) ListKeys() [][]byte {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	keys := make([][]byte, 0, bt.tree.Len())
	bt.tree.Ascend(func(it *item) bool {
		keys = append(keys, it.key)
		return true
	})
	return keys
}

func (bt *BTree) Iterator(opts config.IteratorOptions) Iterator {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	items := make([]*item, 0, bt.tree.Len())
	collect := func(it *item) bool {
		items = append(items, it)
		return true
	}
	if len(opts.Prefix) > 0 {
		bt.tree.AscendGreaterOrEqual(&item{key: opts.Prefix}, func(it *item) bool {
			if !bytes.HasPrefix(it.key, opts.Prefix) {
				return false
			}
			return collect(it)
		})
	} else {
		bt.tree.Ascend(collect)
	}
	return newSnapshotIterator(items, opts)
}

func (bt *BTree) Close() error {
	return nil
}
