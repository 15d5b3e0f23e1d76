package index

import (
	"bytes"
	"sync"

	"caskdb/pkg/config"
	"caskdb/pkg/data"

	"github.com/zhangyunhao116/skipmap"
)

// SkipList is an ordered index backed by a lock-free skip list.
// Single-key operations run concurrently under the shared side of gate;
// Apply takes it exclusively so a batch becomes visible all at once.
type SkipList struct {
	m    *skipmap.FuncMap[[]byte, *data.LogRecordPos]
	gate sync.RWMutex
}

func NewSkipList() *SkipList {
	return &SkipList{
		m: skipmap.NewFunc[[]byte, *data.LogRecordPos](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Put is not atomic with respect to other writers of the same key; the
// engine serializes writers, so the returned old position is exact there.
func (sl *SkipList) Put(key []byte, pos *data.LogRecordPos) (*data.LogRecordPos, bool) {
	sl.gate.RLock()
	defer sl.gate.RUnlock()

	return sl.put(key, pos), true
}

func (sl *SkipList) put(key []byte, pos *data.LogRecordPos) *data.LogRecordPos {
	old, _ := sl.m.Load(key)
	sl.m.Store(bytes.Clone(key), pos)
	return old
}

func (sl *SkipList) Get(key []byte) *data.LogRecordPos {
	sl.gate.RLock()
	defer sl.gate.RUnlock()

	pos, _ := sl.m.Load(key)
	return pos
}

func (sl *SkipList) Delete(key []byte) (*data.LogRecordPos, bool) {
	sl.gate.RLock()
	defer sl.gate.RUnlock()

	return sl.m.LoadAndDelete(key)
}

func (sl *SkipList) Apply(mutations []Mutation) ([]*data.LogRecordPos, bool) {
	sl.gate.Lock()
	defer sl.gate.Unlock()

	olds := make([]*data.LogRecordPos, len(mutations))
	for i, m := range mutations {
		if m.Pos == nil {
			olds[i], _ = sl.m.LoadAndDelete(m.Key)
			continue
		}
		olds[i] = sl.put(m.Key, m.Pos)
	}
	return olds, true
}

func (sl *SkipList) Size() int {
	return sl.m.Len()
}

func (sl *SkipList) ListKeys() [][]byte {
	sl.gate.RLock()
	defer sl.gate.RUnlock()

	keys := make([][]byte, 0, sl.m.Len())
	sl.m.Range(func(key []byte, _ *data.LogRecordPos) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

func (sl *SkipList) Iterator(opts config.IteratorOptions) Iterator {
	sl.gate.RLock()
	defer sl.gate.RUnlock()

	items := make([]*item, 0, sl.m.Len())
	sl.m.Range(func(key []byte, pos *data.LogRecordPos) bool {
		items = append(items, &item{key: key, pos: pos})
		return true
	})
	return newSnapshotIterator(items, opts)
}

func (sl *SkipList) Close() error {
	return nil
}
