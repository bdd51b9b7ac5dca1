package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/tolelom/wagerchain/core"
)

// MemDB is a thread-safe in-memory DB for tests and ephemeral nodes.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB returns an empty MemDB.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemDB) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// NewIterator snapshots matching pairs in key order.
func (m *MemDB) NewIterator(prefix []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := string(prefix)
	var pairs []memPair
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			pairs = append(pairs, memPair{k: []byte(k), v: append([]byte(nil), v...)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return string(pairs[i].k) < string(pairs[j].k) })
	return &memIter{pairs: pairs, idx: -1}
}

func (m *MemDB) NewBatch() Batch { return &memBatch{db: m} }

func (m *MemDB) Close() error { return nil }

type memOp struct {
	key   string
	value []byte // nil deletes
}

type memBatch struct {
	db  *MemDB
	ops []memOp
}

func (b *memBatch) Set(key, value []byte) {
	b.ops = append(b.ops, memOp{string(key), append([]byte{}, value...)})
}

func (b *memBatch) Delete(key []byte) { b.ops = append(b.ops, memOp{key: string(key)}) }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.value == nil {
			delete(b.db.data, op.key)
		} else {
			b.db.data[op.key] = op.value
		}
	}
	b.ops = nil
	return nil
}

type memPair struct{ k, v []byte }

type memIter struct {
	pairs []memPair
	idx   int
}

func (it *memIter) Next() bool    { it.idx++; return it.idx < len(it.pairs) }
func (it *memIter) Key() []byte   { return it.pairs[it.idx].k }
func (it *memIter) Value() []byte { return it.pairs[it.idx].v }
func (it *memIter) Release()      {}
func (it *memIter) Error() error  { return nil }
