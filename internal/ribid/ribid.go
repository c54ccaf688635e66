// Package ribid assigns dense, reusable small integer indices to opaque
// keys. It is the single primitive backing the per-partition peer/rib
// bitsets used throughout the sender and membership packages: a bitset
// indexed by the id an IndexedMap hands out is equivalent to a parallel
// vector-plus-bitset pair, without callers having to maintain both by hand.
package ribid

import "github.com/route-beacon/bgp-controld/internal/bitset"

// IndexedMap pairs a dense index space with a map from key to value. Live
// entries occupy indices in [0, size); indices of removed entries are
// reused by later Locate calls. The zero value is not usable; use New.
type IndexedMap[K comparable, V any] struct {
	index  map[K]int
	values []*V
	bits   *bitset.Set
}

// New returns an empty IndexedMap.
func New[K comparable, V any]() *IndexedMap[K, V] {
	return &IndexedMap[K, V]{
		index: make(map[K]int),
		bits:  bitset.New(0),
	}
}

// Len returns the number of live entries.
func (m *IndexedMap[K, V]) Len() int { return len(m.index) }

// Find returns the value and index for key, or (nil, -1, false) if absent.
func (m *IndexedMap[K, V]) Find(key K) (*V, int, bool) {
	idx, ok := m.index[key]
	if !ok {
		return nil, -1, false
	}
	return m.values[idx], idx, true
}

// At returns the value stored at index i, or nil if i is not occupied.
func (m *IndexedMap[K, V]) At(i int) *V {
	if i < 0 || i >= len(m.values) {
		return nil
	}
	return m.values[i]
}

// Reserve carves out index i so that future auto-allocating Locate calls
// skip it, without yet associating a key. Used when the index space must
// line up with an externally assigned index (e.g. a RibOut's own peer
// index) before the corresponding key is known.
func (m *IndexedMap[K, V]) Reserve(i int) {
	m.growTo(i)
	m.bits.Set(i)
}

func (m *IndexedMap[K, V]) growTo(i int) {
	if i < len(m.values) {
		return
	}
	next := make([]*V, i+1)
	copy(next, m.values)
	m.values = next
}

// Locate returns the entry for key, creating it with a fresh value and the
// lowest free index if absent. It panics if a prior call to Reserve or
// Locate has left the backing store in a state where the next free index
// would land outside the current size without the slot having been
// reserved — that would mean an external index assignment this map was
// never told about, which is a caller bug, not a recoverable condition.
func (m *IndexedMap[K, V]) Locate(key K) (*V, int) {
	if idx, ok := m.index[key]; ok {
		return m.values[idx], idx
	}
	idx := m.bits.FirstClear()
	if idx > len(m.values) {
		panic("ribid: non-reserved insert is not a strict append")
	}
	m.bits.Set(idx)
	var zero V
	v := zero
	if idx == len(m.values) {
		m.values = append(m.values, &v)
	} else {
		m.values[idx] = &v
	}
	m.index[key] = idx
	return m.values[idx], idx
}

// LocateAt is like Locate but requires the entry, if newly created, to
// land at index i. i must already be Reserve'd or free. Used when the
// caller has an externally-assigned index (e.g. GetPeerIndex from a
// RibOut) that this map must mirror.
func (m *IndexedMap[K, V]) LocateAt(key K, i int) *V {
	if idx, ok := m.index[key]; ok {
		if idx != i {
			panic("ribid: key already located at a different index")
		}
		return m.values[idx]
	}
	m.growTo(i)
	m.bits.Set(i)
	var zero V
	v := zero
	m.values[i] = &v
	m.index[key] = i
	return m.values[i]
}

// Remove deletes the entry for key at index i and, if i was the highest
// occupied index, trims trailing empty slots so the backing store stays
// dense.
func (m *IndexedMap[K, V]) Remove(key K, i int) {
	delete(m.index, key)
	if i < len(m.values) {
		m.values[i] = nil
	}
	m.bits.Clear(i)
	m.trim()
}

func (m *IndexedMap[K, V]) trim() {
	n := len(m.values)
	for n > 0 && m.values[n-1] == nil {
		n--
	}
	m.values = m.values[:n]
}

// Indices returns the occupied indices in ascending order.
func (m *IndexedMap[K, V]) Indices() []int {
	out := make([]int, 0, len(m.index))
	for i, v := range m.values {
		if v != nil {
			out = append(out, i)
		}
	}
	return out
}
