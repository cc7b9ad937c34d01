package chm

// Iterator is the single-threaded snapshot walk spec.md §4.3 describes:
// it keeps the Registration's Guard for this map armed for the duration of
// the walk (pinning the generation chain against reclamation; another
// operation through the same Registration disarms it) and visits every live slot
// reachable from the table it started at, skipping slots whose value is
// BABY, NONE, DELETED, or mid-COPYING (letting the owning table's own
// traffic resolve those). Keys seen via a table that has already started
// migrating may also be visible again through its successor; Iterator
// does not deduplicate across tables, matching Size's and Get/Put's
// explicit non-goal of cross-table linearizability.
type Iterator[K comparable, V any] struct {
	m   *Map[K, V]
	reg *Registration
	g   *Guard

	cur  *Table[K, V]
	slot int

	key   K
	value V
	done  bool
}

// Iterate begins a snapshot walk from the map's current head. The
// returned Iterator must be Closed once the caller is done with it,
// typically via defer.
func (m *Map[K, V]) Iterate(reg *Registration) *Iterator[K, V] {
	g := m.armGuard(reg)
	it := &Iterator[K, V]{
		m:    m,
		reg:  reg,
		g:    g,
		cur:  m.head.Load(),
		slot: -1,
	}
	return it
}

// Next advances to the next live entry, returning false once the walk is
// exhausted.
func (it *Iterator[K, V]) Next() bool {
	if it.done {
		return false
	}
	for it.cur != nil {
		it.slot++
		if it.slot >= len(it.cur.slots) {
			it.cur = it.cur.nextTable()
			it.slot = -1
			continue
		}
		kp := it.cur.slots[it.slot].key.Load()
		if kp == nil {
			continue
		}
		b := it.cur.slots[it.slot].value.Load()
		if b == nil || isCopying(b) || b.state != stateLive {
			continue
		}
		it.key = *kp
		it.value = b.val
		return true
	}
	it.done = true
	return false
}

// Key returns the current entry's key. Valid only after a Next call that
// returned true.
func (it *Iterator[K, V]) Key() K { return it.key }

// Value returns the current entry's value. Valid only after a Next call
// that returned true.
func (it *Iterator[K, V]) Value() V { return it.value }

// Close releases the Iterator's Guard, making the tables it was pinning
// eligible for reclamation again.
func (it *Iterator[K, V]) Close() {
	if it.done && it.g == nil {
		return
	}
	it.g.disarm()
	it.m.tryToDelete()
	it.g = nil
	it.done = true
}
