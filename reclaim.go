package chm

// pushRetired links t onto the facade's retired list (spec.md §4.2's
// "push this table onto the retired list via its next-to-delete link using
// a CAS loop"). Retirements are naturally ordered: a table can only be
// unlinked once it is head, and it can only become head by being some
// other table's successor that has just itself been unlinked, so
// tableToDeleteNumber only ever advances. The number is recorded before t
// becomes reachable from retiredHead, so tryToDelete never sees t with an
// older number.
func (m *Map[K, V]) pushRetired(t *Table[K, V]) {
	m.tableToDeleteNumber.Store(t.generation)
	for {
		head := m.retiredHead.Load()
		t.nextToDelete.Store(head)
		if m.retiredHead.CompareAndSwap(head, t) {
			return
		}
	}
}

// relinkRetired reattaches a popped snapshot chain (head..tail) back onto
// the front of the retired list, used when TryToDelete discovers the ABA
// hazard spec.md §4.2 calls out: head moved between the snapshot CAS and
// the safety re-check, so the snapshot cannot be freed yet.
func (m *Map[K, V]) relinkRetired(snapshotHead *Table[K, V]) {
	tail := snapshotHead
	for tail.nextToDelete.Load() != nil {
		tail = tail.nextToDelete.Load()
	}
	for {
		cur := m.retiredHead.Load()
		tail.nextToDelete.Store(cur)
		if m.retiredHead.CompareAndSwap(cur, snapshotHead) {
			return
		}
	}
}

// tryToDelete is spec.md §4.2's TryToDelete: pop the whole retired
// snapshot and free it once every table in it is older than every active
// guard's watermark (I5), re-checking head identity to guard against the
// ABA hazard of a table being retired and a new one retired again between
// the snapshot read and the free.
func (m *Map[K, V]) tryToDelete() {
	retired := m.retiredHead.Load()
	if retired == nil {
		return
	}

	minG := m.guards.firstGuardedGeneration()
	tdn := m.tableToDeleteNumber.Load()
	if minG != noGeneration && tdn >= minG {
		return
	}

	oldHead := m.head.Load()
	if !m.retiredHead.CompareAndSwap(retired, nil) {
		return
	}

	if m.head.Load() != oldHead {
		m.relinkRetired(retired)
		return
	}

	for cur := retired; cur != nil; {
		nxt := cur.nextToDelete.Load()
		m.stats.tablesDeleted.Inc()
		cur = nxt
	}
}
