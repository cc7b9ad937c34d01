package chm

import (
	"math"
	"sync"

	"go.uber.org/atomic"
)

// maxChainHops bounds how many successor tables a single facade operation
// will cross before treating the chain as broken (spec.md §4.2 step 3:
// "the request may cross at most some bounded number of tables in a
// single operation; exceeding that bound is a bug").
const maxChainHops = 64

// Table is a fixed-capacity, open-addressed probing array: the core slot
// protocol spec.md §4.1 describes. Grounded on the teacher's bucketOf/
// mapOfTable split (mapof.go) — the guard against concurrent successor
// creation and the resize-state bookkeeping are adapted from there to a
// per-slot rather than
// per-bucket-chain design (see DESIGN.md).
type Table[K comparable, V any] struct {
	owner *Map[K, V]
	slots []Entry[K, V]
	mask  uint64

	// minProbe tracks the smallest "remaining probe distance" observed
	// across all successful lookups so far; it only ever decreases
	// (spec.md §4.1 fullness detection).
	minProbe atomic.Int64
	full     atomic.Bool

	// copyProgress is the number of slots claimed by DoCopyTask so far,
	// monotonically advancing toward len(slots).
	copyProgress  atomic.Int64
	copyChunkSize int

	// creationMu serializes CreateNext; analogous to the teacher's
	// bucketOf meta-byte spinlock but implemented as a plain mutex since
	// successor allocation happens at most once per table, never on the
	// hot path (see DESIGN.md).
	creationMu sync.Mutex
	next       atomic.Pointer[Table[K, V]]

	// nextToDelete links this table into the facade's retired list once
	// it has been unlinked from head.
	nextToDelete atomic.Pointer[Table[K, V]]

	generation int64
	upperBound int64
}

func newTable[K comparable, V any](owner *Map[K, V], size int, generation int64) *Table[K, V] {
	if size < 1 {
		size = 1
	}
	size = nextPowerOfTwo(size)
	t := &Table[K, V]{
		owner:      owner,
		slots:      make([]Entry[K, V], size),
		mask:       uint64(size - 1),
		generation: generation,
	}
	t.minProbe.Store(int64(size))
	t.upperBound = int64(math.Ceil(math.Min(0.7, 2*owner.density) * float64(size)))
	if t.upperBound < 1 {
		t.upperBound = 1
	}
	return t
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (t *Table[K, V]) nextTable() *Table[K, V] {
	return t.next.Load()
}

// lookUp performs the linear probe spec.md §4.1 describes. If an equal key
// is found, it returns its slot index and exists=true. Otherwise it
// returns the first NONE slot encountered (idx, false) so the caller may
// install into it. If the probe exhausts the table without finding either,
// it marks the table full and returns (-1, false) — FULL_TABLE.
//
// checkFull enables the fullness bookkeeping side effects (minProbe update,
// full flag); Get uses checkFull=false since pure reads should not pay for
// (or trigger) fullness accounting (spec.md: "LookUp<CheckFull=false>").
func (t *Table[K, V]) lookUp(key K, hash uint64, checkFull bool) (idx int, exists bool) {
	n := len(t.slots)
	start := int(hash & t.mask)
	for i := 0; i < n; i++ {
		cur := (start + i) & int(t.mask)
		kp := t.slots[cur].key.Load()
		if kp == nil {
			if checkFull {
				t.observeProbe(i)
			}
			return cur, false
		}
		if t.owner.keyEqual(*kp, key) {
			return cur, true
		}
	}
	if checkFull {
		t.full.Store(true)
	}
	return -1, false
}

// observeProbe records that a lookup needed `steps` probes before hitting
// an empty slot. Fullness is only re-evaluated by whichever caller wins the
// CAS that records a new probe-distance minimum — not on every probe — and
// the test is the approximate installed-key count alone against the
// table's upper bound (spec.md §4.1; original_source/table.h:420-431).
func (t *Table[K, V]) observeProbe(steps int) {
	remaining := int64(len(t.slots) - steps)
	for {
		cur := t.minProbe.Load()
		if remaining >= cur {
			return
		}
		if t.minProbe.CompareAndSwap(cur, remaining) {
			if t.owner.guards.approxInstalledKeys() >= t.upperBound {
				t.full.Store(true)
			}
			return
		}
	}
}

// IsFull reports whether fullness has been detected. Monotone: never
// cleared once set (spec.md §4.1).
func (t *Table[K, V]) IsFull() bool {
	return t.full.Load()
}

// getOutcome classifies the result of resolving one slot's value.
type getOutcome uint8

const (
	getAbsent getOutcome = iota
	getFound
	getMustContinue
)

// getEntry is spec.md's GetEntry: if the slot is mid-migration, assist the
// copy first, then classify the (now terminal-or-live) value.
func (t *Table[K, V]) getEntry(g *Guard, idx int) (V, getOutcome) {
	b := t.slots[idx].value.Load()
	if isCopying(b) {
		t.copySlot(g, idx, b)
		b = t.slots[idx].value.Load()
	}
	switch {
	case b == nil, b.state == stateNone:
		var zero V
		return zero, getAbsent
	case b.state == stateCopied, b.state == stateDeleted:
		var zero V
		return zero, getMustContinue
	default:
		return b.val, getFound
	}
}

// Get implements spec.md §4.1's Get primitive.
func (t *Table[K, V]) Get(g *Guard, key K, hash uint64) (value V, found bool, mustContinue bool) {
	idx, exists := t.lookUp(key, hash, false)
	if !exists {
		// A miss in a full table is inconclusive — the key may have
		// already migrated to the successor. A miss in a table that
		// still has room is conclusive: the key was never here.
		var zero V
		return zero, false, t.IsFull()
	}
	v, outcome := t.getEntry(g, idx)
	switch outcome {
	case getFound:
		return v, true, false
	case getMustContinue:
		var zero V
		return zero, false, true
	default:
		var zero V
		return zero, false, false
	}
}

// Put implements spec.md §4.1's Put primitive: FetchEntry (key install,
// retrying on a lost key-install race) followed by PutEntry (the value
// CAS). Returns FULL_TABLE if the probe limit was exceeded, the fullness
// flag is already set, or the located slot has the COPYING bit
// (original_source/table.h:623: "if (IsFull()) { Copy(entry); return
// FULL_TABLE; }") — once a table is full, every Put assists the slot it
// would have used and defers to the successor rather than writing here.
func (t *Table[K, V]) Put(g *Guard, key K, hash uint64, newVal *valueBox[V], cond Condition, old V, updateAlive bool) (putResult, bool) {
	for attempt := 0; ; attempt++ {
		assertRetries(attempt, t.owner.maxCASRetries, "Table.Put")

		idx, exists := t.lookUp(key, hash, true)
		if idx < 0 {
			return putFullTable, false
		}

		if t.IsFull() {
			t.copySlot(g, idx, t.slots[idx].value.Load())
			return putFullTable, false
		}

		if !exists {
			if !cond.permitsInsertOnAbsent() {
				return putFailed, false
			}
			installed := t.owner.keyManager.CloneAndRef(key)
			if !t.slots[idx].key.CompareAndSwap(nil, &installed) {
				// Lost the install race; someone else claimed this slot
				// (for this key or another that probes the same way).
				// Re-run the whole lookup.
				continue
			}
			if updateAlive {
				g.addInstalled(1)
			}
		}

		return t.putEntry(g, idx, newVal, cond, old, updateAlive)
	}
}

// putEntry is spec.md §4.1's PutEntry: evaluate the condition against the
// slot's current pure state and CAS the value if it matches.
func (t *Table[K, V]) putEntry(g *Guard, idx int, newVal *valueBox[V], cond Condition, old V, updateAlive bool) (putResult, bool) {
	for attempt := 0; ; attempt++ {
		assertRetries(attempt, t.owner.maxCASRetries, "Table.putEntry")

		b := t.slots[idx].value.Load()
		if isCopying(b) {
			t.copySlot(g, idx, b)
			return putFullTable, false
		}
		if isTerminal(b) {
			return putFullTable, false
		}

		matched := false
		switch cond {
		case CondAlways:
			matched = true
		case CondIfAbsent:
			matched = b == nil || b.state == stateNone
		case condCopying:
			matched = b == nil
		case CondIfExists:
			matched = b != nil && b.state == stateLive
		case CondIfMatch:
			matched = b != nil && b.state == stateLive && t.owner.valueEqual(b.val, old)
		}
		if !matched {
			return putFailed, false
		}

		if !t.slots[idx].value.CompareAndSwap(b, newVal) {
			continue
		}

		if updateAlive {
			wasAbsent := b == nil || b.state == stateNone
			isAbsent := newVal.state != stateLive
			switch {
			case wasAbsent && !isAbsent:
				g.addAlive(1)
			case !wasAbsent && isAbsent:
				g.addAlive(-1)
			}
		}
		if b != nil && b.state == stateLive {
			t.owner.valueManager.UnRef(b.val, 1)
		}
		return putSucceeded, true
	}
}

// copySlot is spec.md §4.1's single-slot Copy assist.
func (t *Table[K, V]) copySlot(g *Guard, idx int, loaded *valueBox[V]) {
	b := loaded
	for !isCopying(b) {
		if b == nil {
			if t.slots[idx].value.CompareAndSwap(nil, copiedBox[V]()) {
				return
			}
			b = t.slots[idx].value.Load()
			continue
		}
		marked := asCopying(b)
		if t.slots[idx].value.CompareAndSwap(b, marked) {
			b = marked
			break
		}
		b = t.slots[idx].value.Load()
	}
	switch b.state {
	case stateDeleted, stateCopied:
		return
	case stateNone:
		t.slots[idx].value.CompareAndSwap(b, deletedBox[V]())
		return
	default: // stateLive
		keyPtr := t.slots[idx].key.Load()
		if keyPtr == nil {
			return
		}
		key := *keyPtr
		hash := t.owner.keyHash(key)

		dest := t.nextTable()
		if dest == nil {
			dest = t.createNext()
		}
		for attempt := 0; ; attempt++ {
			assertRetries(attempt, t.owner.maxCASRetries, "Table.Copy")
			result, _ := dest.Put(g, key, hash, liveBox(b.val), condCopying, *new(V), false)
			if result == putSucceeded || result == putFailed {
				t.slots[idx].value.CompareAndSwap(b, copiedBox[V]())
				return
			}
			nxt := dest.nextTable()
			if nxt == nil {
				nxt = dest.createNext()
			}
			dest = nxt
		}
	}
}

// CreateNext allocates this table's successor, guarded by creationMu so
// only one caller performs the allocation (spec.md §4.1 CreateNext).
func (t *Table[K, V]) createNext() *Table[K, V] {
	if existing := t.next.Load(); existing != nil {
		return existing
	}
	t.creationMu.Lock()
	defer t.creationMu.Unlock()
	if existing := t.next.Load(); existing != nil {
		return existing
	}

	aliveTotal := t.owner.guards.approxAlive()
	if aliveTotal < 1 {
		aliveTotal = 1
	}
	nextSize := nextPowerOfTwo(int(math.Ceil(float64(aliveTotal) / t.owner.density)))

	gen := t.owner.genCounter.Add(1)
	nt := newTable[K, V](t.owner, nextSize, gen)

	n := len(t.slots)
	logTerm := math.Ceil(math.Log2(float64(max(n, 2)))) + 1
	densityTerm := 2 * float64(n) / (t.owner.density*float64(nextSize) + 1)
	chunk := int(math.Ceil(math.Max(logTerm, densityTerm)))
	if chunk < 1 {
		chunk = 1
	}
	t.copyChunkSize = chunk

	t.owner.guards.resetInstalledKeys()
	t.next.Store(nt)
	t.owner.stats.tablesCreated.Inc()
	go t.owner.runMigrationHelpers(t)
	return nt
}

// DoCopyTask is spec.md §4.1's distributed copy step: if this table is
// head and not yet fully copied, claim a chunk of its slots and migrate
// them. CreateNext also launches a pool of background callers of this
// same method (Map.runMigrationHelpers) so migration is not purely
// reactive to caller traffic.
func (t *Table[K, V]) DoCopyTask(g *Guard) {
	if t.owner.head.Load() != t {
		return
	}
	n := int64(len(t.slots))
	if t.copyProgress.Load() >= n {
		if !t.owner.guards.anyForbidsReclaim(t.generation) {
			t.PrepareToDelete()
		}
		return
	}

	g.forbidReclaim.Store(true)
	defer g.forbidReclaim.Store(false)

	if t.owner.head.Load() != t {
		return
	}

	chunk := int64(t.copyChunkSize)
	if chunk < 1 {
		chunk = 1
	}
	start := t.copyProgress.Add(chunk) - chunk
	finish := start + chunk
	if finish > n {
		finish = n
	}
	for i := start; i < finish; i++ {
		b := t.slots[i].value.Load()
		t.copySlot(g, int(i), b)
	}

	if t.copyProgress.Load() >= n && !t.owner.guards.anyForbidsReclaim(t.generation) {
		t.PrepareToDelete()
	}
}

// PrepareToDelete unlinks this table from head once its successor exists,
// pushing it onto the retired list (spec.md §4.2).
func (t *Table[K, V]) PrepareToDelete() {
	nt := t.next.Load()
	if nt == nil {
		return
	}
	if !t.owner.head.CompareAndSwap(t, nt) {
		return
	}
	t.owner.stats.tablesRetired.Inc()
	t.owner.pushRetired(t)
}
