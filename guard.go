package chm

import (
	"sync"

	"go.uber.org/atomic"
)

// noGeneration is the sentinel guarded-generation value meaning "this guard
// is not currently protecting any table" (spec.md's NO_TABLE).
const noGeneration int64 = -1

// Guard is a per-thread token publishing the oldest table generation the
// owning thread may still dereference (spec.md §3/§5). Guards are not
// created per Get/Put call: one Guard is allocated per (Registration, Map)
// pair and reused for the registration's whole lifetime, its guarded
// generation updated as operations move across the generation chain —
// "one thread operating on many tables uses one guard per table" (spec.md
// §2 item 5) is satisfied at the Registration level, keyed by *Map identity,
// not per physical Table generation within one chain (see DESIGN.md).
//
// Fields use go.uber.org/atomic rather than sync/atomic directly, grounded
// on the retrieved pack's use of that library (inngest-inngest, vendored in
// OpenBazaar-openbazaar-go) — functionally identical to sync/atomic's
// generic wrappers, used here for variety consistent with "use as many
// third-party deps as the examples carry."
type Guard struct {
	// owner is a unique non-zero token identifying the Registration that
	// currently holds this guard, or 0 if the guard is free for reuse.
	// Doubles as the ownership proof and free marker (spec.md's "owning
	// thread id ... -1 when free"; 0 plays that role here since tokens
	// are allocated starting at 1).
	owner atomic.Uint64

	// guardedGeneration is the generation this guard currently protects,
	// or noGeneration between operations.
	guardedGeneration atomic.Int64

	// forbidReclaim pins the current head against TryToDelete while a
	// copy task this guard's thread is running holds a reference to it
	// (spec.md §4.1 DoCopyTask / §5 "reclamation safety").
	forbidReclaim atomic.Bool

	// Approximate counters (spec.md I6: heuristic inputs only, may be
	// transiently stale). aliveDelta is a running total never reset by
	// arm/disarm, approximating the whole map's live-entry count
	// (original's TotalAliveCnt, table.h:490). installedDelta tracks keys
	// installed since the last CreateNext and is zeroed across every
	// guard by GuardManager.resetInstalledKeys when a new table is minted
	// (original's ZeroKeyCnt, table.h:492), not per-guard on arm.
	aliveDelta     atomic.Int64
	installedDelta atomic.Int64
	// Ops counts operations this guard has performed across its whole
	// lifetime (SPEC_FULL.md §4's carried "operations-performed" counter
	// from original_source/guards.cpp). It is not included in Map.Stats()'s
	// Snapshot.
	Ops atomic.Uint64

	//lint:ignore U1000 prevents false sharing between adjacent guards
	_pad [cacheLineSize]byte
}

// arm records that this guard now protects generation gen. Arming does not
// touch the approximate counters: guardedGeneration is parked at
// noGeneration between every operation (see disarm), so treating every
// re-arm as a generation advance would zero the counters on every single
// Get/Put rather than once per CreateNext.
func (g *Guard) arm(gen int64) {
	g.guardedGeneration.Store(gen)
}

// disarm clears the guarded generation, the last step of every facade
// operation (spec.md §4.2 step 4: "On exit, clear the guarded generation").
func (g *Guard) disarm() {
	g.guardedGeneration.Store(noGeneration)
}

func (g *Guard) addAlive(delta int64) {
	if delta != 0 {
		g.aliveDelta.Add(delta)
	}
}

func (g *Guard) addInstalled(delta int64) {
	if delta != 0 {
		g.installedDelta.Add(delta)
	}
}

// GuardManager is the intrusive list of every Guard ever allocated by a
// Map, used to compute the minimum guarded generation (the reclamation
// watermark) and to aggregate the approximate alive/installed counters
// used by fullness detection and successor sizing (spec.md §2 item 4).
//
// The list is append-only; a Guard is never removed, only marked free
// (owner == 0) for a future Registration to reclaim. This mirrors the
// teacher's striped-counter pattern (mapof.go's table.size
// []counterStripe) generalized from "one stripe per bucket-group" to "one
// stripe per thread" — each Guard *is* a stripe.
type GuardManager struct {
	mu       sync.Mutex // guards the rare append path only
	guards   atomic.Pointer[[]*Guard]
	nextToken atomic.Uint64
}

func newGuardManager() *GuardManager {
	gm := &GuardManager{}
	empty := make([]*Guard, 0)
	gm.guards.Store(&empty)
	return gm
}

// acquire claims a free Guard (or allocates a new one) for the given
// registration token, which must be non-zero.
func (gm *GuardManager) acquire(token uint64) *Guard {
	for {
		snap := *gm.guards.Load()
		for _, g := range snap {
			if g.owner.CompareAndSwap(0, token) {
				g.guardedGeneration.Store(noGeneration)
				return g
			}
		}

		gm.mu.Lock()
		// Re-check under the lock: another goroutine may have grown the
		// slice (or freed a guard) while we were scanning.
		snap = *gm.guards.Load()
		for _, g := range snap {
			if g.owner.CompareAndSwap(0, token) {
				gm.mu.Unlock()
				g.guardedGeneration.Store(noGeneration)
				return g
			}
		}
		g := &Guard{}
		g.guardedGeneration.Store(noGeneration)
		g.owner.Store(token)
		grown := make([]*Guard, len(snap)+1)
		copy(grown, snap)
		grown[len(snap)] = g
		gm.guards.Store(&grown)
		gm.mu.Unlock()
		return g
	}
}

// release returns g to the free pool. The caller must not use g again.
// aliveDelta/installedDelta are left untouched: they are summed globally
// across every guard ever allocated, owned or free (approxAlive/
// approxInstalledKeys), and
// zeroing them here would silently undercount that total the moment a
// registration closes, rather than only at the points (CreateNext) that
// approximation is actually supposed to reset at.
func (gm *GuardManager) release(g *Guard) {
	g.guardedGeneration.Store(noGeneration)
	g.forbidReclaim.Store(false)
	g.owner.Store(0)
}

// newToken returns a fresh, never-zero registration token.
func (gm *GuardManager) newToken() uint64 {
	return gm.nextToken.Add(1)
}

// firstGuardedGeneration returns the minimum guardedGeneration among
// currently-owned guards, or noGeneration if none are active. This is the
// strict lower bound on generations that may still be freed (spec.md
// invariant I4/I5).
func (gm *GuardManager) firstGuardedGeneration() int64 {
	min := int64(-1)
	found := false
	for _, g := range *gm.guards.Load() {
		if g.owner.Load() == 0 {
			continue
		}
		gen := g.guardedGeneration.Load()
		if gen == noGeneration {
			continue
		}
		if !found || gen < min {
			min = gen
			found = true
		}
	}
	if !found {
		return noGeneration
	}
	return min
}

// approxInstalledKeys sums installedDelta across every guard ever
// allocated by this manager — the "GuardManager's approximate total
// installed-key count" spec.md §4.1's fullness check folds into the
// upper-key-count bound for whichever table is being probed. This is a
// true global total, not filtered by current ownership: a guard's
// contribution must not vanish from the sum just because its registration
// has since closed (the original's TotalKeyCnt, guards.h, is a plain
// global counter with the same property). Counts since the last
// CreateNext; see resetInstalledKeys.
func (gm *GuardManager) approxInstalledKeys() int64 {
	var sum int64
	for _, g := range *gm.guards.Load() {
		sum += g.installedDelta.Load()
	}
	return sum
}

// approxAlive sums aliveDelta across every guard ever allocated by this
// manager — the whole map's approximate live-entry count (original's
// TotalAliveCnt, table.h:490), used by CreateNext to size the successor
// table. Like approxInstalledKeys, this does not filter by current
// ownership: aliveDelta is never reset, so a closed registration's past
// contribution must keep counting.
func (gm *GuardManager) approxAlive() int64 {
	var sum int64
	for _, g := range *gm.guards.Load() {
		sum += g.aliveDelta.Load()
	}
	return sum
}

// resetInstalledKeys zeroes every guard's installed-key delta. Called once
// per CreateNext so the freshly minted table's fullness tracking starts
// from zero (original's ZeroKeyCnt, table.h:492) without disturbing
// aliveDelta, which is never reset.
func (gm *GuardManager) resetInstalledKeys() {
	for _, g := range *gm.guards.Load() {
		g.installedDelta.Store(0)
	}
}

// anyForbidsReclaim reports whether any guard currently armed on gen has
// set forbidReclaim, pinning gen's table against TryToDelete
// (spec.md §4.1 "CanPrepareToDelete").
func (gm *GuardManager) anyForbidsReclaim(gen int64) bool {
	for _, g := range *gm.guards.Load() {
		if g.guardedGeneration.Load() == gen && g.forbidReclaim.Load() {
			return true
		}
	}
	return false
}
