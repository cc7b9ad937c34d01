package chm

import "sync/atomic"

// stateTag classifies the reserved codepoints a value slot can hold, plus
// the one non-reserved "live" tag (spec.md §3's sentinel encoding).
type stateTag uint8

const (
	// stateNone is the user-visible "value absent" state, reachable by
	// deletion. Distinct from the slot's zero value (BABY, represented
	// below by a nil *valueBox) because a key that was put and then
	// deleted must still evict a BABY-state probe target.
	stateNone stateTag = iota
	// stateDeleted is the migration tombstone: the key was alive but has
	// been erased; successor tables need not carry it.
	stateDeleted
	// stateCopied is terminal within a table: the slot's information has
	// moved to the successor and every further access must follow the
	// chain.
	stateCopied
	// stateLive marks a box holding a user value.
	stateLive
)

func (s stateTag) String() string {
	switch s {
	case stateNone:
		return "NONE"
	case stateDeleted:
		return "DELETED"
	case stateCopied:
		return "COPIED"
	case stateLive:
		return "LIVE"
	default:
		return "BABY"
	}
}

// valueBox is the value domain's representation of one slot's current
// contents. A nil *valueBox is the BABY sentinel: the slot's initial state,
// never written by a user. Every other state — NONE, DELETED, COPIED, or a
// live value — is represented by a box.
//
// COPYING is not a stolen pointer bit (spec.md §3 describes the C++ source
// stealing a bit from the canonical address or the integer's top bit; Go's
// precise GC forbids tagging heap pointers it didn't allocate, and V here is
// a generic type parameter, not a fixed machine word). Instead `copying` is
// a field on the box itself: entering the COPYING state is a CAS that swaps
// the old box for a new box carrying the same state/value with `copying`
// set, which keeps every transition a single pointer CAS. See DESIGN.md.
type valueBox[V any] struct {
	state   stateTag
	copying bool
	val     V
}

func liveBox[V any](v V) *valueBox[V] {
	return &valueBox[V]{state: stateLive, val: v}
}

func noneBox[V any]() *valueBox[V] {
	return &valueBox[V]{state: stateNone}
}

func deletedBox[V any]() *valueBox[V] {
	return &valueBox[V]{state: stateDeleted}
}

func copiedBox[V any]() *valueBox[V] {
	return &valueBox[V]{state: stateCopied}
}

// isCopying reports whether b currently has the COPYING flag set. A BABY
// slot (nil box) is never copying on its own; a migrator CASes it straight
// to COPIED (see Table.copySlot).
func isCopying[V any](b *valueBox[V]) bool {
	return b != nil && b.copying
}

// isTerminal reports whether accessing b must fall through to the
// successor table rather than being answered locally.
func isTerminal[V any](b *valueBox[V]) bool {
	return b != nil && (b.state == stateCopied || b.state == stateDeleted)
}

// asCopying returns a new box identical to b but with the COPYING flag set,
// for use as the "new" value in a CAS that marks b being migrated.
func asCopying[V any](b *valueBox[V]) *valueBox[V] {
	cp := *b
	cp.copying = true
	return &cp
}

// Condition selects how Table.Put decides whether to install a new value.
type Condition uint8

const (
	// CondAlways installs unconditionally.
	CondAlways Condition = iota
	// CondIfAbsent installs only if the prior state was BABY or NONE.
	CondIfAbsent
	// CondIfExists installs only if the prior state held a live value.
	CondIfExists
	// CondIfMatch installs only if the prior state held a live value
	// equal (per the map's Equal[V], supplied alongside the condition)
	// to the caller-supplied "old" value.
	CondIfMatch
	// condCopying is reserved for the migrator: it matches only when the
	// slot's current value is BABY (never written by a user).
	condCopying
)

func (c Condition) permitsInsertOnAbsent() bool {
	return c == CondAlways || c == CondIfAbsent || c == condCopying
}

func (c Condition) requiresExistingKey() bool {
	return c == CondIfExists || c == CondIfMatch
}

// putResult is the outcome of a single-table Put attempt.
type putResult uint8

const (
	putSucceeded putResult = iota
	putFailed
	putFullTable
)

// Entry is one (key, value) slot in a Table. The key half is a plain
// atomic pointer: nil means NONE (the only reserved key codepoint, per
// spec.md §3 — the "tombstone key codepoint" some source revisions carried
// is dropped, see DESIGN.md). Once a non-nil key is installed it is never
// mutated (spec.md invariant I2); only the value half transitions through
// the state lattice.
type Entry[K comparable, V any] struct {
	key   atomic.Pointer[K]
	value atomic.Pointer[valueBox[V]]
}
