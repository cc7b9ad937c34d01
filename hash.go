package chm

import (
	"github.com/cespare/xxhash/v2"
)

// Hasher computes a machine-word hash for a key. Callers are expected to
// supply one at construction (spec.md §6: "A hash function h: K → machine
// word" is an external collaborator) — the default below only covers the
// common string-keyed case, grounded on cespare/xxhash/v2 rather than
// reaching into the Go runtime's private map-hash internals the way the
// teacher's defaultHasherUsingBuiltIn does (see DESIGN.md).
type Hasher[K comparable] func(key K) uint64

// Equal reports whether two keys (or two values) are equal.
type Equal[T any] func(a, b T) bool

// StringHasher hashes string keys with xxhash.
func StringHasher(s string) uint64 {
	return xxhash.Sum64String(s)
}

// KeyManager is an optional lifecycle capability for keys, mirroring
// original_source/managers.h's manager split (SPEC_FULL.md §4). The default,
// NoOpKeyManager, treats K as trivially copyable and does no reference
// counting at all.
type KeyManager[K any] interface {
	// CloneAndRef returns a copy of k suitable for storing in a slot,
	// incrementing any external reference count the manager tracks.
	CloneAndRef(k K) K
	// UnRef releases n references previously acquired by CloneAndRef.
	UnRef(k K, n int)
}

// ValueManager is KeyManager's value-side counterpart, with ReadAndRef for
// the read path (spec.md §6: "ReadAndRef (an atomic-read + reference
// increment)").
type ValueManager[V any] interface {
	CloneAndRef(v V) V
	ReadAndRef(v V) V
	UnRef(v V, n int)
}

// NoOpKeyManager is the default KeyManager: K is treated as trivially
// copyable and no reference counting occurs.
type NoOpKeyManager[K any] struct{}

func (NoOpKeyManager[K]) CloneAndRef(k K) K { return k }
func (NoOpKeyManager[K]) UnRef(K, int)      {}

// NoOpValueManager is the default ValueManager.
type NoOpValueManager[V any] struct{}

func (NoOpValueManager[V]) CloneAndRef(v V) V { return v }
func (NoOpValueManager[V]) ReadAndRef(v V) V  { return v }
func (NoOpValueManager[V]) UnRef(V, int)      {}

// WithStringKeys configures a Map[string, V] with the xxhash-backed
// default Hasher, for the common case of not wanting to write one by hand.
// There is no []byte-keyed counterpart: []byte does not satisfy
// comparable, so Map[[]byte, V] cannot be instantiated at all.
func WithStringKeys[V any]() Option[string, V] {
	return WithHasher[string, V](StringHasher)
}
