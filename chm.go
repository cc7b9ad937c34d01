package chm

import (
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// helperConcurrency bounds how many background goroutines a single
// CreateNext spawns to proactively drain the table it just sized a
// successor for, so migration makes forward progress even when no caller
// is actively reading or writing the map (spec.md's cooperative-only
// migration still happens on top of this; these helpers only make it
// eager rather than purely reactive).
const helperConcurrency = 4

const (
	defaultDensity       = 0.5
	defaultInitialSize   = 16
	defaultMaxCASRetries = 100000
)

// Option configures a Map at construction, following the teacher's
// functional-options style (mapof.go's WithPresize/WithShrinkEnabled/
// WithKeyHasher family).
type Option[K comparable, V any] func(*config[K, V])

type config[K comparable, V any] struct {
	density       float64
	initialSize   int
	maxCASRetries int
	hasher        Hasher[K]
	keyEqual      Equal[K]
	valueEqual    Equal[V]
	keyManager    KeyManager[K]
	valueManager  ValueManager[V]
}

// WithDensity sets the target load factor used to size successor tables
// and the fullness threshold (spec.md §4.1's "density" parameter). Must be
// in (0, 1].
func WithDensity[K comparable, V any](d float64) Option[K, V] {
	return func(c *config[K, V]) { c.density = d }
}

// WithInitialSize sets the first table's approximate key capacity.
func WithInitialSize[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.initialSize = n }
}

// WithMaxCASRetries overrides the CAS retry ceiling (spec.md's
// "documented, bounded retry ceiling"; DESIGN.md resolves the open
// question of its default to 100000).
func WithMaxCASRetries[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.maxCASRetries = n }
}

// WithHasher overrides the key-hashing function.
func WithHasher[K comparable, V any](h Hasher[K]) Option[K, V] {
	return func(c *config[K, V]) { c.hasher = h }
}

// WithKeyEqual overrides key equality comparison.
func WithKeyEqual[K comparable, V any](eq Equal[K]) Option[K, V] {
	return func(c *config[K, V]) { c.keyEqual = eq }
}

// WithValueEqual overrides value equality comparison, used by
// PutIfMatch/DeleteIfMatch.
func WithValueEqual[K comparable, V any](eq Equal[V]) Option[K, V] {
	return func(c *config[K, V]) { c.valueEqual = eq }
}

// WithKeyManager installs a KeyManager for reference-counted keys.
func WithKeyManager[K comparable, V any](km KeyManager[K]) Option[K, V] {
	return func(c *config[K, V]) { c.keyManager = km }
}

// WithValueManager installs a ValueManager for reference-counted values.
func WithValueManager[K comparable, V any](vm ValueManager[V]) Option[K, V] {
	return func(c *config[K, V]) { c.valueManager = vm }
}

// Map is the lock-free associative container spec.md §2 describes: a
// generation chain of Tables reachable from head, reclaimed once every
// registered Guard has moved past them.
type Map[K comparable, V any] struct {
	head        atomic.Pointer[Table[K, V]]
	retiredHead atomic.Pointer[Table[K, V]]

	tableToDeleteNumber atomic.Int64
	genCounter          atomic.Int64

	guards *GuardManager
	stats  *Stats

	density       float64
	maxCASRetries int
	keyHash       Hasher[K]
	keyEqual      Equal[K]
	valueEqual    Equal[V]
	keyManager    KeyManager[K]
	valueManager  ValueManager[V]
}

// New constructs a Map, panicking with a ContractViolation if the supplied
// options are invalid. Every violated precondition is collected with
// github.com/hashicorp/go-multierror before panicking once with the
// aggregate, rather than failing fast on the first bad option — matching
// the teacher's own validate-then-apply option style (mapof.go's
// WithPresize), generalized from "panic on the first bad option" to
// "report everything wrong at once."
func New[K comparable, V any](opts ...Option[K, V]) *Map[K, V] {
	c := &config[K, V]{
		density:       defaultDensity,
		initialSize:   defaultInitialSize,
		maxCASRetries: defaultMaxCASRetries,
	}
	for _, opt := range opts {
		opt(c)
	}

	var errs *multierror.Error
	if c.density <= 0 || c.density > 1 {
		errs = multierror.Append(errs, errors.Errorf("density must be in (0, 1], got %v", c.density))
	}
	if c.initialSize < 1 {
		errs = multierror.Append(errs, errors.Errorf("initialSize must be >= 1, got %d", c.initialSize))
	}
	if c.maxCASRetries < 1 {
		errs = multierror.Append(errs, errors.Errorf("maxCASRetries must be >= 1, got %d", c.maxCASRetries))
	}
	if c.hasher == nil {
		errs = multierror.Append(errs, errors.Errorf("no Hasher configured: WithHasher is required for key type %T", *new(K)))
	}
	if errs != nil {
		violateErr(errs.ErrorOrNil())
	}
	if c.keyEqual == nil {
		c.keyEqual = func(a, b K) bool { return a == b }
	}
	if c.valueEqual == nil {
		var zero V
		c.valueEqual = defaultValueEqual[V](zero)
	}
	if c.keyManager == nil {
		c.keyManager = NoOpKeyManager[K]{}
	}
	if c.valueManager == nil {
		c.valueManager = NoOpValueManager[V]{}
	}

	m := &Map[K, V]{
		guards:        newGuardManager(),
		stats:         newStats(),
		density:       c.density,
		maxCASRetries: c.maxCASRetries,
		keyHash:       c.hasher,
		keyEqual:      c.keyEqual,
		valueEqual:    c.valueEqual,
		keyManager:    c.keyManager,
		valueManager:  c.valueManager,
	}
	m.tableToDeleteNumber.Store(noGeneration)
	first := newTable[K, V](m, c.initialSize, m.genCounter.Load())
	m.head.Store(first)
	return m
}

// defaultValueEqual compares values via their dynamic interface identity.
// Works for any comparable underlying V; callers whose V is a slice, map,
// or func type must supply WithValueEqual, since PutIfMatch/DeleteIfMatch
// would otherwise panic on an uncomparable-type interface comparison.
func defaultValueEqual[V any](V) Equal[V] {
	return func(a, b V) bool {
		return any(a) == any(b)
	}
}

// identity returns a stable identity for m, used as the map key in
// Registration's per-Map guard cache.
func (m *Map[K, V]) identity() uintptr {
	return uintptr(unsafe.Pointer(m))
}

func (m *Map[K, V]) armGuard(reg *Registration) *Guard {
	g := reg.guardFor(m.identity(), m.guards)
	for {
		h := m.head.Load()
		g.arm(h.generation)
		if m.head.Load() == h {
			return g
		}
	}
}

// Get looks up key, following the generation chain until the key's fate
// is resolved (spec.md §4.2's facade Get).
func (m *Map[K, V]) Get(reg *Registration, key K) (V, bool) {
	g := m.armGuard(reg)
	g.Ops.Inc()
	defer func() {
		g.disarm()
		m.tryToDelete()
	}()

	hash := m.keyHash(key)
	cur := m.head.Load()
	if cur.nextTable() != nil {
		cur.DoCopyTask(g)
	}

	for hops := 0; ; hops++ {
		if hops > maxChainHops {
			violate("Get crossed more than %d tables", maxChainHops)
		}
		value, found, mustContinue := cur.Get(g, key, hash)
		if found {
			return m.valueManager.ReadAndRef(value), true
		}
		if !mustContinue {
			var zero V
			return zero, false
		}
		nxt := cur.nextTable()
		if nxt == nil {
			var zero V
			return zero, false
		}
		cur = nxt
	}
}

// put is the shared facade body for every Put/Delete variant.
func (m *Map[K, V]) put(reg *Registration, key K, newVal *valueBox[V], cond Condition, old V) bool {
	g := m.armGuard(reg)
	g.Ops.Inc()
	defer func() {
		g.disarm()
		m.tryToDelete()
	}()

	hash := m.keyHash(key)
	cur := m.head.Load()
	if cur.nextTable() != nil {
		cur.DoCopyTask(g)
	}

	for hops := 0; ; hops++ {
		if hops > maxChainHops {
			violate("Put crossed more than %d tables", maxChainHops)
		}
		result, _ := cur.Put(g, key, hash, newVal, cond, old, true)
		switch result {
		case putSucceeded:
			return true
		case putFailed:
			return false
		default: // putFullTable
			nxt := cur.nextTable()
			if nxt == nil {
				nxt = cur.createNext()
			}
			cur.DoCopyTask(g)
			cur = nxt
		}
	}
}

// Put unconditionally installs value for key.
func (m *Map[K, V]) Put(reg *Registration, key K, value V) {
	m.put(reg, key, liveBox(m.valueManager.CloneAndRef(value)), CondAlways, *new(V))
}

// PutIfAbsent installs value only if key has no live value, returning
// whether the install happened.
func (m *Map[K, V]) PutIfAbsent(reg *Registration, key K, value V) bool {
	return m.put(reg, key, liveBox(m.valueManager.CloneAndRef(value)), CondIfAbsent, *new(V))
}

// PutIfExists installs value only if key currently has a live value.
func (m *Map[K, V]) PutIfExists(reg *Registration, key K, value V) bool {
	return m.put(reg, key, liveBox(m.valueManager.CloneAndRef(value)), CondIfExists, *new(V))
}

// PutIfMatch installs newValue only if key's current live value equals
// old (per the map's value Equal).
func (m *Map[K, V]) PutIfMatch(reg *Registration, key K, newValue V, old V) bool {
	return m.put(reg, key, liveBox(m.valueManager.CloneAndRef(newValue)), CondIfMatch, old)
}

// Delete removes key's value if one exists. Delete is Put(key, NONE,
// IF_EXISTS) in spec.md's terms; here NONE is represented structurally by
// noneBox rather than by a reserved V value (see DESIGN.md).
func (m *Map[K, V]) Delete(reg *Registration, key K) bool {
	return m.put(reg, key, noneBox[V](), CondIfExists, *new(V))
}

// DeleteIfMatch removes key's value only if it currently equals old.
func (m *Map[K, V]) DeleteIfMatch(reg *Registration, key K, old V) bool {
	return m.put(reg, key, noneBox[V](), CondIfMatch, old)
}

// runMigrationHelpers eagerly drains src's copy chunks using a bounded
// worker pool, via golang.org/x/sync/errgroup's SetLimit rather than an ad
// hoc goroutine+WaitGroup fan-out (see SPEC_FULL.md's domain-stack table).
// Runs until src is fully copied or no longer head; harmless if
// cooperative per-operation assists finish the job first.
func (m *Map[K, V]) runMigrationHelpers(src *Table[K, V]) {
	var eg errgroup.Group
	eg.SetLimit(helperConcurrency)
	n := int64(len(src.slots))

	for i := 0; i < helperConcurrency; i++ {
		eg.Go(func() error {
			reg := m.Register()
			defer reg.Close()
			g := reg.guardFor(m.identity(), m.guards)
			g.arm(src.generation)
			defer g.disarm()

			for m.head.Load() == src && src.copyProgress.Load() < n {
				src.DoCopyTask(g)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// Size performs the O(n) live-entry walk spec.md §4.2 specifies. Under
// concurrent migration a key may be transiently visible in both its old
// and new table, so Size (like Get/Put chain-walks) is not linearizable
// across keys — consistent with the explicit non-goal.
func (m *Map[K, V]) Size(reg *Registration) int {
	g := m.armGuard(reg)
	defer func() {
		g.disarm()
		m.tryToDelete()
	}()

	count := 0
	for cur := m.head.Load(); cur != nil; cur = cur.nextTable() {
		for i := range cur.slots {
			b := cur.slots[i].value.Load()
			if b != nil && b.state == stateLive {
				count++
			}
		}
	}
	return count
}

// Clone returns a new Map with the same configuration, populated by
// registering as a reader of m and PutIfAbsent-ing every live entry into a
// fresh table (original_source/lfht.h's copy-constructor semantics,
// SPEC_FULL.md §4). Concurrent writers to m during the clone are not
// synchronized against — the result reflects whatever each key's value was
// at the moment Clone's iterator visited it.
func (m *Map[K, V]) Clone() *Map[K, V] {
	clone := &Map[K, V]{
		guards:        newGuardManager(),
		stats:         newStats(),
		density:       m.density,
		maxCASRetries: m.maxCASRetries,
		keyHash:       m.keyHash,
		keyEqual:      m.keyEqual,
		valueEqual:    m.valueEqual,
		keyManager:    m.keyManager,
		valueManager:  m.valueManager,
	}
	clone.tableToDeleteNumber.Store(noGeneration)
	clone.head.Store(newTable[K, V](clone, defaultInitialSize, clone.genCounter.Load()))

	srcReg := m.Register()
	defer srcReg.Close()
	dstReg := clone.Register()
	defer dstReg.Close()

	it := m.Iterate(srcReg)
	defer it.Close()
	for it.Next() {
		clone.PutIfAbsent(dstReg, it.Key(), it.Value())
	}
	return clone
}
