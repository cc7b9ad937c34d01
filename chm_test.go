package chm

import (
	"sync"
	"testing"
)

func newIntMap(t *testing.T, opts ...Option[int, int]) *Map[int, int] {
	t.Helper()
	base := []Option[int, int]{
		WithHasher[int, int](func(k int) uint64 { return uint64(k) }),
	}
	return New[int, int](append(base, opts...)...)
}

// S1: a handful of sequential puts followed by gets and a Size call.
func TestSequentialPutGetSize(t *testing.T) {
	m := newIntMap(t, WithInitialSize[int, int](1), WithDensity[int, int](0.5))
	reg := m.Register()
	defer reg.Close()

	keys := []int{1, 3, 5, 7}
	for _, k := range keys {
		m.Put(reg, k, k*10)
	}

	for _, k := range keys {
		v, ok := m.Get(reg, k)
		if !ok || v != k*10 {
			t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", k, v, ok, k*10)
		}
	}

	if _, ok := m.Get(reg, 999); ok {
		t.Fatalf("Get(999) found a value that was never put")
	}

	if got := m.Size(reg); got != len(keys) {
		t.Fatalf("Size() = %d, want %d", got, len(keys))
	}
}

func TestPutIfAbsentAndIfExists(t *testing.T) {
	m := newIntMap(t)
	reg := m.Register()
	defer reg.Close()

	if !m.PutIfAbsent(reg, 1, 100) {
		t.Fatalf("PutIfAbsent on a fresh key should succeed")
	}
	if m.PutIfAbsent(reg, 1, 200) {
		t.Fatalf("PutIfAbsent on an existing key should fail")
	}
	v, _ := m.Get(reg, 1)
	if v != 100 {
		t.Fatalf("value changed by a failed PutIfAbsent: got %d", v)
	}

	if m.PutIfExists(reg, 2, 1) {
		t.Fatalf("PutIfExists on an absent key should fail")
	}
	if !m.PutIfExists(reg, 1, 101) {
		t.Fatalf("PutIfExists on an existing key should succeed")
	}
	v, _ = m.Get(reg, 1)
	if v != 101 {
		t.Fatalf("PutIfExists did not take effect: got %d", v)
	}
}

func TestPutIfMatchAndDeleteIfMatch(t *testing.T) {
	m := newIntMap(t)
	reg := m.Register()
	defer reg.Close()

	m.Put(reg, 1, 100)

	if m.PutIfMatch(reg, 1, 200, 999) {
		t.Fatalf("PutIfMatch with a mismatched old value should fail")
	}
	if !m.PutIfMatch(reg, 1, 200, 100) {
		t.Fatalf("PutIfMatch with the correct old value should succeed")
	}

	if m.DeleteIfMatch(reg, 1, 999) {
		t.Fatalf("DeleteIfMatch with a mismatched old value should fail")
	}
	if !m.DeleteIfMatch(reg, 1, 200) {
		t.Fatalf("DeleteIfMatch with the correct old value should succeed")
	}
	if _, ok := m.Get(reg, 1); ok {
		t.Fatalf("key still visible after a successful DeleteIfMatch")
	}
}

func TestDeleteThenReinsert(t *testing.T) {
	m := newIntMap(t)
	reg := m.Register()
	defer reg.Close()

	m.Put(reg, 1, 100)
	if !m.Delete(reg, 1) {
		t.Fatalf("Delete on a live key should succeed")
	}
	if m.Delete(reg, 1) {
		t.Fatalf("Delete on an already-absent key should fail")
	}
	if _, ok := m.Get(reg, 1); ok {
		t.Fatalf("deleted key still visible")
	}

	m.Put(reg, 1, 200)
	v, ok := m.Get(reg, 1)
	if !ok || v != 200 {
		t.Fatalf("reinsert after delete failed: got (%d, %v)", v, ok)
	}
}

// Forces several resizes by inserting far more keys than the initial
// table's density would tolerate, then checks every key is still
// reachable (exercising CreateNext/Copy/DoCopyTask/PrepareToDelete).
func TestGrowthAcrossManyGenerations(t *testing.T) {
	m := newIntMap(t, WithInitialSize[int, int](2), WithDensity[int, int](0.5))
	reg := m.Register()
	defer reg.Close()

	const n = 5000
	for i := 0; i < n; i++ {
		m.Put(reg, i, i*2)
	}
	for i := 0; i < n; i++ {
		v, ok := m.Get(reg, i)
		if !ok || v != i*2 {
			t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", i, v, ok, i*2)
		}
	}
	if got := m.Size(reg); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}

	stats := m.Stats()
	if stats.TablesCreated == 0 {
		t.Fatalf("expected at least one resize, got TablesCreated=0")
	}
}

// Concurrent writers/readers across disjoint key ranges, each with its own
// Registration, driving the cooperative migration path under contention.
func TestConcurrentPutGet(t *testing.T) {
	m := newIntMap(t, WithInitialSize[int, int](4), WithDensity[int, int](0.6))

	const goroutines = 16
	const perGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			reg := m.Register()
			defer reg.Close()
			base := g * perGoroutine
			for i := 0; i < perGoroutine; i++ {
				m.Put(reg, base+i, base+i)
			}
			for i := 0; i < perGoroutine; i++ {
				v, ok := m.Get(reg, base+i)
				if !ok || v != base+i {
					t.Errorf("goroutine %d: Get(%d) = (%d, %v)", g, base+i, v, ok)
				}
			}
		}(g)
	}
	wg.Wait()

	reg := m.Register()
	defer reg.Close()
	if got, want := m.Size(reg), goroutines*perGoroutine; got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
}

func TestClone(t *testing.T) {
	m := newIntMap(t)
	reg := m.Register()
	defer reg.Close()

	for i := 0; i < 100; i++ {
		m.Put(reg, i, i*i)
	}

	clone := m.Clone()
	cloneReg := clone.Register()
	defer cloneReg.Close()

	for i := 0; i < 100; i++ {
		v, ok := clone.Get(cloneReg, i)
		if !ok || v != i*i {
			t.Fatalf("clone.Get(%d) = (%d, %v), want (%d, true)", i, v, ok, i*i)
		}
	}

	// Mutating the original after cloning must not affect the clone.
	m.Put(reg, 0, -1)
	v, _ := clone.Get(cloneReg, 0)
	if v != 0 {
		t.Fatalf("clone observed a post-clone mutation of the original: got %d", v)
	}
}

func TestIterate(t *testing.T) {
	m := newIntMap(t)
	reg := m.Register()
	defer reg.Close()

	want := map[int]int{1: 10, 2: 20, 3: 30}
	for k, v := range want {
		m.Put(reg, k, v)
	}

	got := map[int]int{}
	it := m.Iterate(reg)
	for it.Next() {
		got[it.Key()] = it.Value()
	}
	it.Close()

	if len(got) != len(want) {
		t.Fatalf("iterated %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("iterated entry %d = %d, want %d", k, got[k], v)
		}
	}
}

func TestUnregisteredUseIsContractViolation(t *testing.T) {
	m := newIntMap(t)
	reg := m.Register()
	reg.Close()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a ContractViolation panic on a closed Registration")
		} else if _, ok := r.(ContractViolation); !ok {
			t.Fatalf("expected ContractViolation, got %T: %v", r, r)
		}
	}()
	m.Put(reg, 1, 1)
}

func TestNewPanicsOnInvalidOptions(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a panic for an invalid density and missing hasher")
		} else if _, ok := r.(ContractViolation); !ok {
			t.Fatalf("expected ContractViolation, got %T: %v", r, r)
		}
	}()
	_ = New[int, int](WithDensity[int, int](2.0))
}
