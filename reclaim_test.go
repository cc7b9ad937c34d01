package chm

import "testing"

func TestTablesRetiredUnderGrowth(t *testing.T) {
	m := newTestMap(2, 0.5)

	reg := m.Register()
	defer reg.Close()

	// Force at least one resize by inserting past the initial table's
	// capacity, then drain migration fully via the map's own operations.
	for i := 0; i < 64; i++ {
		m.Put(reg, i, i)
	}
	for i := 0; i < 64; i++ {
		m.Get(reg, i)
	}

	if m.Stats().TablesRetired == 0 {
		t.Fatalf("expected at least one table to be retired after heavy growth")
	}
}

func TestTryToDeleteWithheldWhileGuardPinsGeneration(t *testing.T) {
	m := newTestMap(2, 0.5)
	first := m.head.Load()

	holder := m.Register()
	defer holder.Close()
	pinning := holder.guardFor(m.identity(), m.guards)
	pinning.arm(first.generation)

	for i := 0; i < 64; i++ {
		reg := m.Register()
		m.Put(reg, i, i)
		reg.Close()
	}

	minG := m.guards.firstGuardedGeneration()
	if minG != first.generation {
		t.Fatalf("firstGuardedGeneration() = %d, want %d (the pinning guard's generation)", minG, first.generation)
	}
	if deleted := m.Stats().TablesDeleted; deleted != 0 {
		t.Fatalf("TablesDeleted = %d while a guard pins generation %d, want 0", deleted, first.generation)
	}
}
