package chm

import "testing"

func TestIteratorSkipsDeletedAndAbsentSlots(t *testing.T) {
	m := newTestMap(8, 0.5)
	reg := m.Register()
	defer reg.Close()

	m.Put(reg, 1, 10)
	m.Put(reg, 2, 20)
	m.Put(reg, 3, 30)
	m.Delete(reg, 2)

	got := map[int]int{}
	it := m.Iterate(reg)
	for it.Next() {
		got[it.Key()] = it.Value()
	}
	it.Close()

	if _, ok := got[2]; ok {
		t.Fatalf("iterator visited a deleted key")
	}
	if got[1] != 10 || got[3] != 30 {
		t.Fatalf("iterator missed live entries: %v", got)
	}
}

func TestIteratorAcrossGenerations(t *testing.T) {
	m := newTestMap(2, 0.5)
	reg := m.Register()
	defer reg.Close()

	const n = 256
	for i := 0; i < n; i++ {
		m.Put(reg, i, i)
	}

	seen := map[int]bool{}
	it := m.Iterate(reg)
	for it.Next() {
		seen[it.Key()] = true
	}
	it.Close()

	for i := 0; i < n; i++ {
		if !seen[i] {
			t.Fatalf("iterator missed key %d after multiple resizes", i)
		}
	}
}

func TestIteratorCloseIsIdempotent(t *testing.T) {
	m := newTestMap(4, 0.5)
	reg := m.Register()
	defer reg.Close()

	m.Put(reg, 1, 1)
	it := m.Iterate(reg)
	it.Next()
	it.Close()
	it.Close() // must not panic
}
