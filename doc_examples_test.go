package chm_test

import (
	"fmt"

	"github.com/streamward/chm"
)

// Example demonstrates the basic registration/Put/Get/Close lifecycle: a
// goroutine must hold a Registration for the duration it touches the map,
// and release it when done so retired generations can be reclaimed.
func Example() {
	m := chm.New[string, int](chm.WithStringKeys[int]())

	reg := m.Register()
	defer reg.Close()

	m.Put(reg, "apples", 3)
	m.Put(reg, "pears", 5)
	m.PutIfAbsent(reg, "apples", 100) // no-op, "apples" already live

	if v, ok := m.Get(reg, "apples"); ok {
		fmt.Println("apples:", v)
	}

	m.Delete(reg, "pears")
	if _, ok := m.Get(reg, "pears"); !ok {
		fmt.Println("pears: gone")
	}

	// Output:
	// apples: 3
	// pears: gone
}
