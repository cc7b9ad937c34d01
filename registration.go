package chm

import "sync"

// Registration is spec.md §6's "thread-registration scope object": on
// construction (Map.Register) the calling goroutine registers with the
// map; on Close it releases every Guard it opened. Passing a closed
// Registration to a Map's Get/Put/Delete family is a ContractViolation. Nested
// registrations against disjoint Maps are legal — a Registration holds one
// Guard per distinct *Map it has touched, not per table generation within
// one chain (see DESIGN.md's thread-guard-registry decision).
//
// Typical use:
//
//	reg := m.Register()
//	defer reg.Close()
//	m.Put(reg, key, value)
type Registration struct {
	token uint64

	mu     sync.Mutex
	guards map[uintptr]*registeredGuard
	closed bool
}

type registeredGuard struct {
	manager *GuardManager
	guard   *Guard
}

// Register creates a new Registration for the calling goroutine against m.
// The returned Registration must be Close'd when the goroutine is done
// operating on m (typically via defer).
func (m *Map[K, V]) Register() *Registration {
	return &Registration{
		token:  m.guards.newToken(),
		guards: make(map[uintptr]*registeredGuard),
	}
}

// guardFor returns this registration's Guard for gm, allocating one on
// first use.
func (r *Registration) guardFor(mapIdentity uintptr, gm *GuardManager) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		violate("use of a closed Registration")
	}
	rg, ok := r.guards[mapIdentity]
	if !ok {
		rg = &registeredGuard{manager: gm, guard: gm.acquire(r.token)}
		r.guards[mapIdentity] = rg
	}
	return rg.guard
}

// Close releases every Guard this Registration opened. Close is idempotent;
// calling any Map method through a closed Registration panics with a
// ContractViolation.
func (r *Registration) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, rg := range r.guards {
		rg.manager.release(rg.guard)
	}
	r.guards = nil
}
