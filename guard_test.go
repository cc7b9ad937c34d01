package chm

import "testing"

func TestGuardManagerAcquireReleaseReuse(t *testing.T) {
	gm := newGuardManager()

	g1 := gm.acquire(1)
	g2 := gm.acquire(2)
	if g1 == g2 {
		t.Fatalf("acquire returned the same guard to two distinct tokens")
	}

	gm.release(g1)
	g3 := gm.acquire(3)
	if g3 != g1 {
		t.Fatalf("acquire did not reuse a released guard; got a fresh allocation")
	}
}

func TestFirstGuardedGeneration(t *testing.T) {
	gm := newGuardManager()

	if got := gm.firstGuardedGeneration(); got != noGeneration {
		t.Fatalf("firstGuardedGeneration() = %d with no guards armed, want noGeneration", got)
	}

	g1 := gm.acquire(1)
	g2 := gm.acquire(2)
	g1.arm(5)
	g2.arm(2)

	if got := gm.firstGuardedGeneration(); got != 2 {
		t.Fatalf("firstGuardedGeneration() = %d, want 2 (the smaller armed generation)", got)
	}

	g2.disarm()
	if got := gm.firstGuardedGeneration(); got != 5 {
		t.Fatalf("firstGuardedGeneration() = %d after disarming the smaller guard, want 5", got)
	}
}

func TestGuardArmNeverResetsCounters(t *testing.T) {
	g := &Guard{}
	g.guardedGeneration.Store(noGeneration)

	g.arm(1)
	g.addAlive(3)
	g.addInstalled(2)

	g.disarm()
	g.arm(1) // re-arming the same generation after disarm: counters survive
	if g.aliveDelta.Load() != 3 || g.installedDelta.Load() != 2 {
		t.Fatalf("re-arming the same generation reset counters unexpectedly")
	}

	g.disarm()
	g.arm(2) // arming a newer generation: arm itself never resets counters
	if g.aliveDelta.Load() != 3 || g.installedDelta.Load() != 2 {
		t.Fatalf("arming a newer generation reset counters; arm must never do this")
	}
}

func TestResetInstalledKeysLeavesAliveUntouched(t *testing.T) {
	gm := newGuardManager()
	g1 := gm.acquire(1)
	g2 := gm.acquire(2)
	g1.addAlive(5)
	g1.addInstalled(5)
	g2.addAlive(2)
	g2.addInstalled(2)

	if got := gm.approxAlive(); got != 7 {
		t.Fatalf("approxAlive() = %d, want 7 (global sum across guards)", got)
	}
	if got := gm.approxInstalledKeys(); got != 7 {
		t.Fatalf("approxInstalledKeys() = %d, want 7", got)
	}

	gm.resetInstalledKeys()
	if got := gm.approxInstalledKeys(); got != 0 {
		t.Fatalf("approxInstalledKeys() = %d after resetInstalledKeys, want 0", got)
	}
	if got := gm.approxAlive(); got != 7 {
		t.Fatalf("approxAlive() = %d after resetInstalledKeys, want unchanged 7", got)
	}
}

func TestAnyForbidsReclaim(t *testing.T) {
	gm := newGuardManager()
	g := gm.acquire(1)
	g.arm(7)

	if gm.anyForbidsReclaim(7) {
		t.Fatalf("anyForbidsReclaim reported true before forbidReclaim was set")
	}
	g.forbidReclaim.Store(true)
	if !gm.anyForbidsReclaim(7) {
		t.Fatalf("anyForbidsReclaim reported false after forbidReclaim was set")
	}
	if gm.anyForbidsReclaim(8) {
		t.Fatalf("anyForbidsReclaim reported true for a generation the guard isn't armed on")
	}
}
