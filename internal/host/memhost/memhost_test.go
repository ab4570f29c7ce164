package memhost

import (
	"testing"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/sim/model"
)

var (
	_ host.Host      = (*World)(nil)
	_ host.Spawner   = (*World)(nil)
	_ host.Directory = (*World)(nil)
)

func TestTryReadTyped(t *testing.T) {
	w := New()
	h := w.SpawnNormal(7, host.Level(25), host.Position{X: 1, Y: 2, Z: 3})

	lvl, ok := host.TryRead[host.Level](w, h)
	if !ok || lvl != 25 {
		t.Fatalf("level: got %v ok=%v", lvl, ok)
	}
	pos, ok := host.TryRead[host.Position](w, h)
	if !ok || pos.Vec() != (model.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("position: got %+v ok=%v", pos, ok)
	}
	if _, ok := host.TryRead[host.Health](w, h); ok {
		t.Fatalf("expected missing health component")
	}
	if _, ok := host.TryRead[host.Level](w, 999); ok {
		t.Fatalf("expected read on unknown handle to fail")
	}
}

func TestReadReturnsCopies(t *testing.T) {
	w := New()
	h := w.SpawnNormal(1, host.Inventory{{ItemID: 2001, Amount: 3}})

	inv, _ := host.TryRead[host.Inventory](w, h)
	inv[0].Amount = 99

	again, _ := host.TryRead[host.Inventory](w, h)
	if again[0].Amount != 3 {
		t.Fatalf("stored inventory mutated through read copy: %+v", again)
	}
}

func TestSpawnAlternateIsFrozenCopy(t *testing.T) {
	w := New()
	n := w.SpawnNormal(5, host.DisplayName("Ada"), host.Level(10))

	a, ok := w.SpawnAlternate(n)
	if !ok {
		t.Fatalf("spawn alternate failed")
	}
	if !w.Frozen(a) {
		t.Fatalf("alternate should spawn frozen")
	}
	if owner, _ := w.Owner(a); owner != 5 {
		t.Fatalf("owner: got %d", owner)
	}
	if got, _ := w.NormalBody(5); got != n {
		t.Fatalf("directory should still point at normal body")
	}
	if lvl, _ := host.TryRead[host.Level](w, a); lvl != 10 {
		t.Fatalf("alternate level: got %d", lvl)
	}

	w.SetFailSpawn(true)
	if _, ok := w.SpawnAlternate(n); ok {
		t.Fatalf("expected spawn failure")
	}
}

func TestDespawnAndDirectory(t *testing.T) {
	w := New()
	h := w.SpawnNormal(3)
	w.Despawn(h)
	if w.Exists(h) {
		t.Fatalf("despawned body still exists")
	}
	if _, ok := w.NormalBody(3); ok {
		t.Fatalf("directory should drop despawned body")
	}
	if w.Write(h, host.Level(1)) {
		t.Fatalf("write to despawned body should fail")
	}
}

func TestAbilitiesSet(t *testing.T) {
	a := host.NewAbilities(5, 1, 5, 3)
	if !a.Equal(host.Abilities{1, 3, 5}) {
		t.Fatalf("normalize: %v", a)
	}
	u := a.Union(host.NewAbilities(2, 3))
	if !u.Equal(host.Abilities{1, 2, 3, 5}) {
		t.Fatalf("union: %v", u)
	}
	if !u.Contains(2) || u.Contains(4) {
		t.Fatalf("contains: %v", u)
	}
}

func TestMoveSkipsFrozenBodies(t *testing.T) {
	w := New()
	h := w.SpawnNormal(1, host.Position{X: 1, Y: 2, Z: 3})

	if !w.Move(h, model.Vec3{X: 4}) {
		t.Fatalf("move on live body failed")
	}
	w.Freeze(h)
	if w.Move(h, model.Vec3{X: 9}) {
		t.Fatalf("move on frozen body succeeded")
	}
	if pos, _ := host.TryRead[host.Position](w, h); pos.Vec() != (model.Vec3{X: 4}) {
		t.Fatalf("frozen body moved: %+v", pos)
	}
	if w.Move(999, model.Vec3{}) {
		t.Fatalf("move on unknown handle succeeded")
	}
}
