package body

import (
	"errors"
	"testing"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/host/memhost"
	"arenaswap.ai/internal/sim/model"
)

var holding = model.Vec3{X: -1000, Y: 5, Z: -500}

type recorder struct{ pairs []Pair }

func (r *recorder) RecordPair(p Pair) { r.pairs = append(r.pairs, p) }

func newTestRegistry(t *testing.T) (*Registry, *memhost.World) {
	t.Helper()
	w := memhost.New()
	r := NewRegistry(w, w, Config{
		Holding:                  holding,
		AlternateNamePrefix:      "[PvP]",
		AlternateResourceQuality: 100,
	}, nil)
	return r, w
}

func spawnPlayer(w *memhost.World, id model.PlayerID, pos model.Vec3) host.Handle {
	return w.SpawnNormal(id,
		host.Position(pos),
		host.DisplayName("Ada"),
		host.Blood{Quality: 40, TypeID: 7},
	)
}

func TestActivateAlternateWithoutAlternateBody(t *testing.T) {
	r, w := newTestRegistry(t)
	n := spawnPlayer(w, 1, model.Vec3{X: 1})
	before := r.GetOrCreate(1, n)

	err := r.ActivateAlternate(1)
	if !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing, got %v", err)
	}
	after, _ := r.Get(1)
	if after != before {
		t.Fatalf("pair changed on failure:\nbefore %+v\nafter  %+v", before, after)
	}
	if w.Frozen(n) {
		t.Fatalf("normal body frozen by failed swap")
	}
}

func TestActivateAlternateUnknownPlayer(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.ActivateAlternate(404); !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing, got %v", err)
	}
	if err := r.ActivateNormal(404); !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing, got %v", err)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r, w := newTestRegistry(t)
	n := spawnPlayer(w, 1, model.Vec3{})
	first := r.GetOrCreate(1, n)
	if _, err := r.EnsureAlternate(1); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := r.ActivateAlternate(1); err != nil {
		t.Fatalf("activate: %v", err)
	}
	again := r.GetOrCreate(1, 999)
	if again.NormalBody != first.NormalBody || again.ActiveSide != SideAlternate {
		t.Fatalf("GetOrCreate changed existing pair: %+v", again)
	}
}

func TestSwapExchangesPositionsExactly(t *testing.T) {
	r, w := newTestRegistry(t)
	start := model.Vec3{X: 101.25, Y: 3.5, Z: 199.75}
	n := spawnPlayer(w, 1, start)
	r.GetOrCreate(1, n)
	p, err := r.EnsureAlternate(1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a := p.AlternateBody

	if err := r.ActivateAlternate(1); err != nil {
		t.Fatalf("activate alternate: %v", err)
	}
	altPos, _ := host.TryRead[host.Position](w, a)
	normPos, _ := host.TryRead[host.Position](w, n)
	if altPos.Vec() != start {
		t.Fatalf("alternate position: got %+v want %+v", altPos, start)
	}
	if normPos.Vec() != holding {
		t.Fatalf("normal position: got %+v want %+v", normPos, holding)
	}
	if !w.Frozen(n) || w.Frozen(a) {
		t.Fatalf("freeze state: normal=%v alternate=%v", w.Frozen(n), w.Frozen(a))
	}
	got, _ := r.Get(1)
	if got.ActiveSide != SideAlternate || got.LastSwapTime.IsZero() || got.NormalReturn != start {
		t.Fatalf("pair after swap: %+v", got)
	}

	// Second call without ActivateNormal is a no-op.
	moved := model.Vec3{X: 5, Y: 5, Z: 5}
	w.Write(a, host.Position(moved))
	if err := r.ActivateAlternate(1); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if pos, _ := host.TryRead[host.Position](w, a); pos.Vec() != moved {
		t.Fatalf("second activate moved alternate: %+v", pos)
	}

	if err := r.ActivateNormal(1); err != nil {
		t.Fatalf("activate normal: %v", err)
	}
	normPos, _ = host.TryRead[host.Position](w, n)
	altPos, _ = host.TryRead[host.Position](w, a)
	if normPos.Vec() != moved || altPos.Vec() != holding {
		t.Fatalf("inverse swap: normal=%+v alternate=%+v", normPos, altPos)
	}
	if w.Frozen(n) || !w.Frozen(a) {
		t.Fatalf("freeze state after inverse: normal=%v alternate=%v", w.Frozen(n), w.Frozen(a))
	}
	if err := r.ActivateNormal(1); err != nil {
		t.Fatalf("second activate normal: %v", err)
	}
}

func TestSwapRollsBackOnHostFailure(t *testing.T) {
	r, w := newTestRegistry(t)
	start := model.Vec3{X: 10, Y: 0, Z: 10}
	n := spawnPlayer(w, 1, start)
	r.GetOrCreate(1, n)
	p, _ := r.EnsureAlternate(1)
	a := p.AlternateBody
	before, _ := r.Get(1)

	w.SetFailWrites(a, true)
	if err := r.ActivateAlternate(1); !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing, got %v", err)
	}
	if w.Frozen(n) || !w.Frozen(a) {
		t.Fatalf("freeze state not rolled back: normal=%v alternate=%v", w.Frozen(n), w.Frozen(a))
	}
	if pos, _ := host.TryRead[host.Position](w, n); pos.Vec() != start {
		t.Fatalf("normal moved: %+v", pos)
	}
	if after, _ := r.Get(1); after != before {
		t.Fatalf("pair changed: %+v", after)
	}
}

func TestDespawnedAlternateFailsAtomically(t *testing.T) {
	r, w := newTestRegistry(t)
	n := spawnPlayer(w, 1, model.Vec3{})
	r.GetOrCreate(1, n)
	p, _ := r.EnsureAlternate(1)
	w.Despawn(p.AlternateBody)

	if err := r.ActivateAlternate(1); !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing, got %v", err)
	}
	if w.Frozen(n) {
		t.Fatalf("normal frozen after failed swap")
	}
	if r.AlternateAlive(1) {
		t.Fatalf("alternate reported alive")
	}

	// EnsureAlternate recreates it.
	p2, err := r.EnsureAlternate(1)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if p2.AlternateBody == p.AlternateBody || !w.Exists(p2.AlternateBody) {
		t.Fatalf("alternate not recreated: %+v", p2)
	}
}

func TestEnsureAlternateIdentity(t *testing.T) {
	r, w := newTestRegistry(t)
	n := spawnPlayer(w, 1, model.Vec3{})
	r.GetOrCreate(1, n)
	p, err := r.EnsureAlternate(1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	name, _ := host.TryRead[host.DisplayName](w, p.AlternateBody)
	if name != "[PvP]Ada" {
		t.Fatalf("alternate name: %q", name)
	}
	blood, _ := host.TryRead[host.Blood](w, p.AlternateBody)
	if blood.Quality != 100 || blood.TypeID != 7 {
		t.Fatalf("alternate blood: %+v", blood)
	}
	if nb, _ := host.TryRead[host.Blood](w, n); nb.Quality != 40 {
		t.Fatalf("normal blood changed: %+v", nb)
	}
	if !w.Frozen(p.AlternateBody) {
		t.Fatalf("new alternate must start frozen")
	}
	again, err := r.EnsureAlternate(1)
	if err != nil || again.AlternateBody != p.AlternateBody {
		t.Fatalf("ensure should reuse live alternate: %+v err=%v", again, err)
	}

	w.SetFailSpawn(true)
	w.Despawn(p.AlternateBody)
	if _, err := r.EnsureAlternate(1); !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing when spawn fails, got %v", err)
	}
	if _, err := r.EnsureAlternate(2); !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing for unknown pair, got %v", err)
	}
}

func TestReconcileForcesNormalWhenAlternateGone(t *testing.T) {
	r, w := newTestRegistry(t)
	start := model.Vec3{X: 3, Y: 4, Z: 5}
	n := spawnPlayer(w, 1, start)
	r.GetOrCreate(1, n)
	p, _ := r.EnsureAlternate(1)
	if err := r.ActivateAlternate(1); err != nil {
		t.Fatalf("activate: %v", err)
	}
	w.Despawn(p.AlternateBody)

	rec := &recorder{}
	r.SetPersister(rec)
	forced := r.Reconcile()
	if len(forced) != 1 || forced[0] != 1 {
		t.Fatalf("forced: %v", forced)
	}
	got, _ := r.Get(1)
	if got.ActiveSide != SideNormal || !got.AlternateNeedsRecreation {
		t.Fatalf("pair after reconcile: %+v", got)
	}
	if w.Frozen(n) {
		t.Fatalf("normal body still frozen")
	}
	if pos, _ := host.TryRead[host.Position](w, n); pos.Vec() != start {
		t.Fatalf("normal body not returned: %+v", pos)
	}
	if len(rec.pairs) != 1 {
		t.Fatalf("persisted %d pair updates", len(rec.pairs))
	}
	if again := r.Reconcile(); len(again) != 0 {
		t.Fatalf("reconcile not idempotent: %v", again)
	}
}

func TestForceNormal(t *testing.T) {
	r, w := newTestRegistry(t)
	start := model.Vec3{X: 9}
	n := spawnPlayer(w, 1, start)
	r.GetOrCreate(1, n)
	p, _ := r.EnsureAlternate(1)
	_ = r.ActivateAlternate(1)
	w.Despawn(p.AlternateBody)

	if err := r.ActivateNormal(1); !errors.Is(err, ErrBodyMissing) {
		t.Fatalf("expected ErrBodyMissing, got %v", err)
	}
	if err := r.ForceNormal(1); err != nil {
		t.Fatalf("force normal: %v", err)
	}
	got, _ := r.Get(1)
	if got.ActiveSide != SideNormal || !got.AlternateNeedsRecreation {
		t.Fatalf("pair: %+v", got)
	}
	if pos, _ := host.TryRead[host.Position](w, n); pos.Vec() != start || w.Frozen(n) {
		t.Fatalf("normal body: pos=%+v frozen=%v", pos, w.Frozen(n))
	}
}

func TestRestoreAndRebind(t *testing.T) {
	r, w := newTestRegistry(t)
	r.Restore([]Pair{{Player: 1, NormalBody: 50, AlternateBody: 51, ActiveSide: SideNormal}})
	if got, ok := r.Get(1); !ok || got.NormalBody != 50 {
		t.Fatalf("restore: %+v ok=%v", got, ok)
	}
	n := spawnPlayer(w, 1, model.Vec3{})
	if !r.RebindNormal(1, n) {
		t.Fatalf("rebind refused")
	}
	if got, _ := r.Get(1); got.NormalBody != n {
		t.Fatalf("rebind: %+v", got)
	}
	if len(r.Pairs()) != 1 {
		t.Fatalf("pairs: %v", r.Pairs())
	}
}
