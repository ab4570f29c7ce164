package ability

import (
	"errors"
	"testing"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/host/memhost"
	"arenaswap.ai/internal/sim/model"
)

type memAccounts struct {
	flags map[model.PlayerID]bool
	fail  bool
}

func (m *memAccounts) SetOverride(id model.PlayerID, enabled bool) error {
	if m.fail {
		return errors.New("db locked")
	}
	m.flags[id] = enabled
	return nil
}

func TestExpandRestore(t *testing.T) {
	w := memhost.New()
	h := w.SpawnNormal(1, host.NewAbilities(3, 1))
	s := NewService(w, Config{Catalog: []int{1, 2, 3, 4}}, nil, nil)

	if !s.ExpandAbilities(h) {
		t.Fatalf("expand failed")
	}
	got, _ := host.TryRead[host.Abilities](w, h)
	if !got.Equal(host.Abilities{1, 2, 3, 4}) {
		t.Fatalf("expanded set: %v", got)
	}
	if !s.IsExpanded(h) {
		t.Fatalf("expected expanded")
	}
	if base := s.Baseline(h); !base.Equal(host.Abilities{1, 3}) {
		t.Fatalf("baseline: %v", base)
	}

	// Idempotent: a second expand keeps the original baseline.
	w.Write(h, host.NewAbilities(1, 2, 3, 4, 9))
	if !s.ExpandAbilities(h) {
		t.Fatalf("second expand failed")
	}
	if base := s.Baseline(h); !base.Equal(host.Abilities{1, 3}) {
		t.Fatalf("baseline changed by second expand: %v", base)
	}

	if !s.RestoreAbilities(h) {
		t.Fatalf("restore failed")
	}
	got, _ = host.TryRead[host.Abilities](w, h)
	if !got.Equal(host.Abilities{1, 3}) {
		t.Fatalf("restored set: %v", got)
	}
	if !s.RestoreAbilities(h) {
		t.Fatalf("restore on unexpanded body should succeed")
	}
}

func TestExpandWithoutAbilityComponent(t *testing.T) {
	w := memhost.New()
	h := w.SpawnNormal(1)
	s := NewService(w, Config{Catalog: []int{5}}, nil, nil)
	if !s.ExpandAbilities(h) || !s.RestoreAbilities(h) {
		t.Fatalf("expand/restore on empty set failed")
	}
	got, ok := host.TryRead[host.Abilities](w, h)
	if !ok || len(got) != 0 {
		t.Fatalf("restored set: %v ok=%v", got, ok)
	}
}

func TestUnresolvableHandleReportsFailure(t *testing.T) {
	w := memhost.New()
	s := NewService(w, Config{Catalog: []int{1}}, nil, nil)
	if s.ExpandAbilities(77) {
		t.Fatalf("expand on missing body succeeded")
	}
	if s.RestoreAbilities(77) {
		t.Fatalf("restore on missing body succeeded")
	}

	h := w.SpawnNormal(1)
	w.SetFailWrites(h, true)
	if s.ExpandAbilities(h) {
		t.Fatalf("expand with failing write succeeded")
	}
	if s.IsExpanded(h) {
		t.Fatalf("failed expand recorded a baseline")
	}
}

func TestAccountOverride(t *testing.T) {
	store := &memAccounts{flags: map[model.PlayerID]bool{}}
	s := NewService(memhost.New(), Config{}, store, nil)

	if !s.SetAccountOverride(9, true) {
		t.Fatalf("set override failed")
	}
	if !store.flags[9] || !s.AccountOverride(9) || !s.Effective(9) {
		t.Fatalf("override not applied: store=%v", store.flags)
	}
	store.fail = true
	if s.SetAccountOverride(9, false) {
		t.Fatalf("expected failure when store fails")
	}
	if !s.AccountOverride(9) {
		t.Fatalf("memory changed despite store failure")
	}
	store.fail = false
	if !s.SetAccountOverride(9, false) || s.Effective(9) {
		t.Fatalf("override not cleared")
	}

	s.SetGlobalOverride(true)
	if !s.Effective(10) || s.AccountOverride(10) {
		t.Fatalf("global override should apply without account flag")
	}

	s.LoadOverrides(map[model.PlayerID]bool{11: true, 12: false})
	if !s.AccountOverride(11) || s.AccountOverride(12) {
		t.Fatalf("load overrides")
	}
}
