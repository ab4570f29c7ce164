package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arenaswap.ai/internal/boot"
	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/host/memhost"
	"arenaswap.ai/internal/persistence/journal"
	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/sim/ability"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/model"
	"arenaswap.ai/internal/sim/zone"
)

var (
	holding = model.Vec3{X: -1000, Y: 5, Z: -500}
	arena   = zone.Definition{Name: "colosseum", Center: model.Vec3{X: 100, Y: 0, Z: 200}, CenterRadius: 20, ZoneRadius: 40}

	atOrigin  = model.Vec3{}
	inCenter  = model.Vec3{X: 115, Y: 0, Z: 200}
	inZone    = model.Vec3{X: 125, Y: 0, Z: 200}
	outOfZone = model.Vec3{X: 150, Y: 0, Z: 200}

	catalog = []int{1, 2, 3, 4}
)

// gatedSink wraps the store so tests can hold, fail or count writes.
type gatedSink struct {
	inner snapshot.Sink

	mu       sync.Mutex
	gate     chan struct{}
	failSave error
	failDel  error

	saves   atomic.Int32
	deletes atomic.Int32
}

func (s *gatedSink) hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

func (s *gatedSink) release() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	s.mu.Unlock()
}

func (s *gatedSink) wait() {
	s.mu.Lock()
	g := s.gate
	s.mu.Unlock()
	if g != nil {
		<-g
	}
}

func (s *gatedSink) Save(id model.PlayerID, snap snapshot.PlayerSnapshot) error {
	s.wait()
	s.saves.Add(1)
	s.mu.Lock()
	err := s.failSave
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Save(id, snap)
}

func (s *gatedSink) Delete(id model.PlayerID) error {
	s.wait()
	s.deletes.Add(1)
	s.mu.Lock()
	err := s.failDel
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Delete(id)
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memJournal) RecordTransition(e journal.Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

func (m *memJournal) count(kind journal.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	world   *memhost.World
	store   *snapshot.Store
	sink    *gatedSink
	writer  *snapshot.Writer
	bodies  *body.Registry
	abil    *ability.Service
	seq     *boot.Sequencer
	zones   *zone.Detector
	journal *memJournal
	clock   *fakeClock
	c       *Coordinator

	evMu   sync.Mutex
	events []Event
}

type harnessOpts struct {
	world       *memhost.World
	root        string
	bodies      *body.Registry
	maxAttempts int
	saveTimeout time.Duration
	notReady    bool
	abilities   func(*ability.Service) Abilities
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background()}
	h.world = o.world
	if h.world == nil {
		h.world = memhost.New()
	}
	root := o.root
	if root == "" {
		root = t.TempDir()
	}
	store, err := snapshot.Open(root, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h.store = store
	h.sink = &gatedSink{inner: store}
	h.writer = snapshot.NewWriter(h.sink, 16, nil)
	t.Cleanup(h.writer.Close)
	t.Cleanup(h.sink.release)

	h.bodies = o.bodies
	if h.bodies == nil {
		h.bodies = body.NewRegistry(h.world, h.world, body.Config{
			Holding:                  holding,
			AlternateNamePrefix:      "[PvP]",
			AlternateResourceQuality: 100,
		}, nil)
	}
	h.abil = ability.NewService(h.world, ability.Config{Catalog: catalog}, nil, nil)
	h.seq = boot.NewSequencer(nil)
	tbl, err := zone.NewTable([]zone.Definition{arena})
	if err != nil {
		t.Fatalf("zone table: %v", err)
	}
	h.zones = zone.NewDetector(tbl)
	h.journal = &memJournal{}
	h.clock = &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	maxAttempts := o.maxAttempts
	if maxAttempts == 0 {
		maxAttempts = 20
	}
	saveTimeout := o.saveTimeout
	if saveTimeout == 0 {
		saveTimeout = 5 * time.Second
	}
	var abil Abilities = h.abil
	if o.abilities != nil {
		abil = o.abilities(h.abil)
	}
	h.c = New(Config{SaveTimeout: saveTimeout, MaxAttempts: maxAttempts}, Deps{
		Host:      h.world,
		Directory: h.world,
		Zones:     h.zones,
		Snapshots: store,
		Writer:    h.writer,
		Bodies:    h.bodies,
		Abilities: abil,
		Gate:      h.seq,
		Recorders: []Recorder{h.journal},
		Now:       h.clock.Now,
	})
	h.c.Subscribe(func(ev Event) {
		h.evMu.Lock()
		h.events = append(h.events, ev)
		h.evMu.Unlock()
	})
	if !o.notReady {
		h.boot()
	}
	return h
}

func (h *harness) boot() {
	h.t.Helper()
	err := h.seq.Boot(h.ctx, []boot.Step{{Name: "LifecycleService", Init: func(context.Context) error { return nil }}})
	if err != nil {
		h.t.Fatalf("boot: %v", err)
	}
}

func (h *harness) spawn(id model.PlayerID, pos model.Vec3) host.Handle {
	return h.world.SpawnNormal(id,
		host.Position(pos),
		host.DisplayName("Ada"),
		host.Level(25),
		host.Health(200),
		host.Blood{Quality: 40, TypeID: 7},
		host.Inventory{{ItemID: 2001, Amount: 3}, {ItemID: 2002, Amount: 7}},
		host.NewAbilities(5),
		host.UIVisibility{"map": true},
	)
}

// move reports pos once, then ticks without reports until the player's
// transition settles.
func (h *harness) move(id model.PlayerID, pos model.Vec3) {
	h.t.Helper()
	h.c.Tick(h.ctx, []PositionReport{{Player: id, Pos: pos}})
	h.settle(id)
}

func (h *harness) settle(id model.PlayerID) {
	h.t.Helper()
	for i := 0; i < 2000; i++ {
		if !h.c.Busy(id) {
			return
		}
		time.Sleep(time.Millisecond)
		h.c.Tick(h.ctx, nil)
	}
	h.t.Fatalf("transition for %v did not settle", id)
}

// waitWrites ticks until the writer has processed n saves and deletes in total.
func (h *harness) waitWrites(n int32) {
	h.t.Helper()
	for i := 0; i < 2000; i++ {
		if h.sink.saves.Load()+h.sink.deletes.Load() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("writer did not process %d writes", n)
}

func (h *harness) eventKinds() []EventKind {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	out := make([]EventKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (h *harness) mustNotHaveSnapshot(id model.PlayerID) {
	h.t.Helper()
	if _, err := h.store.Load(id); !errors.Is(err, snapshot.ErrNotFound) {
		h.t.Fatalf("expected no snapshot for %v, got %v", id, err)
	}
}
