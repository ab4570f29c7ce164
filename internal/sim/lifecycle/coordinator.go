// Package lifecycle moves players between their normal body and their
// arena body as they cross zone boundaries. Each transition is a resumable
// sequence of steps driven from the simulation tick; durable writes are
// queued to the snapshot writer and polled, never awaited on the tick.
package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/persistence/journal"
	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/model"
	"arenaswap.ai/internal/sim/zone"
)

var (
	ErrTransitionConflict = errors.New("transition conflict")
	ErrNotReady           = errors.New("runtime not ready")
	ErrRecoveryPending    = errors.New("recovery pending")
)

// SnapshotSubsystem is the boot step name failed when a snapshot write
// stays outstanding past the save timeout.
const SnapshotSubsystem = "SnapshotStore"

type State uint8

const (
	StateNormal State = iota
	StateTransitioning
	StateAlternateActive
)

func (s State) String() string {
	switch s {
	case StateTransitioning:
		return "transitioning"
	case StateAlternateActive:
		return "alternate_active"
	default:
		return "normal"
	}
}

// Gate is the runtime readiness check, normally the boot sequencer.
type Gate interface {
	Ready() bool
	Fail(name string, err error)
}

type SnapshotReader interface {
	Load(id model.PlayerID) (snapshot.PlayerSnapshot, error)
	Quarantine(id model.PlayerID) (string, error)
	ScanOrphaned(isActive func(model.PlayerID) bool) ([]model.PlayerID, error)
}

type SnapshotWriter interface {
	Save(id model.PlayerID, snap snapshot.PlayerSnapshot) (*snapshot.Pending, error)
	Delete(id model.PlayerID) (*snapshot.Pending, error)
}

type Bodies interface {
	GetOrCreate(id model.PlayerID, normal host.Handle) body.Pair
	Get(id model.PlayerID) (body.Pair, bool)
	RebindNormal(id model.PlayerID, normal host.Handle) bool
	EnsureAlternate(id model.PlayerID) (body.Pair, error)
	ActivateAlternate(id model.PlayerID) error
	ActivateNormal(id model.PlayerID) error
	ForceNormal(id model.PlayerID) error
	AlternateAlive(id model.PlayerID) bool
	IsAlternateActive(id model.PlayerID) bool
	Pairs() []body.Pair
	Reconcile() []model.PlayerID
}

type Abilities interface {
	ExpandAbilities(h host.Handle) bool
	RestoreAbilities(h host.Handle) bool
	Forget(h host.Handle)
	Baseline(h host.Handle) host.Abilities
	Effective(id model.PlayerID) bool
	SetAccountOverride(id model.PlayerID, enabled bool) bool
}

// Recorder receives one entry per journal-worthy lifecycle event.
type Recorder interface {
	RecordTransition(e journal.Entry)
}

type Config struct {
	SaveTimeout time.Duration
	MaxAttempts int
}

type Deps struct {
	Host      host.Host
	Directory host.Directory
	Zones     *zone.Detector
	Snapshots SnapshotReader
	Writer    SnapshotWriter
	Bodies    Bodies
	Abilities Abilities
	Gate      Gate
	Recorders []Recorder
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
}

// PositionReport is one (player, position) pair from the host's feed.
type PositionReport struct {
	Player model.PlayerID
	Pos    model.Vec3
}

type EventKind uint8

const (
	EventEntered EventKind = iota + 1
	EventExited
	EventRecovered
)

func (k EventKind) String() string {
	switch k {
	case EventEntered:
		return "entered"
	case EventExited:
		return "exited"
	case EventRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind         EventKind
	Player       model.PlayerID
	Zone         string
	At           time.Time
	TransitionID string
}

// Status is the externally visible view of one player.
type Status struct {
	Player          model.PlayerID `json:"player"`
	State           State          `json:"-"`
	StateName       string         `json:"state"`
	Busy            bool           `json:"busy"`
	Zone            string         `json:"zone,omitempty"`
	Pinned          bool           `json:"pinned,omitempty"`
	RecoveryPending bool           `json:"recovery_pending,omitempty"`
	Step            string         `json:"step,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
}

type entry struct {
	state State
	// zone is the arena the player is in while AlternateActive.
	zone string
	// pinned players entered by command and only leave by command.
	pinned          bool
	recoveryPending bool
	op              *operation
}

type Coordinator struct {
	cfg Config

	host      host.Host
	dir       host.Directory
	zones     *zone.Detector
	snaps     SnapshotReader
	writer    SnapshotWriter
	bodies    Bodies
	abilities Abilities
	gate      Gate
	recorders []Recorder
	log       *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	players map[model.PlayerID]*entry
	outbox  []Event

	subMu sync.RWMutex
	subs  []func(Event)

	stats counters
}

func New(cfg Config, d Deps) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("arenaswap.ai/internal/sim/lifecycle")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Coordinator{
		cfg:       cfg,
		host:      d.Host,
		dir:       d.Directory,
		zones:     d.Zones,
		snaps:     d.Snapshots,
		writer:    d.Writer,
		bodies:    d.Bodies,
		abilities: d.Abilities,
		gate:      d.Gate,
		recorders: d.Recorders,
		log:       d.Logger.Named("lifecycle"),
		tracer:    d.Tracer,
		now:       d.Now,
		players:   map[model.PlayerID]*entry{},
	}
}

// Subscribe registers fn for committed transitions. fn runs on the
// caller's goroutine after the coordinator lock is released.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

func (c *Coordinator) flush() {
	c.mu.Lock()
	out := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	if len(out) == 0 {
		return
	}
	c.subMu.RLock()
	subs := append([]func(Event){}, c.subs...)
	c.subMu.RUnlock()
	for _, ev := range out {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (c *Coordinator) emitLocked(ev Event) {
	c.outbox = append(c.outbox, ev)
}

func (c *Coordinator) record(e journal.Entry) {
	for _, r := range c.recorders {
		r.RecordTransition(e)
	}
}

func (c *Coordinator) ready() bool {
	return c.gate == nil || c.gate.Ready()
}

func (c *Coordinator) entryLocked(id model.PlayerID) *entry {
	e, ok := c.players[id]
	if !ok {
		e = &entry{state: StateNormal}
		c.players[id] = e
	}
	return e
}

// pruneLocked drops entries that carry nothing beyond the default state.
func (c *Coordinator) pruneLocked(id model.PlayerID) {
	e, ok := c.players[id]
	if ok && e.op == nil && e.state == StateNormal && !e.recoveryPending && !e.pinned {
		delete(c.players, id)
	}
}

// Tick resumes every in-flight transition, then evaluates the reported
// positions. Nothing happens unless the runtime is ready.
func (c *Coordinator) Tick(ctx context.Context, reports []PositionReport) {
	if !c.ready() {
		c.stats.notReady.Add(1)
		return
	}
	c.mu.Lock()
	ids := make([]model.PlayerID, 0, len(c.players))
	for id := range c.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e := c.players[id]
		if e == nil {
			continue
		}
		switch {
		case e.op != nil:
			c.advanceLocked(ctx, id, e)
		case e.recoveryPending:
			c.startRecoveryLocked(ctx, id, e)
		}
	}
	for _, r := range reports {
		c.observeLocked(ctx, r.Player, r.Pos)
	}
	c.mu.Unlock()
	c.flush()
}

// Observe evaluates a single position report outside of a tick batch.
func (c *Coordinator) Observe(ctx context.Context, id model.PlayerID, pos model.Vec3) {
	c.Tick(ctx, []PositionReport{{Player: id, Pos: pos}})
}

func (c *Coordinator) observeLocked(ctx context.Context, id model.PlayerID, pos model.Vec3) {
	e, ok := c.players[id]
	if ok && e.op != nil {
		c.observeBusyLocked(id, e.op, pos)
		return
	}
	if ok && e.recoveryPending {
		return
	}
	tbl := c.zones.Table()
	if !ok || e.state == StateNormal {
		def, class := tbl.Locate(pos)
		if class != zone.InCenter {
			return
		}
		e = c.entryLocked(id)
		c.startEnterLocked(ctx, id, e, def.Name, false)
		return
	}
	if e.pinned {
		return
	}
	var outside bool
	if def, found := tbl.Lookup(e.zone); found {
		outside = zone.Classify(pos, def) == zone.Outside
	} else {
		_, class := tbl.Locate(pos)
		outside = class == zone.Outside
	}
	if outside {
		c.startExitLocked(ctx, id, e, dirExit)
	}
}

// observeBusyLocked drops a report for a player with a transition in
// flight. Reports that would trigger the opposite transition are counted
// as conflicts.
func (c *Coordinator) observeBusyLocked(id model.PlayerID, op *operation, pos model.Vec3) {
	tbl := c.zones.Table()
	var requested direction
	if op.dir == dirEnter && !op.rollback {
		outside := false
		if def, found := tbl.Lookup(op.zone); found {
			outside = zone.Classify(pos, def) == zone.Outside
		} else {
			_, class := tbl.Locate(pos)
			outside = class == zone.Outside
		}
		if !outside {
			return
		}
		requested = dirExit
	} else {
		if _, class := tbl.Locate(pos); class != zone.InCenter {
			return
		}
		requested = dirEnter
	}
	c.stats.conflicts.Add(1)
	c.log.Debug("position trigger dropped, transition in flight",
		zap.Stringer("player", id), zap.Stringer("requested", requested),
		zap.Stringer("in_flight", op.dir), zap.Stringer("step", op.step))
}

// Enter starts an arena transition by command, regardless of position.
// A player entered this way stays until Exit is called.
func (c *Coordinator) Enter(ctx context.Context, id model.PlayerID, zoneName string) error {
	if !c.ready() {
		c.stats.notReady.Add(1)
		return ErrNotReady
	}
	c.mu.Lock()
	e := c.entryLocked(id)
	if err := c.commandGuardLocked(id, e, dirEnter); err != nil {
		c.pruneLocked(id)
		c.mu.Unlock()
		return err
	}
	if e.state == StateAlternateActive {
		c.mu.Unlock()
		return nil
	}
	c.startEnterLocked(ctx, id, e, zoneName, true)
	c.pruneLocked(id)
	c.mu.Unlock()
	c.flush()
	return nil
}

// Exit runs the exit sequence by command, regardless of position.
func (c *Coordinator) Exit(ctx context.Context, id model.PlayerID) error {
	if !c.ready() {
		c.stats.notReady.Add(1)
		return ErrNotReady
	}
	c.mu.Lock()
	e := c.entryLocked(id)
	if err := c.commandGuardLocked(id, e, dirExit); err != nil {
		c.pruneLocked(id)
		c.mu.Unlock()
		return err
	}
	if e.state == StateNormal {
		c.pruneLocked(id)
		c.mu.Unlock()
		return nil
	}
	c.startExitLocked(ctx, id, e, dirExit)
	c.mu.Unlock()
	c.flush()
	return nil
}

func (c *Coordinator) commandGuardLocked(id model.PlayerID, e *entry, d direction) error {
	if e.recoveryPending {
		return ErrRecoveryPending
	}
	if e.op == nil {
		return nil
	}
	c.stats.conflicts.Add(1)
	c.log.Debug("transition conflict", zap.Stringer("player", id), zap.Stringer("requested", d), zap.Stringer("in_flight", e.op.dir))
	c.record(journal.Entry{At: c.now(), ID: e.op.id.String(), Player: id, Direction: d.String(), Kind: journal.KindConflict, Step: e.op.step.String()})
	return ErrTransitionConflict
}

// SetOverride persists the per-account flag and applies it to the normal
// body right away when the player is not in an arena. A player that is
// mid-transition or in an arena picks it up on the next exit.
func (c *Coordinator) SetOverride(id model.PlayerID, enabled bool) bool {
	if !c.abilities.SetAccountOverride(id, enabled) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.players[id]; ok && (e.op != nil || e.state != StateNormal) {
		return true
	}
	normal, ok := c.normalBodyLocked(id)
	if !ok {
		return true
	}
	if c.abilities.Effective(id) {
		return c.abilities.ExpandAbilities(normal)
	}
	return c.abilities.RestoreAbilities(normal)
}

// OnPlayerConnected rebinds the player's pair to the body the host just
// issued and, if the player still has an unapplied snapshot, restores it.
func (c *Coordinator) OnPlayerConnected(ctx context.Context, id model.PlayerID) {
	c.mu.Lock()
	if c.dir != nil {
		if h, ok := c.dir.NormalBody(id); ok {
			if _, has := c.bodies.Get(id); has {
				c.bodies.RebindNormal(id, h)
			}
		}
	}
	if e, ok := c.players[id]; ok && e.recoveryPending && e.op == nil && c.ready() {
		c.startRecoveryLocked(ctx, id, e)
	}
	c.mu.Unlock()
	c.flush()
}

// ReloadZones swaps the zone table. Players mid-transition keep going.
func (c *Coordinator) ReloadZones(defs []zone.Definition) error {
	if err := c.zones.Replace(defs); err != nil {
		return err
	}
	c.log.Info("zones reloaded", zap.Int("zones", len(defs)))
	return nil
}

// State reports the committed state. An in-flight transition shows as the
// state it started from.
func (c *Coordinator) State(id model.PlayerID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.players[id]
	if !ok {
		return StateNormal
	}
	return e.state
}

func (c *Coordinator) Busy(id model.PlayerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.players[id]
	return ok && e.op != nil
}

func (c *Coordinator) Statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.players))
	for id, e := range c.players {
		st := Status{
			Player:          id,
			State:           e.state,
			StateName:       e.state.String(),
			Zone:            e.zone,
			Pinned:          e.pinned,
			RecoveryPending: e.recoveryPending,
		}
		if e.op != nil {
			st.Busy = true
			st.Step = e.op.step.String()
			st.Attempts = e.op.attempts
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}

func (c *Coordinator) normalBodyLocked(id model.PlayerID) (host.Handle, bool) {
	if c.dir != nil {
		if h, ok := c.dir.NormalBody(id); ok && c.host.Exists(h) {
			return h, true
		}
	}
	if p, ok := c.bodies.Get(id); ok && c.host.Exists(p.NormalBody) {
		return p.NormalBody, true
	}
	return 0, false
}

type counters struct {
	entered     atomic.Uint64
	exited      atomic.Uint64
	recovered   atomic.Uint64
	aborted     atomic.Uint64
	abandoned   atomic.Uint64
	retries     atomic.Uint64
	conflicts   atomic.Uint64
	quarantined atomic.Uint64
	notReady    atomic.Uint64
	timeouts    atomic.Uint64
}

type Stats struct {
	Entered     uint64
	Exited      uint64
	Recovered   uint64
	Aborted     uint64
	Abandoned   uint64
	Retries     uint64
	Conflicts   uint64
	Quarantined uint64
	NotReady    uint64
	Timeouts    uint64
	InFlight    int
	Alternate   int
}

func (c *Coordinator) Stats() Stats {
	s := Stats{
		Entered:     c.stats.entered.Load(),
		Exited:      c.stats.exited.Load(),
		Recovered:   c.stats.recovered.Load(),
		Aborted:     c.stats.aborted.Load(),
		Abandoned:   c.stats.abandoned.Load(),
		Retries:     c.stats.retries.Load(),
		Conflicts:   c.stats.conflicts.Load(),
		Quarantined: c.stats.quarantined.Load(),
		NotReady:    c.stats.notReady.Load(),
		Timeouts:    c.stats.timeouts.Load(),
	}
	c.mu.Lock()
	for _, e := range c.players {
		if e.op != nil {
			s.InFlight++
		}
		if e.state == StateAlternateActive {
			s.Alternate++
		}
	}
	c.mu.Unlock()
	return s
}
