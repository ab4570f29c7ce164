// Package body tracks, per player, the pair of bodies (normal and
// alternate) and which one the player is currently driving.
package body

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/sim/model"
)

var ErrBodyMissing = errors.New("body missing")

type Side uint8

const (
	SideNormal Side = iota
	SideAlternate
)

func (s Side) String() string {
	if s == SideAlternate {
		return "alternate"
	}
	return "normal"
}

type Pair struct {
	Player        model.PlayerID
	NormalBody    host.Handle
	AlternateBody host.Handle
	ActiveSide    Side

	LastSwapTime             time.Time
	AlternateCreatedAt       time.Time
	AlternateNeedsRecreation bool

	// NormalReturn is where the normal body stood before it was parked.
	NormalReturn    model.Vec3
	HasNormalReturn bool
}

// Persister receives every pair change. It must not block.
type Persister interface {
	RecordPair(p Pair)
}

type Config struct {
	// Holding is where an inactive body is parked.
	Holding model.Vec3
	// AlternateNamePrefix is prepended to the player's name on a new alternate body.
	AlternateNamePrefix string
	// AlternateResourceQuality is written to a new alternate body's blood quality.
	AlternateResourceQuality float64
}

type Registry struct {
	host    host.Host
	spawner host.Spawner
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pairs   map[model.PlayerID]*Pair
	persist Persister
}

func NewRegistry(h host.Host, sp host.Spawner, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		host:    h,
		spawner: sp,
		cfg:     cfg,
		log:     logger.Named("body"),
		now:     time.Now,
		pairs:   map[model.PlayerID]*Pair{},
	}
}

func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	r.persist = p
	r.mu.Unlock()
}

func (r *Registry) Holding() model.Vec3 { return r.cfg.Holding }

// GetOrCreate returns the player's pair, creating it around normal if the
// player has none. An existing pair is returned unchanged.
func (r *Registry) GetOrCreate(id model.PlayerID, normal host.Handle) Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pairs[id]; ok {
		return *p
	}
	p := &Pair{Player: id, NormalBody: normal, ActiveSide: SideNormal}
	r.pairs[id] = p
	r.recordLocked(p)
	return *p
}

func (r *Registry) Get(id model.PlayerID) (Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return Pair{}, false
	}
	return *p, true
}

func (r *Registry) IsAlternateActive(id model.PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	return ok && p.ActiveSide == SideAlternate
}

// RebindNormal points the pair at a new normal body, e.g. after the host
// reissued the player's entity. Only allowed while the normal side is active.
func (r *Registry) RebindNormal(id model.PlayerID, normal host.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok || p.ActiveSide != SideNormal || !normal.Valid() {
		return false
	}
	if p.NormalBody == normal {
		return true
	}
	p.NormalBody = normal
	r.recordLocked(p)
	return true
}

// EnsureAlternate makes sure the pair has a live alternate body, spawning
// one from the normal body when it is missing or flagged for recreation.
func (r *Registry) EnsureAlternate(id model.PlayerID) (Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return Pair{}, oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "no body pair")
	}
	if p.AlternateBody.Valid() && !p.AlternateNeedsRecreation && r.host.Exists(p.AlternateBody) {
		return *p, nil
	}
	if !r.host.Exists(p.NormalBody) {
		return *p, oops.In("body").With("player", id).With("normal", p.NormalBody).Wrapf(ErrBodyMissing, "normal body gone")
	}
	if r.spawner == nil {
		return *p, oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "no spawner")
	}
	alt, ok := r.spawner.SpawnAlternate(p.NormalBody)
	if !ok || !alt.Valid() {
		return *p, oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "spawn alternate")
	}
	name, _ := host.TryRead[host.DisplayName](r.host, p.NormalBody)
	r.host.Write(alt, host.DisplayName(r.cfg.AlternateNamePrefix+string(name)))
	blood, _ := host.TryRead[host.Blood](r.host, p.NormalBody)
	blood.Quality = r.cfg.AlternateResourceQuality
	r.host.Write(alt, blood)
	r.host.Freeze(alt)
	r.host.Write(alt, host.Position(r.cfg.Holding))

	p.AlternateBody = alt
	p.AlternateCreatedAt = r.now()
	p.AlternateNeedsRecreation = false
	r.recordLocked(p)
	r.log.Info("alternate body created", zap.Stringer("player", id), zap.Uint64("handle", uint64(alt)))
	return *p, nil
}

// ActivateAlternate freezes the normal body, unfreezes the alternate, moves
// the alternate to where the normal body stood and parks the normal body
// at the holding position. Calling it while the alternate is already
// active does nothing.
func (r *Registry) ActivateAlternate(id model.PlayerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "no body pair")
	}
	if p.ActiveSide == SideAlternate {
		return nil
	}
	if !p.AlternateBody.Valid() || p.AlternateNeedsRecreation {
		return oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "no alternate body")
	}
	return r.swapLocked(p, p.NormalBody, p.AlternateBody)
}

// ActivateNormal is the inverse of ActivateAlternate.
func (r *Registry) ActivateNormal(id model.PlayerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "no body pair")
	}
	if p.ActiveSide == SideNormal {
		return nil
	}
	return r.swapLocked(p, p.AlternateBody, p.NormalBody)
}

// swapLocked moves control from one body to the other. Both positions are
// read before either is written; any failed host call undoes the calls
// that already succeeded.
func (r *Registry) swapLocked(p *Pair, from, to host.Handle) error {
	if !r.host.Exists(from) || !r.host.Exists(to) {
		return oops.In("body").With("player", p.Player).With("from", from).With("to", to).Wrapf(ErrBodyMissing, "swap")
	}
	fromPos, ok1 := host.TryRead[host.Position](r.host, from)
	toPos, ok2 := host.TryRead[host.Position](r.host, to)
	if !ok1 || !ok2 {
		return oops.In("body").With("player", p.Player).Wrapf(ErrBodyMissing, "read positions")
	}

	steps := []struct {
		do   func() bool
		undo func() bool
	}{
		{func() bool { return r.host.Freeze(from) }, func() bool { return r.host.Unfreeze(from) }},
		{func() bool { return r.host.Unfreeze(to) }, func() bool { return r.host.Freeze(to) }},
		{func() bool { return r.host.Write(to, fromPos) }, func() bool { return r.host.Write(to, toPos) }},
		{func() bool { return r.host.Write(from, host.Position(r.cfg.Holding)) }, func() bool { return r.host.Write(from, fromPos) }},
	}
	for i, s := range steps {
		if s.do() {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if !steps[j].undo() {
				r.log.Error("swap rollback step failed", zap.Stringer("player", p.Player), zap.Int("step", j))
			}
		}
		return oops.In("body").With("player", p.Player).With("step", i).Wrapf(ErrBodyMissing, "swap")
	}

	if to == p.AlternateBody {
		p.ActiveSide = SideAlternate
		p.NormalReturn = fromPos.Vec()
		p.HasNormalReturn = true
	} else {
		p.ActiveSide = SideNormal
	}
	p.LastSwapTime = r.now()
	r.recordLocked(p)
	return nil
}

// ForceNormal returns control to the normal body when the alternate can no
// longer take part in a swap. The normal body goes back to where it stood
// before it was parked.
func (r *Registry) ForceNormal(id model.PlayerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "no body pair")
	}
	if !r.host.Exists(p.NormalBody) {
		return oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "normal body gone")
	}
	if !r.host.Unfreeze(p.NormalBody) {
		return oops.In("body").With("player", id).Wrapf(ErrBodyMissing, "unfreeze normal")
	}
	if p.HasNormalReturn {
		r.host.Write(p.NormalBody, host.Position(p.NormalReturn))
	}
	if r.host.Exists(p.AlternateBody) {
		r.host.Freeze(p.AlternateBody)
		r.host.Write(p.AlternateBody, host.Position(r.cfg.Holding))
	} else {
		p.AlternateNeedsRecreation = true
	}
	p.ActiveSide = SideNormal
	p.LastSwapTime = r.now()
	r.recordLocked(p)
	r.log.Warn("forced normal body", zap.Stringer("player", id))
	return nil
}

// AlternateAlive reports whether the pair's alternate body still exists.
func (r *Registry) AlternateAlive(id model.PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	return ok && p.AlternateBody.Valid() && r.host.Exists(p.AlternateBody)
}

// Restore loads pairs persisted by a previous process. Existing entries win.
func (r *Registry) Restore(pairs []Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pairs {
		if _, ok := r.pairs[p.Player]; ok {
			continue
		}
		cp := p
		r.pairs[p.Player] = &cp
	}
}

// Reconcile checks every pair against the host after a restart. Alternates
// that no longer exist are flagged for recreation and their pairs are set
// back to the normal side. It returns the players whose side was forced.
func (r *Registry) Reconcile() []model.PlayerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var forced []model.PlayerID
	for id, p := range r.pairs {
		if p.AlternateBody.Valid() && r.host.Exists(p.AlternateBody) {
			continue
		}
		changed := !p.AlternateNeedsRecreation
		p.AlternateNeedsRecreation = true
		if p.ActiveSide == SideAlternate {
			p.ActiveSide = SideNormal
			if r.host.Exists(p.NormalBody) {
				r.host.Unfreeze(p.NormalBody)
				if p.HasNormalReturn {
					r.host.Write(p.NormalBody, host.Position(p.NormalReturn))
				}
			}
			forced = append(forced, id)
			changed = true
		}
		if changed {
			r.recordLocked(p)
		}
	}
	sort.Slice(forced, func(i, j int) bool { return forced[i] < forced[j] })
	return forced
}

func (r *Registry) Pairs() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}

func (r *Registry) recordLocked(p *Pair) {
	if r.persist != nil {
		r.persist.RecordPair(*p)
	}
}
