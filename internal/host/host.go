// Package host describes the narrow capability surface the lifecycle core
// needs from the game engine: existence checks, typed component reads and
// writes, and freezing a body in place.
package host

import (
	"sort"

	"arenaswap.ai/internal/sim/model"
)

// Handle identifies one body (entity) in the host. Zero is never valid.
type Handle uint64

func (h Handle) Valid() bool { return h != 0 }

type Kind uint8

const (
	KindPosition Kind = iota + 1
	KindHealth
	KindLevel
	KindBlood
	KindDisplayName
	KindInventory
	KindAbilities
	KindUIVisibility
)

func (k Kind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindHealth:
		return "health"
	case KindLevel:
		return "level"
	case KindBlood:
		return "blood"
	case KindDisplayName:
		return "display_name"
	case KindInventory:
		return "inventory"
	case KindAbilities:
		return "abilities"
	case KindUIVisibility:
		return "ui_visibility"
	default:
		return "unknown"
	}
}

// Component is implemented only by the value types in this package.
type Component interface {
	Kind() Kind
	isComponent()
}

type Position model.Vec3

type Health float64

type Level int

// Blood is the secondary resource: a quality percentage and the type it belongs to.
type Blood struct {
	Quality float64
	TypeID  int64
}

type DisplayName string

type Inventory []model.ItemStack

// Abilities is a sorted, duplicate-free set of ability ids.
type Abilities []int

type UIVisibility map[string]bool

func (Position) Kind() Kind     { return KindPosition }
func (Health) Kind() Kind       { return KindHealth }
func (Level) Kind() Kind        { return KindLevel }
func (Blood) Kind() Kind        { return KindBlood }
func (DisplayName) Kind() Kind  { return KindDisplayName }
func (Inventory) Kind() Kind    { return KindInventory }
func (Abilities) Kind() Kind    { return KindAbilities }
func (UIVisibility) Kind() Kind { return KindUIVisibility }

func (Position) isComponent()     {}
func (Health) isComponent()       {}
func (Level) isComponent()        {}
func (Blood) isComponent()        {}
func (DisplayName) isComponent()  {}
func (Inventory) isComponent()    {}
func (Abilities) isComponent()    {}
func (UIVisibility) isComponent() {}

func (p Position) Vec() model.Vec3 { return model.Vec3(p) }

// NewAbilities normalizes ids into set form.
func NewAbilities(ids ...int) Abilities {
	seen := make(map[int]struct{}, len(ids))
	out := make(Abilities, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (a Abilities) Contains(id int) bool {
	i := sort.SearchInts(a, id)
	return i < len(a) && a[i] == id
}

func (a Abilities) Union(b Abilities) Abilities {
	all := make([]int, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return NewAbilities(all...)
}

func (a Abilities) Equal(b Abilities) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Host is the body capability surface. Implementations must be safe for
// concurrent use; the core calls it from the tick goroutine and from
// command handlers.
type Host interface {
	Exists(h Handle) bool
	Read(h Handle, k Kind) (Component, bool)
	Write(h Handle, c Component) bool
	// Freeze stops input processing and damage on a body without touching its state.
	Freeze(h Handle) bool
	Unfreeze(h Handle) bool
}

// Spawner creates a fresh alternate body modelled on a normal body.
type Spawner interface {
	SpawnAlternate(normal Handle) (Handle, bool)
}

// Directory resolves the normal body a player currently controls.
type Directory interface {
	NormalBody(id model.PlayerID) (Handle, bool)
}

// TryRead reads a component of type T from h.
func TryRead[T Component](hst Host, h Handle) (T, bool) {
	var zero T
	if hst == nil || !h.Valid() {
		return zero, false
	}
	c, ok := hst.Read(h, zero.Kind())
	if !ok {
		return zero, false
	}
	v, ok := c.(T)
	return v, ok
}
