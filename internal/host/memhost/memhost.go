// Package memhost is an in-memory body world implementing the host
// capability surface. The server mirrors the engine's bodies into it from
// the host bridge; tests use it directly.
package memhost

import (
	"maps"
	"slices"
	"sync"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/sim/model"
)

type body struct {
	owner     model.PlayerID
	alternate bool
	frozen    bool
	comps     map[host.Kind]host.Component
}

type World struct {
	mu      sync.RWMutex
	next    host.Handle
	bodies  map[host.Handle]*body
	players map[model.PlayerID]host.Handle

	// failWrites makes Write return false for the listed handles.
	failWrites map[host.Handle]bool
	failSpawn  bool
}

func New() *World {
	return &World{
		bodies:     map[host.Handle]*body{},
		players:    map[model.PlayerID]host.Handle{},
		failWrites: map[host.Handle]bool{},
	}
}

// SpawnNormal creates (or replaces the mapping to) the normal body of a player.
func (w *World) SpawnNormal(id model.PlayerID, comps ...host.Component) host.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.allocLocked(id, false)
	for _, c := range comps {
		w.bodies[h].comps[c.Kind()] = clone(c)
	}
	w.players[id] = h
	return h
}

// Attach binds an existing body as the player's normal body (reconnect).
func (w *World) Attach(id model.PlayerID, h host.Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[h]
	if !ok || b.alternate {
		return false
	}
	w.players[id] = h
	return true
}

// Disconnect forgets the player's directory entry; the body stays in the world.
func (w *World) Disconnect(id model.PlayerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.players, id)
}

func (w *World) Despawn(h host.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[h]
	if !ok {
		return
	}
	delete(w.bodies, h)
	if w.players[b.owner] == h {
		delete(w.players, b.owner)
	}
}

func (w *World) SetFailWrites(h host.Handle, fail bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if fail {
		w.failWrites[h] = true
	} else {
		delete(w.failWrites, h)
	}
}

func (w *World) SetFailSpawn(fail bool) {
	w.mu.Lock()
	w.failSpawn = fail
	w.mu.Unlock()
}

func (w *World) Frozen(h host.Handle) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[h]
	return ok && b.frozen
}

func (w *World) Owner(h host.Handle) (model.PlayerID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[h]
	if !ok {
		return 0, false
	}
	return b.owner, true
}

func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bodies)
}

func (w *World) Exists(h host.Handle) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.bodies[h]
	return ok
}

func (w *World) Read(h host.Handle, k host.Kind) (host.Component, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[h]
	if !ok {
		return nil, false
	}
	c, ok := b.comps[k]
	if !ok {
		return nil, false
	}
	return clone(c), true
}

func (w *World) Write(h host.Handle, c host.Component) bool {
	if c == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[h]
	if !ok || w.failWrites[h] {
		return false
	}
	b.comps[c.Kind()] = clone(c)
	return true
}

// Move sets the position of a body that is not frozen. The frozen check
// and the write happen under one lock, so a body parked by a swap keeps
// its holding position.
func (w *World) Move(h host.Handle, pos model.Vec3) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[h]
	if !ok || b.frozen || w.failWrites[h] {
		return false
	}
	b.comps[host.KindPosition] = host.Position(pos)
	return true
}

func (w *World) Freeze(h host.Handle) bool   { return w.setFrozen(h, true) }
func (w *World) Unfreeze(h host.Handle) bool { return w.setFrozen(h, false) }

func (w *World) setFrozen(h host.Handle, v bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[h]
	if !ok {
		return false
	}
	b.frozen = v
	return true
}

// SpawnAlternate creates a frozen alternate body carrying a copy of the
// normal body's components.
func (w *World) SpawnAlternate(normal host.Handle) (host.Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	src, ok := w.bodies[normal]
	if !ok || w.failSpawn {
		return 0, false
	}
	h := w.allocLocked(src.owner, true)
	nb := w.bodies[h]
	for k, c := range src.comps {
		nb.comps[k] = clone(c)
	}
	nb.frozen = true
	return h, true
}

func (w *World) NormalBody(id model.PlayerID) (host.Handle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.players[id]
	if !ok {
		return 0, false
	}
	if _, alive := w.bodies[h]; !alive {
		return 0, false
	}
	return h, true
}

func (w *World) allocLocked(owner model.PlayerID, alternate bool) host.Handle {
	w.next++
	h := w.next
	w.bodies[h] = &body{owner: owner, alternate: alternate, comps: map[host.Kind]host.Component{}}
	return h
}

func clone(c host.Component) host.Component {
	switch v := c.(type) {
	case host.Inventory:
		return slices.Clone(v)
	case host.Abilities:
		return slices.Clone(v)
	case host.UIVisibility:
		return host.UIVisibility(maps.Clone(map[string]bool(v)))
	default:
		return c
	}
}
