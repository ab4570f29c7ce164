package lifecycle

import (
	"errors"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/persistence/journal"
	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/model"
)

func (c *Coordinator) stepCapture(id model.PlayerID, e *entry, op *operation) (result, error) {
	normal, ok := c.normalBodyLocked(id)
	if !ok {
		err := oops.In("lifecycle").With("player", id).Wrapf(body.ErrBodyMissing, "capture")
		c.log.Warn("enter aborted: normal body not found", zap.Stringer("player", id))
		c.finishLocked(id, e, journal.KindAborted, err)
		return resDone, nil
	}
	op.normal = normal
	op.snap = c.captureLocked(normal, op.zone)
	op.hasSnap = true
	op.step = stepSave
	return resNext, nil
}

// stepSave fails closed: any save error ends the enter before a body is touched.
func (c *Coordinator) stepSave(id model.PlayerID, e *entry, op *operation) (result, error) {
	if op.pending == nil {
		p, err := c.writer.Save(id, op.snap)
		if err != nil {
			c.log.Warn("enter aborted: snapshot save rejected", zap.Stringer("player", id), zap.Error(err))
			c.finishLocked(id, e, journal.KindAborted, err)
			return resDone, nil
		}
		c.submitLocked(op, p)
	}
	done, err := c.pollLocked(id, op)
	if !done {
		return resWait, nil
	}
	if err != nil {
		c.log.Error("enter aborted: snapshot save failed", zap.Stringer("player", id), zap.Error(err))
		c.finishLocked(id, e, journal.KindAborted, err)
		return resDone, nil
	}
	op.step = stepSwap
	return resNext, nil
}

func (c *Coordinator) stepSwap(id model.PlayerID, op *operation) (result, error) {
	p := c.bodies.GetOrCreate(id, op.normal)
	if p.NormalBody != op.normal && p.ActiveSide == body.SideNormal {
		c.bodies.RebindNormal(id, op.normal)
	}
	if _, err := c.bodies.EnsureAlternate(id); err != nil {
		return resRetry, err
	}
	if err := c.bodies.ActivateAlternate(id); err != nil {
		return resRetry, err
	}
	op.step = stepExpand
	return resNext, nil
}

func (c *Coordinator) stepExpand(id model.PlayerID, e *entry, op *operation) (result, error) {
	p, ok := c.bodies.Get(id)
	if !ok {
		return resRetry, oops.In("lifecycle").With("player", id).Wrapf(body.ErrBodyMissing, "expand")
	}
	if !c.abilities.ExpandAbilities(p.AlternateBody) {
		return resRetry, oops.In("lifecycle").With("player", id).With("handle", p.AlternateBody).Errorf("expand abilities")
	}
	c.finishLocked(id, e, journal.KindCommitted, nil)
	return resDone, nil
}

func (c *Coordinator) stepRestoreAbilities(id model.PlayerID, op *operation) (result, error) {
	if p, ok := c.bodies.Get(id); ok && p.AlternateBody.Valid() {
		if c.host.Exists(p.AlternateBody) {
			if !c.abilities.RestoreAbilities(p.AlternateBody) {
				return resRetry, oops.In("lifecycle").With("player", id).With("handle", p.AlternateBody).Errorf("restore abilities")
			}
		} else {
			c.abilities.Forget(p.AlternateBody)
		}
	}
	op.step = stepActivateNormal
	return resNext, nil
}

// stepActivateNormal swaps back. When the alternate body is gone a plain
// swap can never succeed, so control is forced back to the normal body.
func (c *Coordinator) stepActivateNormal(id model.PlayerID, op *operation) (result, error) {
	p, ok := c.bodies.Get(id)
	if !ok {
		normal, found := c.normalBodyLocked(id)
		if !found {
			return resRetry, oops.In("lifecycle").With("player", id).Wrapf(body.ErrBodyMissing, "resolve normal body")
		}
		op.normal = normal
		op.step = stepLoad
		return resNext, nil
	}
	if err := c.bodies.ActivateNormal(id); err != nil {
		if c.bodies.AlternateAlive(id) {
			return resRetry, err
		}
		if ferr := c.bodies.ForceNormal(id); ferr != nil {
			return resRetry, ferr
		}
	}
	op.normal = p.NormalBody
	op.step = stepLoad
	return resNext, nil
}

func (c *Coordinator) stepLoad(id model.PlayerID, e *entry, op *operation) (result, error) {
	snap, err := c.snaps.Load(id)
	switch {
	case err == nil:
		op.snap = snap
		op.hasSnap = true
		op.step = stepApply
		return resNext, nil
	case errors.Is(err, snapshot.ErrNotFound):
		c.log.Warn("no snapshot to restore", zap.Stringer("player", id), zap.Stringer("direction", op.dir))
		op.hasSnap = false
		c.completeLocked(id, e, op)
		return resDone, nil
	case errors.Is(err, snapshot.ErrCorrupt):
		path, qerr := c.snaps.Quarantine(id)
		if qerr != nil {
			return resRetry, qerr
		}
		c.stats.quarantined.Add(1)
		c.log.Error("snapshot corrupt, quarantined without restore", zap.Stringer("player", id), zap.String("path", path), zap.Error(err))
		c.record(journal.Entry{At: c.now(), ID: op.id.String(), Player: id, Direction: op.dir.String(), Kind: journal.KindQuarantined, Step: stepLoad.String(), Error: err.Error()})
		op.hasSnap = false
		c.completeLocked(id, e, op)
		return resDone, nil
	default:
		return resRetry, err
	}
}

func (c *Coordinator) stepApply(id model.PlayerID, op *operation) (result, error) {
	if !c.host.Exists(op.normal) {
		h, ok := c.normalBodyLocked(id)
		if !ok {
			return resRetry, oops.In("lifecycle").With("player", id).Wrapf(body.ErrBodyMissing, "apply")
		}
		op.normal = h
	}
	// The snapshot holds the body's own abilities; drop any expansion record.
	c.abilities.Forget(op.normal)
	if err := c.applyLocked(op.normal, op.snap); err != nil {
		return resRetry, err
	}
	if c.abilities.Effective(id) && !c.abilities.ExpandAbilities(op.normal) {
		c.log.Warn("account override not applied after restore", zap.Stringer("player", id))
	}
	op.step = stepDelete
	return resNext, nil
}

func (c *Coordinator) stepDelete(id model.PlayerID, e *entry, op *operation) (result, error) {
	res, err := c.deleteLocked(id, op)
	if res == resDone {
		c.completeLocked(id, e, op)
	}
	return res, err
}

func (c *Coordinator) stepDiscard(id model.PlayerID, e *entry, op *operation) (result, error) {
	res, err := c.deleteLocked(id, op)
	if res == resDone {
		c.finishLocked(id, e, journal.KindAborted, op.lastErr)
	}
	return res, err
}

func (c *Coordinator) deleteLocked(id model.PlayerID, op *operation) (result, error) {
	if op.pending == nil {
		p, err := c.writer.Delete(id)
		if err != nil {
			return resRetry, err
		}
		c.submitLocked(op, p)
	}
	done, err := c.pollLocked(id, op)
	if !done {
		return resWait, nil
	}
	if err != nil {
		return resRetry, err
	}
	return resDone, nil
}

func (c *Coordinator) completeLocked(id model.PlayerID, e *entry, op *operation) {
	switch {
	case op.dir == dirRecover:
		c.finishLocked(id, e, journal.KindRecovered, nil)
	case op.rollback:
		c.finishLocked(id, e, journal.KindAborted, op.lastErr)
	default:
		c.finishLocked(id, e, journal.KindCommitted, nil)
	}
}

func (c *Coordinator) captureLocked(h host.Handle, zoneName string) snapshot.PlayerSnapshot {
	name, _ := host.TryRead[host.DisplayName](c.host, h)
	level, _ := host.TryRead[host.Level](c.host, h)
	health, _ := host.TryRead[host.Health](c.host, h)
	blood, _ := host.TryRead[host.Blood](c.host, h)
	inv, _ := host.TryRead[host.Inventory](c.host, h)
	ui, _ := host.TryRead[host.UIVisibility](c.host, h)
	return snapshot.PlayerSnapshot{
		SchemaVersion:       snapshot.SchemaVersion,
		CapturedAt:          c.now().UTC(),
		OriginalDisplayName: string(name),
		Level:               int(level),
		Health:              float64(health),
		ResourceQuality:     blood.Quality,
		ResourceTypeID:      blood.TypeID,
		Inventory:           []model.ItemStack(inv),
		UnlockedAbilities:   []int(c.abilities.Baseline(h)),
		UIVisibility:        map[string]bool(ui),
		Zone:                zoneName,
	}
}

// applyLocked writes every snapshot field back. Writing the same snapshot
// twice leaves the body in the same state.
func (c *Coordinator) applyLocked(h host.Handle, s snapshot.PlayerSnapshot) error {
	comps := []host.Component{
		host.DisplayName(s.OriginalDisplayName),
		host.Level(s.Level),
		host.Health(s.Health),
		host.Blood{Quality: s.ResourceQuality, TypeID: s.ResourceTypeID},
		host.Inventory(s.Inventory),
		host.NewAbilities(s.UnlockedAbilities...),
		host.UIVisibility(s.UIVisibility),
	}
	for _, comp := range comps {
		if !c.host.Write(h, comp) {
			return oops.In("lifecycle").With("handle", h).With("component", comp.Kind().String()).Errorf("apply snapshot")
		}
	}
	return nil
}
