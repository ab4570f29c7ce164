package lifecycle

import (
	"context"
	"errors"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/model"
)

// Recover runs once at boot, before the runtime is ready. Pairs whose
// alternate body is gone are forced back to normal; pairs still on a live
// alternate resume as AlternateActive. Every snapshot without an active
// pair is restored onto the player's normal body, or left pending until
// the player connects. Recover returns once every restore it could start
// has finished its delete.
func (c *Coordinator) Recover(ctx context.Context) error {
	for _, id := range c.bodies.Reconcile() {
		c.log.Warn("alternate body lost, pair forced to normal", zap.Stringer("player", id))
	}

	c.mu.Lock()
	for _, p := range c.bodies.Pairs() {
		if p.ActiveSide != body.SideAlternate {
			continue
		}
		e := c.entryLocked(p.Player)
		e.state = StateAlternateActive
		if snap, err := c.snaps.Load(p.Player); err == nil {
			e.zone = snap.Zone
		}
	}
	c.mu.Unlock()

	orphans, err := c.snaps.ScanOrphaned(c.bodies.IsAlternateActive)
	if err != nil {
		return oops.In("lifecycle").Wrapf(err, "scan orphaned snapshots")
	}

	// A player with a transition in flight already owns its snapshot.
	started := make([]model.PlayerID, 0, len(orphans))
	c.mu.Lock()
	for _, id := range orphans {
		e := c.entryLocked(id)
		if e.op != nil {
			c.log.Debug("orphan scan skipped in-flight transition",
				zap.Stringer("player", id), zap.Stringer("in_flight", e.op.dir), zap.Stringer("step", e.op.step))
			continue
		}
		e.recoveryPending = true
		c.startRecoveryLocked(ctx, id, e)
		if e.recoveryPending && e.op == nil {
			c.log.Info("recovery deferred until player connects", zap.Stringer("player", id))
		}
		started = append(started, id)
	}
	c.mu.Unlock()
	c.flush()

	if len(started) > 0 {
		c.log.Info("orphaned snapshots found", zap.Int("count", len(started)))
	}
	return c.awaitRecoveries(ctx, started)
}

func (c *Coordinator) awaitRecoveries(ctx context.Context, ids []model.PlayerID) error {
	for {
		var waits []*snapshot.Pending
		c.mu.Lock()
		for _, id := range ids {
			if e, ok := c.players[id]; ok && e.op != nil && e.op.pending != nil {
				waits = append(waits, e.op.pending)
			}
		}
		c.mu.Unlock()
		if len(waits) == 0 {
			return nil
		}

		for _, p := range waits {
			wctx, cancel := context.WithTimeout(ctx, c.cfg.SaveTimeout)
			err := p.Wait(wctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return oops.In("lifecycle").With("player", p.Player()).Wrapf(err, "await recovery write")
			}
		}

		c.mu.Lock()
		for _, id := range ids {
			if e, ok := c.players[id]; ok && e.op != nil {
				c.advanceLocked(ctx, id, e)
			}
		}
		c.mu.Unlock()
		c.flush()
	}
}
