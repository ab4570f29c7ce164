package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/persistence/journal"
	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/sim/model"
)

type direction uint8

const (
	dirEnter direction = iota + 1
	dirExit
	dirRecover
)

func (d direction) String() string {
	switch d {
	case dirEnter:
		return "enter"
	case dirExit:
		return "exit"
	case dirRecover:
		return "recover"
	default:
		return "unknown"
	}
}

type step uint8

const (
	// enter
	stepCapture step = iota + 1
	stepSave
	stepSwap
	stepExpand
	// exit and recover
	stepRestoreAbilities
	stepActivateNormal
	stepLoad
	stepApply
	stepDelete
	// enter abandoned before any body changed
	stepDiscard
)

func (s step) String() string {
	switch s {
	case stepCapture:
		return "capture"
	case stepSave:
		return "save"
	case stepSwap:
		return "swap"
	case stepExpand:
		return "expand"
	case stepRestoreAbilities:
		return "restore_abilities"
	case stepActivateNormal:
		return "activate_normal"
	case stepLoad:
		return "load"
	case stepApply:
		return "apply"
	case stepDelete:
		return "delete"
	case stepDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

type result uint8

const (
	resNext result = iota
	resWait
	resRetry
	resDone
)

// operation is one in-flight transition. It survives across ticks and is
// resumed at step; finished steps are never run again.
type operation struct {
	id     ulid.ULID
	dir    direction
	step   step
	zone   string
	pinned bool

	// rollback marks an enter being undone through the exit steps.
	rollback bool

	normal  host.Handle
	snap    snapshot.PlayerSnapshot
	hasSnap bool

	pending     *snapshot.Pending
	submittedAt time.Time
	timedOut    bool

	attempts int
	lastErr  error
	started  time.Time

	span trace.Span
}

func (c *Coordinator) newOpLocked(ctx context.Context, id model.PlayerID, d direction, first step, zoneName string) *operation {
	op := &operation{
		id:      ulid.Make(),
		dir:     d,
		step:    first,
		zone:    zoneName,
		started: c.now(),
	}
	_, op.span = c.tracer.Start(context.WithoutCancel(ctx), "lifecycle."+d.String(),
		trace.WithAttributes(
			attribute.String("transition.id", op.id.String()),
			attribute.String("player.id", id.String()),
			attribute.String("zone", zoneName),
		))
	c.record(journal.Entry{At: op.started, ID: op.id.String(), Player: id, Direction: d.String(), Kind: journal.KindStarted, Zone: zoneName})
	return op
}

func (c *Coordinator) startEnterLocked(ctx context.Context, id model.PlayerID, e *entry, zoneName string, pinned bool) {
	op := c.newOpLocked(ctx, id, dirEnter, stepCapture, zoneName)
	op.pinned = pinned
	e.op = op
	e.state = StateNormal
	c.log.Debug("enter started", zap.Stringer("player", id), zap.String("zone", zoneName), zap.Stringer("op", op.id))
	c.advanceLocked(ctx, id, e)
}

func (c *Coordinator) startExitLocked(ctx context.Context, id model.PlayerID, e *entry, d direction) {
	op := c.newOpLocked(ctx, id, d, stepRestoreAbilities, e.zone)
	e.op = op
	c.log.Debug("exit started", zap.Stringer("player", id), zap.String("zone", e.zone), zap.Stringer("op", op.id))
	c.advanceLocked(ctx, id, e)
}

// startRecoveryLocked runs the load, apply and delete steps against the
// player's current normal body. Without a resolvable body the player stays
// pending until it connects.
func (c *Coordinator) startRecoveryLocked(ctx context.Context, id model.PlayerID, e *entry) {
	normal, ok := c.normalBodyLocked(id)
	if !ok {
		return
	}
	op := c.newOpLocked(ctx, id, dirRecover, stepLoad, "")
	op.normal = normal
	e.op = op
	c.log.Info("recovering orphaned snapshot", zap.Stringer("player", id), zap.Stringer("op", op.id))
	c.advanceLocked(ctx, id, e)
}

// advanceLocked runs steps until the operation finishes, has to wait for
// a durable write, or hits a failure that is retried next tick.
func (c *Coordinator) advanceLocked(ctx context.Context, id model.PlayerID, e *entry) {
	for e.op != nil {
		op := e.op
		cur := op.step
		res, err := c.runStepLocked(id, e, op)
		switch res {
		case resNext:
			op.span.AddEvent("step", trace.WithAttributes(attribute.String("step", cur.String())))
			continue
		case resWait, resDone:
			return
		case resRetry:
			c.retryLocked(ctx, id, e, op, cur, err)
			return
		}
	}
}

func (c *Coordinator) runStepLocked(id model.PlayerID, e *entry, op *operation) (result, error) {
	switch op.step {
	case stepCapture:
		return c.stepCapture(id, e, op)
	case stepSave:
		return c.stepSave(id, e, op)
	case stepSwap:
		return c.stepSwap(id, op)
	case stepExpand:
		return c.stepExpand(id, e, op)
	case stepRestoreAbilities:
		return c.stepRestoreAbilities(id, op)
	case stepActivateNormal:
		return c.stepActivateNormal(id, op)
	case stepLoad:
		return c.stepLoad(id, e, op)
	case stepApply:
		return c.stepApply(id, op)
	case stepDelete:
		return c.stepDelete(id, e, op)
	case stepDiscard:
		return c.stepDiscard(id, e, op)
	}
	c.log.Error("unknown transition step", zap.Stringer("player", id), zap.Uint8("step", uint8(op.step)))
	c.finishLocked(id, e, journal.KindAborted, errors.New("unknown step"))
	return resDone, nil
}

func (c *Coordinator) retryLocked(ctx context.Context, id model.PlayerID, e *entry, op *operation, st step, err error) {
	op.attempts++
	op.lastErr = err
	c.stats.retries.Add(1)
	c.log.Warn("transition step failed, will retry",
		zap.Stringer("player", id),
		zap.Stringer("direction", op.dir),
		zap.Stringer("step", st),
		zap.Int("attempt", op.attempts),
		zap.Error(err))
	c.record(journal.Entry{At: c.now(), ID: op.id.String(), Player: id, Direction: op.dir.String(), Kind: journal.KindRetry, Zone: op.zone, Step: st.String(), Attempt: op.attempts, Error: errText(err)})
	op.span.AddEvent("retry", trace.WithAttributes(attribute.String("step", st.String()), attribute.Int("attempt", op.attempts)))

	if op.attempts < c.cfg.MaxAttempts {
		return
	}
	switch {
	case op.dir == dirEnter && st == stepSwap:
		// No body has changed; drop the saved snapshot and stay normal.
		c.log.Error("enter abandoned", zap.Stringer("player", id), zap.Error(err))
		c.stats.abandoned.Add(1)
		c.record(journal.Entry{At: c.now(), ID: op.id.String(), Player: id, Direction: op.dir.String(), Kind: journal.KindAbandoned, Zone: op.zone, Step: st.String(), Error: errText(err)})
		op.step = stepDiscard
		op.attempts = 0
		c.advanceLocked(ctx, id, e)
	case op.dir == dirEnter && st == stepExpand:
		// The swap happened: undo it through the exit sequence, which
		// restores from the snapshot saved in this operation.
		c.log.Error("enter abandoned after swap, rolling back", zap.Stringer("player", id), zap.Error(err))
		c.stats.abandoned.Add(1)
		c.record(journal.Entry{At: c.now(), ID: op.id.String(), Player: id, Direction: op.dir.String(), Kind: journal.KindAbandoned, Zone: op.zone, Step: st.String(), Error: errText(err)})
		op.dir = dirExit
		op.rollback = true
		op.step = stepRestoreAbilities
		op.attempts = 0
		c.advanceLocked(ctx, id, e)
	case op.attempts == c.cfg.MaxAttempts:
		// Exits must finish; keep retrying but make it visible once.
		c.log.Error("transition stuck", zap.Stringer("player", id), zap.Stringer("direction", op.dir), zap.Stringer("step", st), zap.Error(err))
		c.record(journal.Entry{At: c.now(), ID: op.id.String(), Player: id, Direction: op.dir.String(), Kind: journal.KindStuck, Zone: op.zone, Step: st.String(), Attempt: op.attempts, Error: errText(err)})
	}
}

// finishLocked ends the operation and commits the entry's state.
func (c *Coordinator) finishLocked(id model.PlayerID, e *entry, kind journal.Kind, err error) {
	op := e.op
	e.op = nil
	now := c.now()

	var ev EventKind
	switch {
	case kind == journal.KindCommitted && op.dir == dirEnter:
		e.state = StateAlternateActive
		e.zone = op.zone
		e.pinned = op.pinned
		ev = EventEntered
		c.stats.entered.Add(1)
		c.log.Info("entered arena", zap.Stringer("player", id), zap.String("zone", op.zone), zap.Stringer("op", op.id))
	case kind == journal.KindCommitted && op.dir == dirExit:
		e.state = StateNormal
		e.zone = ""
		e.pinned = false
		ev = EventExited
		c.stats.exited.Add(1)
		c.log.Info("left arena", zap.Stringer("player", id), zap.String("zone", op.zone), zap.Stringer("op", op.id))
	case kind == journal.KindRecovered:
		e.state = StateNormal
		e.zone = ""
		e.pinned = false
		e.recoveryPending = false
		ev = EventRecovered
		c.stats.recovered.Add(1)
		c.log.Info("recovered player", zap.Stringer("player", id), zap.Stringer("op", op.id))
	default:
		e.state = StateNormal
		e.zone = ""
		e.pinned = false
		if kind == journal.KindAborted {
			c.stats.aborted.Add(1)
		}
	}

	c.record(journal.Entry{At: now, ID: op.id.String(), Player: id, Direction: op.dir.String(), Kind: kind, Zone: op.zone, Step: op.step.String(), Attempt: op.attempts, Error: errText(err)})
	if err != nil {
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
	}
	op.span.SetAttributes(attribute.String("outcome", string(kind)))
	op.span.End()

	if ev != 0 {
		zoneName := op.zone
		if ev == EventRecovered {
			zoneName = op.snap.Zone
		}
		c.emitLocked(Event{Kind: ev, Player: id, Zone: zoneName, At: now, TransitionID: op.id.String()})
	}
	c.pruneLocked(id)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// pollLocked checks the operation's outstanding write. A write that stays
// outstanding past the save timeout fails the snapshot subsystem once.
func (c *Coordinator) pollLocked(id model.PlayerID, op *operation) (bool, error) {
	done, err := op.pending.Poll()
	if done {
		op.pending = nil
		return true, err
	}
	if !op.timedOut && c.now().Sub(op.submittedAt) > c.cfg.SaveTimeout {
		op.timedOut = true
		c.stats.timeouts.Add(1)
		terr := oops.In("lifecycle").With("player", id).With("step", op.step.String()).Errorf("snapshot write outstanding for more than %s", c.cfg.SaveTimeout)
		c.log.Error("snapshot write timed out", zap.Stringer("player", id), zap.Stringer("step", op.step), zap.Error(terr))
		if c.gate != nil {
			c.gate.Fail(SnapshotSubsystem, terr)
		}
	}
	return false, nil
}

func (c *Coordinator) submitLocked(op *operation, p *snapshot.Pending) {
	op.pending = p
	op.submittedAt = c.now()
	op.timedOut = false
}
