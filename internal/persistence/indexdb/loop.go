package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"arenaswap.ai/internal/host"
	"arenaswap.ai/internal/persistence/journal"
)

func hostHandle(v int64) host.Handle { return host.Handle(uint64(v)) }

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertPair, _ := s.db.Prepare(`INSERT OR REPLACE INTO body_pairs(player_id,normal,alternate,active_side,last_swap,alternate_created,needs_recreation,normal_return) VALUES(?,?,?,?,?,?,?,?)`)
	startTransition, _ := s.db.Prepare(`INSERT INTO transitions(id,player_id,direction,outcome,started_at) VALUES(?,?,?,?,?) ON CONFLICT(id) DO NOTHING`)
	finishTransition, _ := s.db.Prepare(`UPDATE transitions SET direction=?, outcome=?, finished_at=?, detail=? WHERE id=?`)
	noteTransition, _ := s.db.Prepare(`UPDATE transitions SET detail=? WHERE id=?`)
	upsertAccount, _ := s.db.Prepare(`INSERT OR REPLACE INTO accounts(player_id,override,updated_at) VALUES(?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertPair, startTransition, finishTransition, noteTransition, upsertAccount} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.Warn("begin tx", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		if err != nil {
			s.writeFailTotal.Add(1)
			s.log.Warn("commit", zap.Error(err))
		}
		return err
	}
	rollback := func(err error) {
		s.writeFailTotal.Add(1)
		s.log.Warn("index write failed", zap.Error(err))
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) error {
		if st == nil {
			return sql.ErrConnDone
		}
		_, err := tx.Stmt(st).Exec(args...)
		if err != nil {
			rollback(err)
			return err
		}
		opCount++
		return nil
	}

	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				_ = commit()
				return
			}
			r = rr
		case <-idle.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				_ = commit()
			}
			continue
		}

		begin()
		if tx == nil {
			if r.reply != nil {
				r.reply <- sql.ErrConnDone
			}
			continue
		}

		switch r.kind {
		case reqPair:
			p := r.pair
			var ret any
			if p.HasNormalReturn {
				b, _ := json.Marshal(p.NormalReturn)
				ret = string(b)
			}
			recreate := 0
			if p.AlternateNeedsRecreation {
				recreate = 1
			}
			_ = exec(upsertPair,
				int64(p.Player),
				int64(p.NormalBody),
				int64(p.AlternateBody),
				p.ActiveSide.String(),
				formatTime(p.LastSwapTime),
				formatTime(p.AlternateCreatedAt),
				recreate,
				ret,
			)

		case reqTransition:
			e := r.transition
			switch e.Kind {
			case journal.KindStarted:
				_ = exec(startTransition, e.ID, int64(e.Player), e.Direction, "in_flight", formatTime(e.At))
			case journal.KindCommitted, journal.KindAborted, journal.KindRecovered:
				_ = exec(finishTransition, e.Direction, string(e.Kind), formatTime(e.At), e.Error, e.ID)
			default:
				_ = exec(noteTransition, string(e.Kind)+" "+e.Step+": "+e.Error, e.ID)
			}

		case reqOverride:
			o := r.override
			on := 0
			if o.Enabled {
				on = 1
			}
			err := exec(upsertAccount, int64(o.Player), on, formatTime(o.At))
			if err == nil {
				err = commit()
			}
			r.reply <- err
			continue
		}

		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			_ = commit()
		}
	}
}
