// Package indexdb is the SQLite side store: per-account override flags,
// body pairs so they survive a restart, and an index of transitions.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"arenaswap.ai/internal/persistence/journal"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/model"
)

var ErrClosed = errors.New("index closed")

type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	sendMu sync.RWMutex
	closed bool
	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once

	dropPairTotal       atomic.Uint64
	dropTransitionTotal atomic.Uint64
	writeFailTotal      atomic.Uint64
}

type reqKind int

const (
	reqPair reqKind = iota + 1
	reqTransition
	reqOverride
)

type req struct {
	kind reqKind

	pair       body.Pair
	transition journal.Entry
	override   overrideRow
	reply      chan error
}

type overrideRow struct {
	Player  model.PlayerID
	Enabled bool
	At      time.Time
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	DropPairTotal       uint64
	DropTransitionTotal uint64
	WriteFailTotal      uint64
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection for the writer loop, one for reads.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, oops.In("indexdb").With("path", path).Wrapf(err, "pragmas")
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, oops.In("indexdb").With("path", path).Wrapf(err, "schema")
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger.Named("indexdb"),
		ch:  make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			player_id INTEGER PRIMARY KEY,
			override INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS body_pairs (
			player_id INTEGER PRIMARY KEY,
			normal INTEGER NOT NULL,
			alternate INTEGER NOT NULL,
			active_side TEXT NOT NULL,
			last_swap TEXT,
			alternate_created TEXT,
			needs_recreation INTEGER NOT NULL,
			normal_return TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id TEXT PRIMARY KEY,
			player_id INTEGER NOT NULL,
			direction TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_player ON transitions(player_id, started_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// trySend queues r without blocking and reports whether it was accepted.
func (s *SQLiteIndex) trySend(r req) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

// RecordPair queues the pair's current row. Drops are counted; the next
// change to the pair writes the full row again.
func (s *SQLiteIndex) RecordPair(p body.Pair) {
	if s == nil {
		return
	}
	if !s.trySend(req{kind: reqPair, pair: p}) {
		s.dropPairTotal.Add(1)
	}
}

func (s *SQLiteIndex) RecordTransition(e journal.Entry) {
	if s == nil || e.ID == "" || e.Kind == journal.KindConflict {
		return
	}
	if !s.trySend(req{kind: reqTransition, transition: e}) {
		s.dropTransitionTotal.Add(1)
	}
}

// SetOverride writes the account flag and returns once it is committed.
func (s *SQLiteIndex) SetOverride(id model.PlayerID, enabled bool) error {
	if s == nil {
		return ErrClosed
	}
	reply := make(chan error, 1)
	s.sendMu.RLock()
	if s.closed {
		s.sendMu.RUnlock()
		return ErrClosed
	}
	s.ch <- req{kind: reqOverride, override: overrideRow{Player: id, Enabled: enabled, At: time.Now().UTC()}, reply: reply}
	s.sendMu.RUnlock()
	if err := <-reply; err != nil {
		return oops.In("indexdb").With("player", id).Wrapf(err, "set override")
	}
	return nil
}

func (s *SQLiteIndex) LoadOverrides(ctx context.Context) (map[model.PlayerID]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT player_id, override FROM accounts WHERE override != 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.PlayerID]bool{}
	for rows.Next() {
		var id int64
		var on int
		if err := rows.Scan(&id, &on); err != nil {
			return nil, err
		}
		out[model.PlayerID(id)] = on != 0
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) LoadPairs(ctx context.Context) ([]body.Pair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT player_id, normal, alternate, active_side, last_swap, alternate_created, needs_recreation, normal_return FROM body_pairs ORDER BY player_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []body.Pair
	for rows.Next() {
		var (
			id, normal, alt int64
			side            string
			lastSwap        sql.NullString
			created         sql.NullString
			recreate        int
			ret             sql.NullString
		)
		if err := rows.Scan(&id, &normal, &alt, &side, &lastSwap, &created, &recreate, &ret); err != nil {
			return nil, err
		}
		p := body.Pair{
			Player:                   model.PlayerID(id),
			NormalBody:               hostHandle(normal),
			AlternateBody:            hostHandle(alt),
			ActiveSide:               body.SideNormal,
			LastSwapTime:             parseTime(lastSwap),
			AlternateCreatedAt:       parseTime(created),
			AlternateNeedsRecreation: recreate != 0,
		}
		if side == body.SideAlternate.String() {
			p.ActiveSide = body.SideAlternate
		}
		if ret.Valid && ret.String != "" {
			var v model.Vec3
			if err := json.Unmarshal([]byte(ret.String), &v); err == nil {
				p.NormalReturn = v
				p.HasNormalReturn = true
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type Transition struct {
	ID         string
	Player     model.PlayerID
	Direction  string
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
	Detail     string
}

// RecentTransitions returns up to limit rows, newest first.
func (s *SQLiteIndex) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, player_id, direction, outcome, started_at, finished_at, detail FROM transitions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			id       int64
			started  string
			finished sql.NullString
			detail   sql.NullString
		)
		if err := rows.Scan(&t.ID, &id, &t.Direction, &t.Outcome, &started, &finished, &detail); err != nil {
			return nil, err
		}
		t.Player = model.PlayerID(id)
		t.StartedAt = parseTime(sql.NullString{String: started, Valid: true})
		t.FinishedAt = parseTime(finished)
		t.Detail = detail.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropPairTotal:       s.dropPairTotal.Load(),
		DropTransitionTotal: s.dropTransitionTotal.Load(),
		WriteFailTotal:      s.writeFailTotal.Load(),
	}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
