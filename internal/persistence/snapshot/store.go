// Package snapshot persists one recovery record per player while that
// player is in the arena. A record is the only way back to the player's
// normal state, so it is written atomically, validated on every load, and
// never deleted because it failed to parse.
package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"arenaswap.ai/internal/sim/model"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrCorrupt  = errors.New("snapshot corrupt")
)

const recordExt = ".snapshot"

//go:embed schema.json
var recordSchemaJSON string

type Store struct {
	root   string
	schema *jsonschema.Schema
	log    *zap.Logger
	now    func() time.Time
}

type Entry struct {
	Player  model.PlayerID
	Path    string
	Size    int64
	ModTime time.Time
}

// Open prepares <root>/players and <root>/quarantine.
func Open(root string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("empty snapshot root")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, d := range []string{"players", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, oops.In("snapshot").With("root", root).Wrapf(err, "mkdir %s", d)
		}
	}
	schema, err := jsonschema.CompileString("player_snapshot.schema.json", recordSchemaJSON)
	if err != nil {
		return nil, oops.In("snapshot").Wrapf(err, "compile record schema")
	}
	return &Store{
		root:   root,
		schema: schema,
		log:    logger.Named("snapshot"),
		now:    time.Now,
	}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Path(id model.PlayerID) string {
	return filepath.Join(s.root, "players", id.String()+recordExt)
}

// Save writes the record to a temp file in the same directory and renames it
// into place, so Load sees either the previous record or the new one.
func (s *Store) Save(id model.PlayerID, snap PlayerSnapshot) error {
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = SchemaVersion
	}
	b, err := json.MarshalIndent(record{
		RecordID: RecordID(id).String(),
		PlayerID: id.String(),
		Snapshot: snap,
	}, "", "  ")
	if err != nil {
		return oops.In("snapshot").With("player", id).Wrapf(err, "encode")
	}
	dst := s.Path(id)
	if err := writeFileAtomic(dst, append(b, '\n')); err != nil {
		return oops.In("snapshot").With("player", id).With("path", dst).Wrapf(err, "save")
	}
	return nil
}

func (s *Store) Load(id model.PlayerID) (PlayerSnapshot, error) {
	p := s.Path(id)
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PlayerSnapshot{}, ErrNotFound
		}
		return PlayerSnapshot{}, oops.In("snapshot").With("player", id).With("path", p).Wrapf(err, "read")
	}
	snap, err := s.decode(id, b)
	if err != nil {
		return PlayerSnapshot{}, oops.In("snapshot").With("player", id).With("path", p).Wrapf(err, "load")
	}
	return snap, nil
}

func (s *Store) decode(id model.PlayerID, b []byte) (PlayerSnapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return PlayerSnapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return PlayerSnapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return PlayerSnapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.PlayerID != id.String() || rec.RecordID != RecordID(id).String() {
		return PlayerSnapshot{}, fmt.Errorf("%w: record belongs to player %s", ErrCorrupt, rec.PlayerID)
	}
	if rec.Snapshot.SchemaVersion > SchemaVersion {
		return PlayerSnapshot{}, fmt.Errorf("%w: unsupported schema_version %d", ErrCorrupt, rec.Snapshot.SchemaVersion)
	}
	return rec.Snapshot, nil
}

// Delete removes the record. A missing record is not an error.
func (s *Store) Delete(id model.PlayerID) error {
	p := s.Path(id)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return oops.In("snapshot").With("player", id).With("path", p).Wrapf(err, "delete")
	}
	return nil
}

// Quarantine moves a player's record out of the scan directory and returns
// its new path. The record is kept for an operator to inspect.
func (s *Store) Quarantine(id model.PlayerID) (string, error) {
	src := s.Path(id)
	dst := filepath.Join(s.root, "quarantine", fmt.Sprintf("%s%s.%d", id.String(), recordExt, s.now().UTC().UnixNano()))
	if err := os.Rename(src, dst); err != nil {
		return "", oops.In("snapshot").With("player", id).With("path", src).Wrapf(err, "quarantine")
	}
	s.log.Error("snapshot quarantined", zap.Stringer("player", id), zap.String("path", dst))
	return dst, nil
}

// ScanOrphaned lists players that have a record on disk but are not marked
// active by isActive. A nil isActive treats every record as orphaned.
func (s *Store) ScanOrphaned(isActive func(model.PlayerID) bool) ([]model.PlayerID, error) {
	ents, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]model.PlayerID, 0, len(ents))
	for _, e := range ents {
		if isActive != nil && isActive(e.Player) {
			continue
		}
		out = append(out, e.Player)
	}
	return out, nil
}

// List enumerates records in player id order.
func (s *Store) List() ([]Entry, error) {
	dir := filepath.Join(s.root, "players")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, oops.In("snapshot").With("dir", dir).Wrapf(err, "scan")
	}
	var out []Entry
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id, err := model.ParsePlayerID(strings.TrimSuffix(name, recordExt))
		if err != nil {
			s.log.Warn("skipping unrecognized record", zap.String("name", name))
			continue
		}
		ent := Entry{Player: id, Path: filepath.Join(dir, name)}
		if info, err := e.Info(); err == nil {
			ent.Size = info.Size()
			ent.ModTime = info.ModTime()
		}
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out, nil
}

// Quarantined lists quarantined record paths, oldest name first.
func (s *Store) Quarantined() ([]string, error) {
	dir := filepath.Join(s.root, "quarantine")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func writeFileAtomic(dst string, b []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
