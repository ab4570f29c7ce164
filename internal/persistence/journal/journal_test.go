package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalWriteRead(t *testing.T) {
	dir := t.TempDir()
	j := Open(dir, nil)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	j.w.now = func() time.Time { return base }
	var finished []string
	j.OnRotate(func(path string) { finished = append(finished, filepath.Base(path)) })

	j.RecordTransition(Entry{At: base, ID: "01A", Player: 7, Direction: "enter", Kind: KindStarted, Zone: "colosseum"})
	j.RecordTransition(Entry{At: base.Add(time.Second), ID: "01A", Player: 7, Direction: "enter", Kind: KindCommitted, Zone: "colosseum"})

	// Readable before Close.
	got, err := ReadDir(dir, time.Time{})
	if err != nil {
		t.Fatalf("read open file: %v", err)
	}
	if len(got) != 2 || got[1].Kind != KindCommitted || got[0].Player != 7 {
		t.Fatalf("entries: %+v", got)
	}

	// Next hour rotates to a new file.
	j.w.now = func() time.Time { return base.Add(time.Hour) }
	j.RecordTransition(Entry{At: base.Add(time.Hour), Player: 8, Kind: KindQuarantined, Error: "snapshot corrupt"})
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "transitions-*.jsonl.zst"))
	if len(files) != 2 {
		t.Fatalf("files: %v", files)
	}
	if len(finished) != 2 || finished[0] != "transitions-2026-05-01-10.jsonl.zst" || finished[1] != "transitions-2026-05-01-11.jsonl.zst" {
		t.Fatalf("rotate hook: %v", finished)
	}
	got, err = ReadDir(dir, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Player != 8 || got[0].Error != "snapshot corrupt" {
		t.Fatalf("filtered entries: %+v", got)
	}
}

func TestReadDirMissing(t *testing.T) {
	got, err := ReadDir(filepath.Join(t.TempDir(), "nope"), time.Time{})
	if err != nil || len(got) != 0 {
		t.Fatalf("missing dir: %v %v", got, err)
	}
}

func TestReadFileRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.jsonl.zst")
	if err := os.WriteFile(p, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFile(p); err == nil {
		t.Fatalf("expected error for non-zstd file")
	}
}
