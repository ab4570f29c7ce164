// Package journal keeps the operator-facing record of lifecycle
// transitions as hourly zstd-compressed JSONL files.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"arenaswap.ai/internal/sim/model"
)

type Kind string

const (
	KindStarted     Kind = "started"
	KindCommitted   Kind = "committed"
	KindRetry       Kind = "retry"
	KindAborted     Kind = "aborted"
	KindAbandoned   Kind = "abandoned"
	KindQuarantined Kind = "quarantined"
	KindRecovered   Kind = "recovered"
	KindConflict    Kind = "conflict"
	KindStuck       Kind = "stuck"
)

type Entry struct {
	At        time.Time      `json:"at"`
	ID        string         `json:"id,omitempty"`
	Player    model.PlayerID `json:"player"`
	Direction string         `json:"direction,omitempty"`
	Kind      Kind           `json:"kind"`
	Zone      string         `json:"zone,omitempty"`
	Step      string         `json:"step,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// JSONLZstdWriter appends JSON lines to hourly files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir. Each write is flushed
// through the encoder so a reader sees it without waiting for rotation.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// OnClose, when set, receives the path of every file the writer
	// finishes, on rotation and on Close.
	OnClose func(path string)

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 32*1024)
	w.curHour = hour
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	if w.curPath != "" && w.OnClose != nil {
		w.OnClose(w.curPath)
	}
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Journal records lifecycle entries. Write errors are logged, never returned
// to the caller: the journal must not stall a transition.
type Journal struct {
	w   *JSONLZstdWriter
	log *zap.Logger
}

// OnRotate registers fn for every finished journal file. Call before the
// first write.
func (j *Journal) OnRotate(fn func(path string)) {
	j.w.OnClose = fn
}

func Open(dir string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{w: NewJSONLZstdWriter(dir, "transitions"), log: logger.Named("journal")}
}

func (j *Journal) RecordTransition(e Entry) {
	if j == nil {
		return
	}
	if err := j.w.Write(e); err != nil {
		j.log.Error("journal write failed", zap.Error(err), zap.String("kind", string(e.Kind)), zap.Stringer("player", e.Player))
	}
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.w.Close()
}
