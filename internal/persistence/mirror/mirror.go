// Package mirror copies finished journal files to an S3-compatible bucket
// so the transition history survives the loss of the host disk.
package mirror

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"
)

// Uploader is the object store the mirror writes to.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	EnqueuedTotal      uint64
	DroppedTotal       uint64
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	LastSuccessUnix    int64
	LastErrorUnix      int64
}

type Config struct {
	// BaseDir is stripped from local paths to form object keys.
	BaseDir string
	Prefix  string
	Workers int
	Queue   int
	// EnqueueWait bounds how long Enqueue blocks on a full queue.
	EnqueueWait time.Duration
	MaxAttempts int
	// Backoff is the base delay; attempt n waits n*n*Backoff.
	Backoff time.Duration
}

type Mirror struct {
	up   Uploader
	cfg  Config
	log  *zap.Logger
	jobs chan string
	wg   sync.WaitGroup

	enqueuedTotal      atomic.Uint64
	droppedTotal       atomic.Uint64
	uploadSuccessTotal atomic.Uint64
	uploadFailTotal    atomic.Uint64
	lastSuccessUnix    atomic.Int64
	lastErrorUnix      atomic.Int64
}

func New(up Uploader, cfg Config, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	m := &Mirror{
		up:   up,
		cfg:  cfg,
		log:  logger.Named("mirror"),
		jobs: make(chan string, cfg.Queue),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It waits at most EnqueueWait on
// a full queue, then drops the file and counts it.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		m.droppedTotal.Add(1)
		m.log.Warn("mirror queue full, file dropped", zap.String("local", localPath))
	}
}

// Close drains the queue and waits for in-flight uploads.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(m.jobs),
		QueueCapacity:      cap(m.jobs),
		EnqueuedTotal:      m.enqueuedTotal.Load(),
		DroppedTotal:       m.droppedTotal.Load(),
		UploadSuccessTotal: m.uploadSuccessTotal.Load(),
		UploadFailTotal:    m.uploadFailTotal.Load(),
		LastSuccessUnix:    m.lastSuccessUnix.Load(),
		LastErrorUnix:      m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.log.Warn("mirror skip", zap.String("local", localPath), zap.Error(err))
		return
	}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lastErr = m.up.PutFile(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			m.uploadSuccessTotal.Add(1)
			m.lastSuccessUnix.Store(time.Now().UTC().Unix())
			m.log.Debug("mirrored", zap.String("key", key))
			return
		}
		if attempt < m.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.cfg.Backoff)
		}
	}
	m.uploadFailTotal.Add(1)
	m.lastErrorUnix.Store(time.Now().UTC().Unix())
	m.log.Error("mirror upload failed", zap.String("key", key), zap.String("local", localPath), zap.Error(lastErr))
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	base, err := filepath.Abs(m.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", oops.In("mirror").With("local", abs).With("base", base).Errorf("path outside base dir")
	}
	if m.cfg.Prefix != "" {
		return path.Join(m.cfg.Prefix, rel), nil
	}
	return rel, nil
}
