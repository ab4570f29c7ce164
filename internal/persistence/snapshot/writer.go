package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"arenaswap.ai/internal/sim/model"
)

var (
	ErrQueueFull    = errors.New("snapshot queue full")
	ErrWriterClosed = errors.New("snapshot writer closed")
)

// Sink is the synchronous store the writer drains into.
type Sink interface {
	Save(id model.PlayerID, snap PlayerSnapshot) error
	Delete(id model.PlayerID) error
}

type jobKind uint8

const (
	jobSave jobKind = iota + 1
	jobDelete
)

type job struct {
	kind jobKind
	id   model.PlayerID
	snap PlayerSnapshot
	p    *Pending
}

// Pending is the outcome of one queued write. The submitter owns it and
// either polls it from its own loop or waits on it.
type Pending struct {
	player    model.PlayerID
	submitted time.Time
	done      chan struct{}
	err       error
}

func newPending(id model.PlayerID, at time.Time) *Pending {
	return &Pending{player: id, submitted: at, done: make(chan struct{})}
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

func (p *Pending) Player() model.PlayerID { return p.player }
func (p *Pending) Submitted() time.Time   { return p.submitted }
func (p *Pending) Done() <-chan struct{}  { return p.done }

// Poll reports whether the write finished and, if so, its error. It never blocks.
func (p *Pending) Poll() (bool, error) {
	select {
	case <-p.done:
		return true, p.err
	default:
		return false, nil
	}
}

func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type WriterStats struct {
	QueueDepth    int
	QueueCapacity int
	SavedTotal    uint64
	DeletedTotal  uint64
	FailedTotal   uint64
	RejectedTotal uint64
}

// Writer serializes all record writes through one goroutine so saves and
// deletes for the same player land in submission order.
type Writer struct {
	sink Sink
	log  *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	savedTotal    atomic.Uint64
	deletedTotal  atomic.Uint64
	failedTotal   atomic.Uint64
	rejectedTotal atomic.Uint64
}

func NewWriter(sink Sink, queueCapacity int, logger *zap.Logger) *Writer {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		sink: sink,
		log:  logger.Named("snapshot_writer"),
		jobs: make(chan job, queueCapacity),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for j := range w.jobs {
			w.run(j)
		}
	}()
	return w
}

func (w *Writer) Save(id model.PlayerID, snap PlayerSnapshot) (*Pending, error) {
	return w.submit(job{kind: jobSave, id: id, snap: snap})
}

func (w *Writer) Delete(id model.PlayerID) (*Pending, error) {
	return w.submit(job{kind: jobDelete, id: id})
}

func (w *Writer) submit(j job) (*Pending, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrWriterClosed
	}
	j.p = newPending(j.id, time.Now())
	select {
	case w.jobs <- j:
		return j.p, nil
	default:
		w.rejectedTotal.Add(1)
		return nil, ErrQueueFull
	}
}

func (w *Writer) run(j job) {
	var err error
	switch j.kind {
	case jobSave:
		err = w.sink.Save(j.id, j.snap)
		if err == nil {
			w.savedTotal.Add(1)
		}
	case jobDelete:
		err = w.sink.Delete(j.id)
		if err == nil {
			w.deletedTotal.Add(1)
		}
	}
	if err != nil {
		w.failedTotal.Add(1)
		w.log.Warn("snapshot write failed", zap.Stringer("player", j.id), zap.Error(err))
	}
	j.p.finish(err)
}

// Close stops accepting work, drains the queue and waits for the worker.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		QueueDepth:    len(w.jobs),
		QueueCapacity: cap(w.jobs),
		SavedTotal:    w.savedTotal.Load(),
		DeletedTotal:  w.deletedTotal.Load(),
		FailedTotal:   w.failedTotal.Load(),
		RejectedTotal: w.rejectedTotal.Load(),
	}
}
