package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arenaswap.ai/internal/sim/model"
)

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	order   []string
	failIDs map[model.PlayerID]bool
}

func (b *blockingSink) Save(id model.PlayerID, _ PlayerSnapshot) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = append(b.order, "save:"+id.String())
	if b.failIDs[id] {
		return errors.New("disk full")
	}
	return nil
}

func (b *blockingSink) Delete(id model.PlayerID) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = append(b.order, "delete:"+id.String())
	return nil
}

func TestWriterPendingIsNotDoneUntilWritten(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	w := NewWriter(sink, 4, nil)
	defer w.Close()

	p, err := w.Save(1, PlayerSnapshot{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done, _ := p.Poll(); done {
		t.Fatalf("pending done before sink returned")
	}
	close(sink.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done, err := p.Poll(); !done || err != nil {
		t.Fatalf("poll after wait: done=%v err=%v", done, err)
	}
}

func TestWriterQueueFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	w := NewWriter(sink, 1, nil)

	// First job is taken by the worker and blocks; second fills the queue.
	first, err := w.Save(1, PlayerSnapshot{})
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := w.Save(2, PlayerSnapshot{}); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if _, err := w.Save(3, PlayerSnapshot{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := w.Stats().RejectedTotal; got != 1 {
		t.Fatalf("rejected: got %d", got)
	}

	close(sink.release)
	w.Close()
	if done, err := first.Poll(); !done || err != nil {
		t.Fatalf("first after close: done=%v err=%v", done, err)
	}
	if _, err := w.Delete(1); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestWriterPreservesOrderAndReportsErrors(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), failIDs: map[model.PlayerID]bool{2: true}}
	close(sink.release)
	w := NewWriter(sink, 8, nil)

	a, _ := w.Save(1, PlayerSnapshot{})
	b, _ := w.Delete(1)
	c, _ := w.Save(2, PlayerSnapshot{})
	w.Close()

	for _, p := range []*Pending{a, b} {
		if done, err := p.Poll(); !done || err != nil {
			t.Fatalf("pending: done=%v err=%v", done, err)
		}
	}
	if done, err := c.Poll(); !done || err == nil {
		t.Fatalf("expected failure for player 2: done=%v err=%v", done, err)
	}
	want := []string{"save:1", "delete:1", "save:2"}
	for i := range want {
		if sink.order[i] != want[i] {
			t.Fatalf("order: got %v want %v", sink.order, want)
		}
	}
	st := w.Stats()
	if st.SavedTotal != 1 || st.DeletedTotal != 1 || st.FailedTotal != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestWriterAgainstStore(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 4, nil)
	defer w.Close()

	p, err := w.Save(9, sampleSnapshot())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got, err := s.Load(9)
	if err != nil || !got.Equal(sampleSnapshot()) {
		t.Fatalf("load after async save: %+v err=%v", got, err)
	}
}
